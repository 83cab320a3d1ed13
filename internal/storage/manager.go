package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/storage/badger"
	"github.com/ternarybob/vigil/internal/storage/textfiles"
	"github.com/ternarybob/vigil/internal/storage/valkey"
)

// NewSnapshotStorage opens the snapshot store selected by database.engine.
// The legacy "minidb" engine opens the default store after migrating the
// legacy archive into it; the archive itself is left alone.
func NewSnapshotStorage(config *common.Config, logger arbor.ILogger) (interfaces.SnapshotStorage, error) {
	engine := config.Database.Engine
	if engine == "" {
		engine = "badger"
	}

	switch engine {
	case "badger":
		store, err := openBadger(config, logger)
		if err != nil {
			return nil, err
		}
		if err := migrateLegacyArchive(context.Background(), store, legacyArchivePath(config), logger); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "textfiles":
		return textfiles.NewStorage(config.Database.Path, logger)
	case "redis":
		if config.Database.Address == "" {
			return nil, fmt.Errorf("database.address is required for the redis engine")
		}
		return valkey.NewStorage(config.Database.Address, logger)
	case "minidb":
		logger.Warn().Msg("Engine minidb is read-only legacy; migrating into the default store")
		store, err := openBadger(config, logger)
		if err != nil {
			return nil, err
		}
		if err := migrateLegacyArchive(context.Background(), store, config.Database.Path, logger); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database engine: %q", engine)
	}
}

func openBadger(config *common.Config, logger arbor.ILogger) (*badger.SnapshotStorage, error) {
	path := config.Database.Path
	if path == "" {
		path = common.DefaultDatabasePath()
	}
	if strings.HasSuffix(path, ".jsonl") {
		// A legacy archive path was configured directly; keep the store
		// beside it.
		path = strings.TrimSuffix(path, ".jsonl")
	}
	db, err := badger.NewBadgerDB(logger, path)
	if err != nil {
		return nil, err
	}
	return badger.NewSnapshotStorage(db, logger), nil
}

func legacyArchivePath(config *common.Config) string {
	path := config.Database.Path
	if path == "" {
		path = common.DefaultDatabasePath()
	}
	if strings.HasSuffix(path, ".jsonl") {
		return path
	}
	return path + ".jsonl"
}

// legacyRecord is one line of the flat JSON-lines archive format used before
// the transactional store.
type legacyRecord struct {
	GUID      string `json:"guid"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Tries     int    `json:"tries"`
	ETag      string `json:"etag"`
	MIME      string `json:"mime"`
}

// migrateLegacyArchive copies every record of a legacy archive into the
// store, once. A marker file beside the archive records completion so the
// archive is not re-imported; the archive itself is never modified.
func migrateLegacyArchive(ctx context.Context, store interfaces.SnapshotStorage, path string, logger arbor.ILogger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	marker := path + ".migrated"
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open legacy archive %s: %w", path, err)
	}
	defer f.Close()

	logger.Info().Str("path", path).Msg("Migrating legacy snapshot archive")

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec legacyRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return fmt.Errorf("corrupt legacy archive entry in %s: %w", path, err)
		}
		snapshot := models.Snapshot{
			Data:      rec.Data,
			Timestamp: rec.Timestamp,
			Tries:     rec.Tries,
			ETag:      rec.ETag,
			MIME:      rec.MIME,
		}
		if err := store.Save(ctx, rec.GUID, snapshot); err != nil {
			return fmt.Errorf("failed to import legacy snapshot: %w", err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read legacy archive %s: %w", path, err)
	}
	if err := store.PromoteStaged(ctx); err != nil {
		return err
	}

	if err := os.WriteFile(marker, []byte("migrated\n"), 0644); err != nil {
		logger.Warn().Err(err).Str("marker", marker).Msg("Failed to write migration marker")
	}
	logger.Info().Int("snapshots", count).Msg("Legacy archive migrated")
	return nil
}

package textfiles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// Storage keeps one snapshot per fingerprint as a pair of files in a
// directory: <guid>.txt holds the data, <guid>.json holds the metadata.
// Useful for keeping watched pages under version control; history depth is
// always one.
type Storage struct {
	dir    string
	logger arbor.ILogger
	mu     sync.Mutex
}

type metadata struct {
	Timestamp int64  `json:"timestamp"`
	Tries     int    `json:"tries"`
	ETag      string `json:"etag"`
	MIME      string `json:"mime"`
}

// NewStorage creates a directory-per-key snapshot store
func NewStorage(dir string, logger arbor.ILogger) (*Storage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create textfiles directory: %w", err)
	}
	return &Storage{dir: dir, logger: logger}, nil
}

func (s *Storage) dataPath(guid string) string {
	return filepath.Join(s.dir, guid+".txt")
}

func (s *Storage) metaPath(guid string) string {
	return filepath.Join(s.dir, guid+".json")
}

// Load returns the stored snapshot for the fingerprint, if any
func (s *Storage) Load(ctx context.Context, guid string) (models.Snapshot, error) {
	data, err := os.ReadFile(s.dataPath(guid))
	if os.IsNotExist(err) {
		return models.Snapshot{}, nil
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to read snapshot for %s: %w", guid, err)
	}
	snapshot := models.Snapshot{Data: string(data)}
	raw, err := os.ReadFile(s.metaPath(guid))
	if err == nil {
		var meta metadata
		if err := json.Unmarshal(raw, &meta); err == nil {
			snapshot.Timestamp = meta.Timestamp
			snapshot.Tries = meta.Tries
			snapshot.ETag = meta.ETag
			snapshot.MIME = meta.MIME
		}
	}
	return snapshot, nil
}

// Save replaces the single stored snapshot for the fingerprint
func (s *Storage) Save(ctx context.Context, guid string, snapshot models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.dataPath(guid), []byte(snapshot.Data), 0644); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", guid, err)
	}
	meta := metadata{
		Timestamp: snapshot.Timestamp,
		Tries:     snapshot.Tries,
		ETag:      snapshot.ETag,
		MIME:      snapshot.MIME,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot metadata for %s: %w", guid, err)
	}
	if err := os.WriteFile(s.metaPath(guid), raw, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot metadata for %s: %w", guid, err)
	}
	return nil
}

// PromoteStaged is a no-op; writes land directly
func (s *Storage) PromoteStaged(ctx context.Context) error {
	return nil
}

// GetHistoryData returns at most the single stored entry
func (s *Storage) GetHistoryData(ctx context.Context, guid string, count int) ([]interfaces.HistoryEntry, error) {
	snapshot, err := s.Load(ctx, guid)
	if err != nil {
		return nil, err
	}
	if snapshot.IsEmpty() || snapshot.Tries > 0 {
		return nil, nil
	}
	return []interfaces.HistoryEntry{{Data: snapshot.Data, Timestamp: snapshot.Timestamp}}, nil
}

// GetHistorySnapshots returns at most the single stored snapshot
func (s *Storage) GetHistorySnapshots(ctx context.Context, guid string, count int) ([]models.Snapshot, error) {
	snapshot, err := s.Load(ctx, guid)
	if err != nil {
		return nil, err
	}
	if snapshot.IsEmpty() {
		return nil, nil
	}
	return []models.Snapshot{snapshot}, nil
}

// Delete removes the fingerprint's files
func (s *Storage) Delete(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.dataPath(guid), s.metaPath(guid)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}
	return nil
}

// DeleteLatest drops the stored snapshot (history depth is one)
func (s *Storage) DeleteLatest(ctx context.Context, guid string, n int) (int, error) {
	snapshot, err := s.Load(ctx, guid)
	if err != nil {
		return 0, err
	}
	if snapshot.IsEmpty() {
		return 0, nil
	}
	if err := s.Delete(ctx, guid); err != nil {
		return 0, err
	}
	return 1, nil
}

// Clean is a no-op beyond retain == 0, since only one snapshot exists
func (s *Storage) Clean(ctx context.Context, guid string, retain int) (int, error) {
	if retain > 0 {
		return 0, nil
	}
	return s.DeleteLatest(ctx, guid, 1)
}

// CleanCache applies Clean to each fingerprint
func (s *Storage) CleanCache(ctx context.Context, guids []string, retain int) (int, error) {
	total := 0
	for _, guid := range guids {
		n, err := s.Clean(ctx, guid, retain)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// CleanAll applies Clean to every known fingerprint
func (s *Storage) CleanAll(ctx context.Context, retain int) (int, error) {
	guids, err := s.GetGUIDs(ctx)
	if err != nil {
		return 0, err
	}
	return s.CleanCache(ctx, guids, retain)
}

// GC drops fingerprints not in the known set
func (s *Storage) GC(ctx context.Context, knownGUIDs []string, retain int) ([]string, error) {
	known := map[string]bool{}
	for _, guid := range knownGUIDs {
		known[guid] = true
	}
	guids, err := s.GetGUIDs(ctx)
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, guid := range guids {
		if known[guid] {
			continue
		}
		if err := s.Delete(ctx, guid); err != nil {
			return dropped, err
		}
		dropped = append(dropped, guid)
	}
	return dropped, nil
}

// Rollback drops snapshots newer than ts
func (s *Storage) Rollback(ctx context.Context, ts int64) (int, error) {
	guids, err := s.GetGUIDs(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, guid := range guids {
		snapshot, err := s.Load(ctx, guid)
		if err != nil {
			return deleted, err
		}
		if snapshot.Timestamp > ts {
			if err := s.Delete(ctx, guid); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// Move renames the fingerprint's files
func (s *Storage) Move(ctx context.Context, oldGUID, newGUID string) (int, error) {
	if oldGUID == newGUID {
		return 0, nil
	}
	snapshot, err := s.Load(ctx, oldGUID)
	if err != nil {
		return 0, err
	}
	if snapshot.IsEmpty() {
		return 0, nil
	}
	if err := s.Save(ctx, newGUID, snapshot); err != nil {
		return 0, err
	}
	if err := s.Delete(ctx, oldGUID); err != nil {
		return 0, err
	}
	return 1, nil
}

// Backup exports every stored snapshot
func (s *Storage) Backup(ctx context.Context) ([]interfaces.BackupRecord, error) {
	guids, err := s.GetGUIDs(ctx)
	if err != nil {
		return nil, err
	}
	var records []interfaces.BackupRecord
	for _, guid := range guids {
		snapshot, err := s.Load(ctx, guid)
		if err != nil {
			return nil, err
		}
		records = append(records, interfaces.BackupRecord{GUID: guid, Snapshot: snapshot})
	}
	return records, nil
}

// Restore imports records produced by Backup; later records win per guid
func (s *Storage) Restore(ctx context.Context, records []interfaces.BackupRecord) error {
	for _, rec := range records {
		if err := s.Save(ctx, rec.GUID, rec.Snapshot); err != nil {
			return err
		}
	}
	return nil
}

// GetGUIDs lists fingerprints from the data files present
func (s *Storage) GetGUIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list textfiles directory: %w", err)
	}
	var guids []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".txt") {
			guids = append(guids, strings.TrimSuffix(name, ".txt"))
		}
	}
	sort.Strings(guids)
	return guids, nil
}

// Flush removes every stored snapshot
func (s *Storage) Flush(ctx context.Context) error {
	guids, err := s.GetGUIDs(ctx)
	if err != nil {
		return err
	}
	for _, guid := range guids {
		if err := s.Delete(ctx, guid); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for the filesystem backing
func (s *Storage) Close() error {
	return nil
}

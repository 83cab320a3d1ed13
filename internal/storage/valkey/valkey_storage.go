package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	valkeygo "github.com/valkey-io/valkey-go"
)

const keyPrefix = "vigil:"

// Storage implements the snapshot store on a Valkey/Redis server. Each
// fingerprint maps to a list of JSON-encoded snapshots, newest first.
// Intended for distributed setups where several hosts share history.
type Storage struct {
	client valkeygo.Client
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewStorage connects to the server at address
func NewStorage(address string, logger arbor.ILogger) (*Storage, error) {
	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{address},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", address, err)
	}
	logger.Debug().Str("address", address).Msg("Valkey snapshot store connected")
	return &Storage{client: client, logger: logger}, nil
}

func storeKey(guid string) string {
	return keyPrefix + guid
}

func (s *Storage) history(ctx context.Context, guid string) ([]models.Snapshot, error) {
	raw, err := s.client.Do(ctx, s.client.B().Lrange().Key(storeKey(guid)).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", guid, err)
	}
	snapshots := make([]models.Snapshot, 0, len(raw))
	for _, item := range raw {
		var snapshot models.Snapshot
		if err := json.Unmarshal([]byte(item), &snapshot); err != nil {
			return nil, fmt.Errorf("corrupt snapshot entry for %s: %w", guid, err)
		}
		snapshots = append(snapshots, snapshot)
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp > snapshots[j].Timestamp
	})
	return snapshots, nil
}

func (s *Storage) writeHistory(ctx context.Context, guid string, snapshots []models.Snapshot) error {
	key := storeKey(guid)
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to reset history for %s: %w", guid, err)
	}
	if len(snapshots) == 0 {
		return nil
	}
	// RPUSH in newest-first order preserves list ordering
	elements := make([]string, 0, len(snapshots))
	for _, snapshot := range snapshots {
		raw, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot for %s: %w", guid, err)
		}
		elements = append(elements, string(raw))
	}
	if err := s.client.Do(ctx, s.client.B().Rpush().Key(key).Element(elements...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to write history for %s: %w", guid, err)
	}
	return nil
}

// Load returns the most recent snapshot with Tries == 0, else newest overall
func (s *Storage) Load(ctx context.Context, guid string) (models.Snapshot, error) {
	snapshots, err := s.history(ctx, guid)
	if err != nil {
		return models.Snapshot{}, err
	}
	for _, snapshot := range snapshots {
		if snapshot.Tries == 0 {
			return snapshot, nil
		}
	}
	if len(snapshots) > 0 {
		return snapshots[0], nil
	}
	return models.Snapshot{}, nil
}

// Save prepends a snapshot to the fingerprint's list, replacing any entry
// with the same timestamp.
func (s *Storage) Save(ctx context.Context, guid string, snapshot models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots, err := s.history(ctx, guid)
	if err != nil {
		return err
	}
	kept := snapshots[:0]
	for _, existing := range snapshots {
		if existing.Timestamp != snapshot.Timestamp {
			kept = append(kept, existing)
		}
	}
	kept = append([]models.Snapshot{snapshot}, kept...)
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp > kept[j].Timestamp
	})
	return s.writeHistory(ctx, guid, kept)
}

// PromoteStaged is a no-op; the server is the shared area
func (s *Storage) PromoteStaged(ctx context.Context) error {
	return nil
}

// GetHistoryData returns most-recent-first entries deduplicated by data
func (s *Storage) GetHistoryData(ctx context.Context, guid string, count int) ([]interfaces.HistoryEntry, error) {
	snapshots, err := s.history(ctx, guid)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var entries []interfaces.HistoryEntry
	for _, snapshot := range snapshots {
		if snapshot.Tries > 0 || seen[snapshot.Data] {
			continue
		}
		seen[snapshot.Data] = true
		entries = append(entries, interfaces.HistoryEntry{Data: snapshot.Data, Timestamp: snapshot.Timestamp})
		if count > 0 && len(entries) >= count {
			break
		}
	}
	return entries, nil
}

// GetHistorySnapshots returns most-recent-first snapshots
func (s *Storage) GetHistorySnapshots(ctx context.Context, guid string, count int) ([]models.Snapshot, error) {
	snapshots, err := s.history(ctx, guid)
	if err != nil {
		return nil, err
	}
	if count > 0 && len(snapshots) > count {
		snapshots = snapshots[:count]
	}
	return snapshots, nil
}

// Delete removes all snapshots for a fingerprint
func (s *Storage) Delete(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.Do(ctx, s.client.B().Del().Key(storeKey(guid)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete history for %s: %w", guid, err)
	}
	return nil
}

// DeleteLatest removes the n newest snapshots for a fingerprint
func (s *Storage) DeleteLatest(ctx context.Context, guid string, n int) (int, error) {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots, err := s.history(ctx, guid)
	if err != nil {
		return 0, err
	}
	if n > len(snapshots) {
		n = len(snapshots)
	}
	if err := s.writeHistory(ctx, guid, snapshots[n:]); err != nil {
		return 0, err
	}
	return n, nil
}

// Clean keeps only the newest retain snapshots
func (s *Storage) Clean(ctx context.Context, guid string, retain int) (int, error) {
	if retain < 0 {
		retain = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots, err := s.history(ctx, guid)
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= retain {
		return 0, nil
	}
	deleted := len(snapshots) - retain
	if err := s.writeHistory(ctx, guid, snapshots[:retain]); err != nil {
		return 0, err
	}
	return deleted, nil
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

// GC drops fingerprints not in the known set and cleans the remainder
func (s *Storage) GC(ctx context.Context, knownGUIDs []string, retain int) ([]string, error) {
	if retain < 1 {
		retain = 1
	}
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
			if _, err := s.Clean(ctx, guid, retain); err != nil {
				return dropped, err
			}
			continue
		}
		if err := s.Delete(ctx, guid); err != nil {
			return dropped, err
		}
		dropped = append(dropped, guid)
	}
	return dropped, nil
}

// Rollback drops every snapshot newer than ts
func (s *Storage) Rollback(ctx context.Context, ts int64) (int, error) {
	guids, err := s.GetGUIDs(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, guid := range guids {
		snapshots, err := s.history(ctx, guid)
		if err != nil {
			return deleted, err
		}
		kept := snapshots[:0]
		for _, snapshot := range snapshots {
			if snapshot.Timestamp > ts {
				deleted++
				continue
			}
			kept = append(kept, snapshot)
		}
		if err := s.writeHistory(ctx, guid, kept); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// Move reattaches all history from oldGUID to newGUID
func (s *Storage) Move(ctx context.Context, oldGUID, newGUID string) (int, error) {
	if oldGUID == newGUID {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	oldHistory, err := s.history(ctx, oldGUID)
	if err != nil {
		return 0, err
	}
	newHistory, err := s.history(ctx, newGUID)
	if err != nil {
		return 0, err
	}
	merged := append(newHistory, oldHistory...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp > merged[j].Timestamp
	})
	if err := s.writeHistory(ctx, newGUID, merged); err != nil {
		return 0, err
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(storeKey(oldGUID)).Build()).Error(); err != nil {
		return 0, fmt.Errorf("failed to delete moved history for %s: %w", oldGUID, err)
	}
	return len(oldHistory), nil
}

// Backup exports every snapshot
func (s *Storage) Backup(ctx context.Context) ([]interfaces.BackupRecord, error) {
	guids, err := s.GetGUIDs(ctx)
	if err != nil {
		return nil, err
	}
	var records []interfaces.BackupRecord
	for _, guid := range guids {
		snapshots, err := s.history(ctx, guid)
		if err != nil {
			return nil, err
		}
		// Oldest first so Restore rebuilds lists in insertion order
		for i := len(snapshots) - 1; i >= 0; i-- {
			records = append(records, interfaces.BackupRecord{GUID: guid, Snapshot: snapshots[i]})
		}
	}
	return records, nil
}

// Restore imports records produced by Backup
func (s *Storage) Restore(ctx context.Context, records []interfaces.BackupRecord) error {
	for _, rec := range records {
		if err := s.Save(ctx, rec.GUID, rec.Snapshot); err != nil {
			return err
		}
	}
	return nil
}

// GetGUIDs returns the fingerprints with stored history
func (s *Storage) GetGUIDs(ctx context.Context) ([]string, error) {
	keys, err := s.client.Do(ctx, s.client.B().Keys().Pattern(keyPrefix+"*").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	guids := make([]string, 0, len(keys))
	for _, key := range keys {
		guids = append(guids, strings.TrimPrefix(key, keyPrefix))
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

// Close closes the client connection
func (s *Storage) Close() error {
	s.client.Close()
	return nil
}

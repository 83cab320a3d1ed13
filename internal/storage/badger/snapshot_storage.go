package badger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// snapshotRecord is the stored row. The key is guid:timestamp, which keeps
// at most one snapshot per fingerprint and timestamp.
type snapshotRecord struct {
	Key       string `badgerhold:"key"`
	GUID      string `badgerhold:"index"`
	Data      string
	Timestamp int64
	Tries     int
	ETag      string
	MIME      string
	Staged    bool
}

func recordKey(guid string, timestamp int64) string {
	return fmt.Sprintf("%s:%020d", guid, timestamp)
}

func (r snapshotRecord) toSnapshot() models.Snapshot {
	return models.Snapshot{
		Data:      r.Data,
		Timestamp: r.Timestamp,
		Tries:     r.Tries,
		ETag:      r.ETag,
		MIME:      r.MIME,
	}
}

// SnapshotStorage implements interfaces.SnapshotStorage on Badger. Writes go
// to a staging flag and become visible to Load only after PromoteStaged, so
// worker goroutines do not contend with readers during a run.
type SnapshotStorage struct {
	db      *BadgerDB
	logger  arbor.ILogger
	writeMu sync.Mutex
}

// NewSnapshotStorage creates the Badger-backed snapshot store
func NewSnapshotStorage(db *BadgerDB, logger arbor.ILogger) *SnapshotStorage {
	return &SnapshotStorage{
		db:     db,
		logger: logger,
	}
}

// promoted returns the promoted records for a fingerprint, newest first
func (s *SnapshotStorage) promoted(guid string) ([]snapshotRecord, error) {
	var records []snapshotRecord
	err := s.db.Store().Find(&records, badgerhold.Where("GUID").Eq(guid).Index("GUID"))
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", guid, err)
	}
	filtered := records[:0]
	for _, r := range records {
		if !r.Staged {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp > filtered[j].Timestamp
	})
	return filtered, nil
}

// Load returns the most recent promoted snapshot with Tries == 0, else the
// most recent overall, else the empty snapshot.
func (s *SnapshotStorage) Load(ctx context.Context, guid string) (models.Snapshot, error) {
	records, err := s.promoted(guid)
	if err != nil {
		return models.Snapshot{}, err
	}
	for _, r := range records {
		if r.Tries == 0 {
			return r.toSnapshot(), nil
		}
	}
	if len(records) > 0 {
		return records[0].toSnapshot(), nil
	}
	return models.Snapshot{}, nil
}

// Save stages a snapshot for the fingerprint
func (s *SnapshotStorage) Save(ctx context.Context, guid string, snapshot models.Snapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record := snapshotRecord{
		Key:       recordKey(guid, snapshot.Timestamp),
		GUID:      guid,
		Data:      snapshot.Data,
		Timestamp: snapshot.Timestamp,
		Tries:     snapshot.Tries,
		ETag:      snapshot.ETag,
		MIME:      snapshot.MIME,
		Staged:    true,
	}
	if err := s.db.Store().Upsert(record.Key, &record); err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", guid, err)
	}
	return nil
}

// PromoteStaged flips all staged records to promoted in one pass
func (s *SnapshotStorage) PromoteStaged(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Store().UpdateMatching(&snapshotRecord{}, badgerhold.Where("Staged").Eq(true), func(record interface{}) error {
		r, ok := record.(*snapshotRecord)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		r.Staged = false
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to promote staged snapshots: %w", err)
	}
	return nil
}

// GetHistoryData returns most-recent-first entries deduplicated by data
func (s *SnapshotStorage) GetHistoryData(ctx context.Context, guid string, count int) ([]interfaces.HistoryEntry, error) {
	records, err := s.promoted(guid)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var entries []interfaces.HistoryEntry
	for _, r := range records {
		if r.Tries > 0 || seen[r.Data] {
			continue
		}
		seen[r.Data] = true
		entries = append(entries, interfaces.HistoryEntry{Data: r.Data, Timestamp: r.Timestamp})
		if count > 0 && len(entries) >= count {
			break
		}
	}
	return entries, nil
}

// GetHistorySnapshots returns most-recent-first snapshots, not deduplicated
func (s *SnapshotStorage) GetHistorySnapshots(ctx context.Context, guid string, count int) ([]models.Snapshot, error) {
	records, err := s.promoted(guid)
	if err != nil {
		return nil, err
	}
	var snapshots []models.Snapshot
	for _, r := range records {
		snapshots = append(snapshots, r.toSnapshot())
		if count > 0 && len(snapshots) >= count {
			break
		}
	}
	return snapshots, nil
}

// Delete removes all snapshots for a fingerprint
func (s *SnapshotStorage) Delete(ctx context.Context, guid string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Store().DeleteMatching(&snapshotRecord{}, badgerhold.Where("GUID").Eq(guid).Index("GUID"))
	if err != nil {
		return fmt.Errorf("failed to delete history for %s: %w", guid, err)
	}
	return nil
}

// DeleteLatest removes the n newest snapshots for a fingerprint
func (s *SnapshotStorage) DeleteLatest(ctx context.Context, guid string, n int) (int, error) {
	if n <= 0 {
		n = 1
	}
	records, err := s.promoted(guid)
	if err != nil {
		return 0, err
	}
	if n > len(records) {
		n = len(records)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted := 0
	for _, r := range records[:n] {
		if err := s.db.Store().Delete(r.Key, &snapshotRecord{}); err != nil {
			return deleted, fmt.Errorf("failed to delete snapshot %s: %w", r.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

// Clean keeps only the newest retain snapshots for a fingerprint
func (s *SnapshotStorage) Clean(ctx context.Context, guid string, retain int) (int, error) {
	if retain < 0 {
		retain = 0
	}
	records, err := s.promoted(guid)
	if err != nil {
		return 0, err
	}
	if len(records) <= retain {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted := 0
	for _, r := range records[retain:] {
		if err := s.db.Store().Delete(r.Key, &snapshotRecord{}); err != nil {
			return deleted, fmt.Errorf("failed to delete snapshot %s: %w", r.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

// CleanCache applies Clean to each fingerprint
func (s *SnapshotStorage) CleanCache(ctx context.Context, guids []string, retain int) (int, error) {
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
func (s *SnapshotStorage) CleanAll(ctx context.Context, retain int) (int, error) {
	guids, err := s.GetGUIDs(ctx)
	if err != nil {
		return 0, err
	}
	return s.CleanCache(ctx, guids, retain)
}

// GC drops fingerprints not in the known set and cleans the remainder
func (s *SnapshotStorage) GC(ctx context.Context, knownGUIDs []string, retain int) ([]string, error) {
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
		s.logger.Info().Str("guid", guid).Msg("Dropped unknown fingerprint during gc")
		dropped = append(dropped, guid)
	}
	return dropped, nil
}

// Rollback drops every snapshot newer than ts in one transaction
func (s *SnapshotStorage) Rollback(ctx context.Context, ts int64) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var doomed []snapshotRecord
	if err := s.db.Store().Find(&doomed, badgerhold.Where("Timestamp").Gt(ts)); err != nil {
		return 0, fmt.Errorf("failed to find snapshots newer than %d: %w", ts, err)
	}
	if err := s.db.Store().DeleteMatching(&snapshotRecord{}, badgerhold.Where("Timestamp").Gt(ts)); err != nil {
		return 0, fmt.Errorf("failed to roll back snapshots newer than %d: %w", ts, err)
	}
	return len(doomed), nil
}

// Move reattaches all history from oldGUID to newGUID, staged records
// included, so a rename during a run loses nothing.
func (s *SnapshotStorage) Move(ctx context.Context, oldGUID, newGUID string) (int, error) {
	if oldGUID == newGUID {
		return 0, nil
	}
	var records []snapshotRecord
	err := s.db.Store().Find(&records, badgerhold.Where("GUID").Eq(oldGUID).Index("GUID"))
	if err != nil {
		return 0, fmt.Errorf("failed to read history for %s: %w", oldGUID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	moved := 0
	for _, r := range records {
		rebuilt := r
		rebuilt.GUID = newGUID
		rebuilt.Key = recordKey(newGUID, r.Timestamp)
		if err := s.db.Store().Upsert(rebuilt.Key, &rebuilt); err != nil {
			return moved, fmt.Errorf("failed to move snapshot to %s: %w", newGUID, err)
		}
		if err := s.db.Store().Delete(r.Key, &snapshotRecord{}); err != nil {
			return moved, fmt.Errorf("failed to remove moved snapshot %s: %w", r.Key, err)
		}
		moved++
	}
	return moved, nil
}

// Backup exports every promoted snapshot, ordered by fingerprint then time
func (s *SnapshotStorage) Backup(ctx context.Context) ([]interfaces.BackupRecord, error) {
	var records []snapshotRecord
	if err := s.db.Store().Find(&records, nil); err != nil {
		return nil, fmt.Errorf("failed to export snapshots: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].GUID != records[j].GUID {
			return records[i].GUID < records[j].GUID
		}
		return records[i].Timestamp < records[j].Timestamp
	})
	var out []interfaces.BackupRecord
	for _, r := range records {
		if r.Staged {
			continue
		}
		out = append(out, interfaces.BackupRecord{GUID: r.GUID, Snapshot: r.toSnapshot()})
	}
	return out, nil
}

// Restore imports records produced by Backup
func (s *SnapshotStorage) Restore(ctx context.Context, records []interfaces.BackupRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, rec := range records {
		row := snapshotRecord{
			Key:       recordKey(rec.GUID, rec.Snapshot.Timestamp),
			GUID:      rec.GUID,
			Data:      rec.Snapshot.Data,
			Timestamp: rec.Snapshot.Timestamp,
			Tries:     rec.Snapshot.Tries,
			ETag:      rec.Snapshot.ETag,
			MIME:      rec.Snapshot.MIME,
		}
		if err := s.db.Store().Upsert(row.Key, &row); err != nil {
			return fmt.Errorf("failed to restore snapshot for %s: %w", rec.GUID, err)
		}
	}
	return nil
}

// GetGUIDs returns the fingerprints with stored history
func (s *SnapshotStorage) GetGUIDs(ctx context.Context) ([]string, error) {
	var records []snapshotRecord
	if err := s.db.Store().Find(&records, nil); err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	seen := map[string]bool{}
	var guids []string
	for _, r := range records {
		if !seen[r.GUID] {
			seen[r.GUID] = true
			guids = append(guids, r.GUID)
		}
	}
	sort.Strings(guids)
	return guids, nil
}

// Flush removes all data from the store
func (s *SnapshotStorage) Flush(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.Store().DeleteMatching(&snapshotRecord{}, nil); err != nil {
		return fmt.Errorf("failed to flush store: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SnapshotStorage) Close() error {
	return s.db.Close()
}

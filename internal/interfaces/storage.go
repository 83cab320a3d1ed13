package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/vigil/internal/models"
)

// ErrNotFound is returned when no snapshot exists for a fingerprint
var ErrNotFound = errors.New("snapshot not found")

// HistoryEntry pairs deduplicated snapshot data with its newest timestamp
type HistoryEntry struct {
	Data      string
	Timestamp int64
}

// BackupRecord is one row of a bit-exact store export
type BackupRecord struct {
	GUID     string
	Snapshot models.Snapshot
}

// SnapshotStorage is the keyed, append-oriented history of snapshots per job
// fingerprint. Reads are safe in parallel; concurrent Save calls on the same
// instance are serialized internally.
type SnapshotStorage interface {
	// Load returns the most recent snapshot with Tries == 0, else the most
	// recent overall, else the empty snapshot.
	Load(ctx context.Context, guid string) (models.Snapshot, error)

	// Save appends a snapshot. The default engine stages writes privately
	// until PromoteStaged is called at end of run.
	Save(ctx context.Context, guid string, snapshot models.Snapshot) error

	// GetHistoryData returns most-recent-first entries deduplicated by data.
	// count <= 0 means all.
	GetHistoryData(ctx context.Context, guid string, count int) ([]HistoryEntry, error)

	// GetHistorySnapshots returns most-recent-first snapshots, not
	// deduplicated. count <= 0 means all.
	GetHistorySnapshots(ctx context.Context, guid string, count int) ([]models.Snapshot, error)

	// Delete removes all snapshots for a fingerprint
	Delete(ctx context.Context, guid string) error

	// DeleteLatest removes the n newest snapshots for a fingerprint and
	// returns how many were removed.
	DeleteLatest(ctx context.Context, guid string, n int) (int, error)

	// Clean keeps only the newest retain snapshots for a fingerprint and
	// returns how many were removed.
	Clean(ctx context.Context, guid string, retain int) (int, error)

	// CleanCache applies Clean to each fingerprint and returns the total
	// number of removed snapshots.
	CleanCache(ctx context.Context, guids []string, retain int) (int, error)

	// CleanAll applies Clean to every known fingerprint
	CleanAll(ctx context.Context, retain int) (int, error)

	// GC drops fingerprints not in the known set and cleans the remainder
	// to retain snapshots each. Returns the dropped fingerprints.
	GC(ctx context.Context, knownGUIDs []string, retain int) ([]string, error)

	// Rollback drops every snapshot newer than ts across all fingerprints
	// and returns how many were removed. Atomic with respect to readers.
	Rollback(ctx context.Context, ts int64) (int, error)

	// Move reattaches all history from oldGUID to newGUID and returns the
	// moved snapshot count.
	Move(ctx context.Context, oldGUID, newGUID string) (int, error)

	// Backup exports every snapshot; Restore(Backup(x)) == x
	Backup(ctx context.Context) ([]BackupRecord, error)

	// Restore imports records produced by Backup
	Restore(ctx context.Context, records []BackupRecord) error

	// GetGUIDs returns the set of fingerprints with stored history
	GetGUIDs(ctx context.Context) ([]string, error)

	// PromoteStaged flushes staged writes into the permanent area. Engines
	// without a staging area implement this as a no-op.
	PromoteStaged(ctx context.Context) error

	// Flush removes all data from the store
	Flush(ctx context.Context) error

	Close() error
}

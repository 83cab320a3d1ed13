package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

func newTestStorage(t *testing.T) *SnapshotStorage {
	t.Helper()
	db, err := NewBadgerDB(common.GetLogger(), filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSnapshotStorage(db, common.GetLogger())
}

func saveAndPromote(t *testing.T, s *SnapshotStorage, guid string, snapshot models.Snapshot) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, guid, snapshot))
	require.NoError(t, s.PromoteStaged(ctx))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	snapshot := models.Snapshot{Data: "hello", Timestamp: 100, ETag: "e1", MIME: "text/plain"}
	saveAndPromote(t, s, "guid-a", snapshot)

	loaded, err := s.Load(ctx, "guid-a")
	require.NoError(t, err)
	assert.Equal(t, snapshot, loaded)
}

func TestStagedWritesInvisibleUntilPromoted(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "guid-a", models.Snapshot{Data: "staged", Timestamp: 100}))

	loaded, err := s.Load(ctx, "guid-a")
	require.NoError(t, err)
	assert.True(t, loaded.IsEmpty(), "staged snapshot must not be visible before promotion")

	require.NoError(t, s.PromoteStaged(ctx))
	loaded, err = s.Load(ctx, "guid-a")
	require.NoError(t, err)
	assert.Equal(t, "staged", loaded.Data)
}

func TestLoadPrefersSuccessfulSnapshot(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "good", Timestamp: 100})
	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "good", Timestamp: 200, Tries: 2})

	loaded, err := s.Load(ctx, "guid-a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), loaded.Timestamp)
	assert.Equal(t, 0, loaded.Tries)
}

func TestGetHistoryDataDedupAndOrder(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v1", Timestamp: 100})
	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v2", Timestamp: 200})
	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v2", Timestamp: 300})
	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "err", Timestamp: 400, Tries: 1})

	entries, err := s.GetHistoryData(ctx, "guid-a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "v2", entries[0].Data)
	assert.Equal(t, int64(300), entries[0].Timestamp)
	assert.Equal(t, "v1", entries[1].Data)

	limited, err := s.GetHistoryData(ctx, "guid-a", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "v2", limited[0].Data)
}

func TestClean(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "d", Timestamp: i * 100})
	}

	removed, err := s.Clean(ctx, "guid-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	snapshots, err := s.GetHistorySnapshots(ctx, "guid-a", 0)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, int64(500), snapshots[0].Timestamp)
	assert.Equal(t, int64(400), snapshots[1].Timestamp)
}

func TestDeleteLatest(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v1", Timestamp: 100})
	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v2", Timestamp: 200})

	deleted, err := s.DeleteLatest(ctx, "guid-a", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	loaded, err := s.Load(ctx, "guid-a")
	require.NoError(t, err)
	assert.Equal(t, "v1", loaded.Data)
}

func TestRollback(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v1", Timestamp: 100})
	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v2", Timestamp: 200})
	saveAndPromote(t, s, "guid-b", models.Snapshot{Data: "w1", Timestamp: 300})

	removed, err := s.Rollback(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	loaded, err := s.Load(ctx, "guid-a")
	require.NoError(t, err)
	assert.Equal(t, "v1", loaded.Data)

	loaded, err = s.Load(ctx, "guid-b")
	require.NoError(t, err)
	assert.True(t, loaded.IsEmpty())
}

func TestMovePreservesUnion(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveAndPromote(t, s, "oldguid", models.Snapshot{Data: "v1", Timestamp: 100})
	saveAndPromote(t, s, "oldguid", models.Snapshot{Data: "v2", Timestamp: 200})
	saveAndPromote(t, s, "newguid", models.Snapshot{Data: "w1", Timestamp: 300})

	moved, err := s.Move(ctx, "oldguid", "newguid")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	oldEntries, err := s.GetHistoryData(ctx, "oldguid", 0)
	require.NoError(t, err)
	assert.Empty(t, oldEntries)

	newEntries, err := s.GetHistoryData(ctx, "newguid", 0)
	require.NoError(t, err)
	assert.Len(t, newEntries, 3)
}

func TestMoveIncludesStagedRecords(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveAndPromote(t, s, "oldguid", models.Snapshot{Data: "v1", Timestamp: 100})
	require.NoError(t, s.Save(ctx, "oldguid", models.Snapshot{Data: "v2", Timestamp: 200}))

	moved, err := s.Move(ctx, "oldguid", "newguid")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	require.NoError(t, s.PromoteStaged(ctx))

	entries, err := s.GetHistoryData(ctx, "newguid", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	old, err := s.GetHistoryData(ctx, "oldguid", 0)
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestGC(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, guid := range []string{"a", "b", "c"} {
		saveAndPromote(t, s, guid, models.Snapshot{Data: "v1", Timestamp: 100})
		saveAndPromote(t, s, guid, models.Snapshot{Data: "v2", Timestamp: 200})
	}

	dropped, err := s.GC(ctx, []string{"a", "b"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, dropped)

	guids, err := s.GetGUIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, guids)

	// Survivors are cleaned to a single snapshot
	snapshots, err := s.GetHistorySnapshots(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, int64(200), snapshots[0].Timestamp)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v1", Timestamp: 100, ETag: "e", MIME: "text/plain"})
	saveAndPromote(t, s, "guid-b", models.Snapshot{Data: "w1", Timestamp: 200, Tries: 1})

	records, err := s.Backup(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	other := newTestStorage(t)
	require.NoError(t, other.Restore(ctx, records))

	restored, err := other.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, records, restored)
}

func TestFlush(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveAndPromote(t, s, "guid-a", models.Snapshot{Data: "v1", Timestamp: 100})
	require.NoError(t, s.Flush(ctx))

	guids, err := s.GetGUIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, guids)
}

func TestConcurrentSaves(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			done <- s.Save(ctx, "guid-a", models.Snapshot{Data: "d", Timestamp: int64(i + 1)})
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}
	require.NoError(t, s.PromoteStaged(ctx))

	snapshots, err := s.GetHistorySnapshots(ctx, "guid-a", 0)
	require.NoError(t, err)
	assert.Len(t, snapshots, 10)
}

var _ interfaces.SnapshotStorage = (*SnapshotStorage)(nil)

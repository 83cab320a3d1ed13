package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/differs"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/storage/badger"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *badger.SnapshotStorage) {
	t.Helper()
	logger := common.GetLogger()

	db, err := badger.NewBadgerDB(logger, filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := badger.NewSnapshotStorage(db, logger)

	diffService, err := differs.NewService("", logger)
	require.NoError(t, err)

	config := common.DefaultConfig()
	config.Workers.Count = 2
	return New(config, store, diffService, logger), store
}

func runOne(t *testing.T, o *Orchestrator, job *models.Job) *models.JobState {
	t.Helper()
	states, err := o.Run(context.Background(), []*models.Job{job})
	require.NoError(t, err)
	require.Len(t, states, 1)
	return states[0]
}

func TestRun_NewJob(t *testing.T) {
	o, store := newTestOrchestrator(t)
	job := &models.Job{Name: "greeter", Command: "echo hello"}

	state := runOne(t, o, job)
	assert.Equal(t, models.VerbNew, state.Verb)
	assert.Equal(t, "hello\n", state.NewData)
	assert.Equal(t, 0, state.Tries)
	assert.False(t, state.NoReport)

	// The run promotes its staged writes, so the snapshot is visible
	saved, err := store.Load(context.Background(), job.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", saved.Data)
}

func TestRun_UnchangedSecondRun(t *testing.T) {
	o, store := newTestOrchestrator(t)
	job := &models.Job{Command: "echo hello"}

	first := runOne(t, o, job)
	require.Equal(t, models.VerbNew, first.Verb)

	second := runOne(t, o, job)
	assert.Equal(t, models.VerbUnchanged, second.Verb)

	history, err := store.GetHistoryData(context.Background(), job.Fingerprint(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "identical content collapses to one history entry")
}

func TestRun_ChangedProducesUnifiedDiff(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	file := filepath.Join(t.TempDir(), "watched")
	require.NoError(t, os.WriteFile(file, []byte("old line\n"), 0o600))
	job := &models.Job{Command: "cat " + file}

	first := runOne(t, o, job)
	require.Equal(t, models.VerbNew, first.Verb)

	require.NoError(t, os.WriteFile(file, []byte("new line\n"), 0o600))
	second := runOne(t, o, job)
	require.Equal(t, models.VerbChanged, second.Verb)

	diff, ok := second.CachedDiff(differs.KindText)
	require.True(t, ok)
	assert.Contains(t, diff, "@@ -1 +1 @@")
	assert.Contains(t, diff, "-old line")
	assert.Contains(t, diff, "+new line")
}

func TestRun_AdditionsOnlyDeletionSuppressed(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	file := filepath.Join(t.TempDir(), "watched")
	require.NoError(t, os.WriteFile(file, []byte("a\nb\nc\nd\ne\nf\ng\nh\n"), 0o600))
	job := &models.Job{Command: "cat " + file, AdditionsOnly: true}

	first := runOne(t, o, job)
	require.Equal(t, models.VerbNew, first.Verb)

	require.NoError(t, os.WriteFile(file, []byte("a\nb\nc\nd\ne\nf\ng\n"), 0o600))
	second := runOne(t, o, job)
	assert.Equal(t, models.VerbChangedNoReport, second.Verb)
}

func TestRun_NotModifiedRefreshesSnapshot(t *testing.T) {
	o, store := newTestOrchestrator(t)

	notModified := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if notModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("content"))
	}))
	defer server.Close()

	job := &models.Job{URL: server.URL}

	o.now = func() int64 { return 1000 }
	first := runOne(t, o, job)
	require.Equal(t, models.VerbNew, first.Verb)

	notModified = true
	o.now = func() int64 { return 2000 }
	second := runOne(t, o, job)
	assert.Equal(t, models.VerbUnchanged, second.Verb)
	assert.Equal(t, 0, second.Tries)
	assert.Equal(t, "content", second.NewData)

	saved, err := store.Load(context.Background(), job.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, int64(2000), saved.Timestamp, "not-modified refreshes the snapshot timestamp")
	assert.Equal(t, "content", saved.Data)
}

func TestRun_RetryCapSuppressesEarlyFailures(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	job := &models.Job{Command: "false", MaxTries: 2}

	first := runOne(t, o, job)
	assert.Equal(t, models.VerbError, first.Verb)
	assert.Equal(t, 1, first.Tries)
	assert.True(t, first.NoReport, "first failure stays under the retry cap")

	second := runOne(t, o, job)
	assert.Equal(t, models.VerbError, second.Verb)
	assert.Equal(t, 2, second.Tries)
	assert.False(t, second.NoReport, "cap reached, the error is reported")
}

func TestRun_RetryCountSurvivesPriorSuccess(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	file := filepath.Join(t.TempDir(), "watched")
	require.NoError(t, os.WriteFile(file, []byte("ok\n"), 0o600))
	job := &models.Job{Command: "cat " + file, MaxTries: 2}

	o.now = func() int64 { return 1000 }
	first := runOne(t, o, job)
	require.Equal(t, models.VerbNew, first.Verb)

	require.NoError(t, os.Remove(file))

	o.now = func() int64 { return 2000 }
	second := runOne(t, o, job)
	assert.Equal(t, models.VerbError, second.Verb)
	assert.Equal(t, 1, second.Tries)
	assert.True(t, second.NoReport)

	// The comparison baseline is still the last success, but the retry
	// counter must advance from the error record written after it
	o.now = func() int64 { return 3000 }
	third := runOne(t, o, job)
	assert.Equal(t, models.VerbError, third.Verb)
	assert.Equal(t, 2, third.Tries)
	assert.False(t, third.NoReport)
}

type failingSaveStore struct {
	interfaces.SnapshotStorage
}

func (f *failingSaveStore) Save(ctx context.Context, guid string, snapshot models.Snapshot) error {
	return errors.New("disk full")
}

func TestRun_SaveFailureFailsRun(t *testing.T) {
	logger := common.GetLogger()
	db, err := badger.NewBadgerDB(logger, filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := &failingSaveStore{SnapshotStorage: badger.NewSnapshotStorage(db, logger)}

	diffService, err := differs.NewService("", logger)
	require.NoError(t, err)
	config := common.DefaultConfig()
	config.Workers.Count = 1

	o := New(config, store, diffService, logger)
	states, err := o.Run(context.Background(), []*models.Job{{Command: "echo hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save snapshot")
	require.Len(t, states, 1)
	assert.Equal(t, models.VerbError, states[0].Verb)
}

type failingHistoryStore struct {
	interfaces.SnapshotStorage
}

func (f *failingHistoryStore) GetHistoryData(ctx context.Context, guid string, count int) ([]interfaces.HistoryEntry, error) {
	return nil, errors.New("index corrupt")
}

func TestRun_HistoryReadFailureDegradesToLatest(t *testing.T) {
	logger := common.GetLogger()
	db, err := badger.NewBadgerDB(logger, filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	inner := badger.NewSnapshotStorage(db, logger)

	diffService, err := differs.NewService("", logger)
	require.NoError(t, err)
	config := common.DefaultConfig()
	config.Workers.Count = 1

	file := filepath.Join(t.TempDir(), "watched")
	require.NoError(t, os.WriteFile(file, []byte("version one\n"), 0o600))
	job := &models.Job{Command: "cat " + file, ComparedVersions: 3}

	seed := New(config, inner, diffService, logger)
	first, runErr := seed.Run(context.Background(), []*models.Job{job})
	require.NoError(t, runErr)
	require.Equal(t, models.VerbNew, first[0].Verb)

	// History matching degrades to the latest snapshot when the index fails
	require.NoError(t, os.WriteFile(file, []byte("version two\n"), 0o600))
	o := New(config, &failingHistoryStore{SnapshotStorage: inner}, diffService, logger)
	states, runErr := o.Run(context.Background(), []*models.Job{job})
	require.NoError(t, runErr)
	assert.Equal(t, models.VerbChanged, states[0].Verb)
}

func TestRun_TransientErrorKeepsTries(t *testing.T) {
	o, store := newTestOrchestrator(t)

	throttle := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if throttle {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("content"))
	}))
	defer server.Close()

	job := &models.Job{URL: server.URL}
	first := runOne(t, o, job)
	require.Equal(t, models.VerbNew, first.Verb)

	throttle = true
	second := runOne(t, o, job)
	assert.Equal(t, models.VerbError, second.Verb)
	assert.Equal(t, 0, second.Tries)
	assert.False(t, second.NoReport)

	// Nothing new is persisted for a transient failure
	history, err := store.GetHistoryData(context.Background(), job.Fingerprint(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRun_IgnoredErrorIsSilentlyUnchanged(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	job := &models.Job{URL: "http://127.0.0.1:1", IgnoreConnectionError: true}

	state := runOne(t, o, job)
	assert.Equal(t, models.VerbUnchanged, state.Verb)
	assert.True(t, state.NoReport)
}

func TestRun_ComparedVersionsMatchesOlderSnapshot(t *testing.T) {
	o, store := newTestOrchestrator(t)

	file := filepath.Join(t.TempDir(), "watched")
	job := &models.Job{Command: "cat " + file, ComparedVersions: 3}

	o.now = func() int64 { return 1000 }
	require.NoError(t, os.WriteFile(file, []byte("version one\n"), 0o600))
	first := runOne(t, o, job)
	require.Equal(t, models.VerbNew, first.Verb)

	o.now = func() int64 { return 2000 }
	require.NoError(t, os.WriteFile(file, []byte("version two\n"), 0o600))
	second := runOne(t, o, job)
	require.Equal(t, models.VerbChanged, second.Verb)

	// Flipping back to a recent version counts as unchanged
	o.now = func() int64 { return 3000 }
	require.NoError(t, os.WriteFile(file, []byte("version one\n"), 0o600))
	third := runOne(t, o, job)
	assert.Equal(t, models.VerbUnchanged, third.Verb)
	assert.Equal(t, int64(1000), third.MatchedTimestamp)

	// The save aligns to the matched timestamp, so no third record appears
	snapshots, err := store.GetHistorySnapshots(context.Background(), job.Fingerprint(), 0)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, int64(2000), snapshots[0].Timestamp)
	assert.Equal(t, int64(1000), snapshots[1].Timestamp)
}

func TestRun_InvalidFilterSpecErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	job := &models.Job{
		Command: "echo hi",
		Filters: []models.FilterSpec{{Name: "frobnicate"}},
	}

	state := runOne(t, o, job)
	assert.Equal(t, models.VerbError, state.Verb)
	require.Error(t, state.Err)
	assert.Contains(t, state.Err.Error(), "unknown filter kind")
}

func TestRun_InvalidDifferSpecErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	job := &models.Job{
		Command: "echo hi",
		Differ:  models.DifferSpec{Name: "nope"},
	}

	state := runOne(t, o, job)
	assert.Equal(t, models.VerbError, state.Verb)
	require.Error(t, state.Err)
	assert.Contains(t, state.Err.Error(), "unknown differ kind")
}

func TestRun_FilterPipelineAppliesBeforeComparison(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	job := &models.Job{
		Command: "printf 'keep\\ndrop\\n'",
		Filters: []models.FilterSpec{
			{Name: "keep_lines_containing", Args: map[string]interface{}{"text": "keep"}},
		},
	}

	state := runOne(t, o, job)
	assert.Equal(t, models.VerbNew, state.Verb)
	assert.Equal(t, "keep", state.NewData)
}

func TestRun_ManyJobsAllProcessed(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	jobs := make([]*models.Job, 8)
	for i := range jobs {
		jobs[i] = &models.Job{Command: "echo job " + string(rune('a'+i))}
	}

	states, err := o.Run(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, states, 8)
	for i, state := range states {
		assert.Equal(t, models.VerbNew, state.Verb, "job %d", i)
		assert.NotEmpty(t, state.NewData)
	}
}

func TestClosestMatch(t *testing.T) {
	_, ok := closestMatch("data", nil)
	assert.False(t, ok)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/differs"
	"github.com/ternarybob/vigil/internal/filters"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/retrievers"
)

// Orchestrator runs the job list once: load, retrieve, filter, classify,
// diff, save. Workers run in parallel from a bounded pool; browser jobs are
// additionally serialized through the shared driver.
type Orchestrator struct {
	config  *common.Config
	storage interfaces.SnapshotStorage
	diffs   *differs.Service
	logger  arbor.ILogger

	urlRetriever   interfaces.Retriever
	shellRetriever interfaces.Retriever
	browserDriver  interfaces.BrowserDriver

	// browserMu serializes browser retrievals; the shared browser is
	// stateful and expensive, so one page renders at a time.
	browserMu sync.Mutex

	now func() int64
}

// New creates an orchestrator wired to the given store and diff service
func New(config *common.Config, storage interfaces.SnapshotStorage, diffService *differs.Service, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		config:         config,
		storage:        storage,
		diffs:          diffService,
		logger:         logger,
		urlRetriever:   retrievers.NewURLRetriever(logger),
		shellRetriever: retrievers.NewShellRetriever(logger),
		browserDriver:  retrievers.NewChromeDriver(config.Browser, logger),
		now:            func() int64 { return time.Now().Unix() },
	}
}

// SetBrowserDriver replaces the shared browser driver, used by tests
func (o *Orchestrator) SetBrowserDriver(driver interfaces.BrowserDriver) {
	o.browserDriver = driver
}

// Run processes every job once and returns their final states in input
// order. Individual job failures are captured in the state, not returned;
// only store-level failures abort the run.
func (o *Orchestrator) Run(ctx context.Context, jobs []*models.Job) ([]*models.JobState, error) {
	states := make([]*models.JobState, len(jobs))

	browserJobs := 0
	for _, job := range jobs {
		if job.Kind() == models.JobKindBrowser {
			browserJobs++
		}
	}
	if browserJobs > 0 {
		if err := o.browserDriver.Acquire(); err != nil {
			o.logger.Warn().Err(err).Msg("Browser driver unavailable; browser jobs will error")
		} else {
			defer o.browserDriver.Release()
		}
	}

	workers := o.config.Workers.Count
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) && len(jobs) > 0 {
		workers = len(jobs)
	}

	type task struct {
		index int
		job   *models.Job
	}
	queue := make(chan task)
	var wg sync.WaitGroup

	// A store write failure is fatal for the whole run; the first one wins
	var runErrMu sync.Mutex
	var runErr error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				state, err := o.processJob(ctx, t.job)
				states[t.index] = state
				if err != nil {
					runErrMu.Lock()
					if runErr == nil {
						runErr = err
					}
					runErrMu.Unlock()
				}
			}
		}()
	}

	for i, job := range jobs {
		select {
		case <-ctx.Done():
		case queue <- task{index: i, job: job}:
			continue
		}
		break
	}
	close(queue)
	wg.Wait()

	// Cancelled before dispatch leaves nil slots; mark them errored
	for i, state := range states {
		if state == nil {
			state = models.NewJobState(jobs[i], models.Snapshot{})
			state.Verb = models.VerbError
			state.Err = ctx.Err()
			states[i] = state
		}
	}

	if err := o.storage.PromoteStaged(ctx); err != nil {
		return states, fmt.Errorf("failed to promote staged snapshots: %w", err)
	}
	return states, runErr
}

// processJob runs the per-job pipeline and never panics the worker. The
// returned error is reserved for store write failures, which are fatal for
// the run; every other failure is captured in the state.
func (o *Orchestrator) processJob(ctx context.Context, job *models.Job) (state *models.JobState, err error) {
	defer func() {
		if r := recover(); r != nil {
			if state == nil {
				state = models.NewJobState(job, models.Snapshot{})
			}
			state.Verb = models.VerbError
			state.Err = fmt.Errorf("job panicked: %v", r)
			state.Traceback = string(debug.Stack())
			err = nil
		}
	}()

	guid := job.Fingerprint()
	old, err := o.storage.Load(ctx, guid)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		state = models.NewJobState(job, models.Snapshot{})
		state.Verb = models.VerbError
		state.Err = fmt.Errorf("failed to load snapshot: %w", err)
		return state, nil
	}
	state = models.NewJobState(job, old)
	state.NewTimestamp = o.now()

	// Load prefers the last success as the comparison baseline, but the
	// retry counter lives on the most recent snapshot overall, which may
	// be an error record written after that success.
	if latest, err := o.storage.GetHistorySnapshots(ctx, guid, 1); err == nil && len(latest) > 0 {
		state.OldSnapshot.Tries = latest[0].Tries
		state.Tries = latest[0].Tries
	} else if err != nil {
		o.logger.Warn().Str("job", job.PrettyName()).Err(err).Msg("Failed to read latest snapshot for retry count")
	}

	chain, err := filters.NewChain(job, o.logger)
	if err != nil {
		state.Verb = models.VerbError
		state.Err = err
		return state, nil
	}
	if err := differs.ValidateSpec(job); err != nil {
		state.Verb = models.VerbError
		state.Err = err
		return state, nil
	}

	result, err := o.retrieve(ctx, state, chain.RequiresBytes())
	if err != nil {
		return state, o.handleRetrievalError(ctx, state, err)
	}

	canonical, mime, err := chain.Apply(ctx, result.Data, result.MIME)
	if err != nil {
		// A filter failure is handled like a fatal retrieval
		return state, o.handleRetrievalError(ctx, state, &retrievers.RetrievalError{Kind: retrievers.KindFatal, Err: err})
	}

	state.NewData = canonical
	state.NewETag = result.ETag
	state.NewMIME = mime
	state.Tries = 0

	return state, o.classify(ctx, state)
}

func (o *Orchestrator) retrieve(ctx context.Context, state *models.JobState, wantBytes bool) (interfaces.RetrievalResult, error) {
	switch state.Job.Kind() {
	case models.JobKindShell:
		return o.shellRetriever.Retrieve(ctx, state, wantBytes)
	case models.JobKindBrowser:
		o.browserMu.Lock()
		defer o.browserMu.Unlock()
		browser := retrievers.NewBrowserRetriever(o.browserDriver, o.logger)
		return browser.Retrieve(ctx, state, wantBytes)
	default:
		return o.urlRetriever.Retrieve(ctx, state, wantBytes)
	}
}

// handleRetrievalError applies the error-kind contract: not-modified resets
// counters and refreshes the timestamp, ignored leaves everything untouched,
// transient reports without advancing tries, fatal advances tries and
// reports only once the retry cap is reached.
func (o *Orchestrator) handleRetrievalError(ctx context.Context, state *models.JobState, err error) error {
	job := state.Job
	guid := job.Fingerprint()

	switch retrievers.Classify(err) {
	case retrievers.KindNotModified:
		state.Verb = models.VerbUnchanged
		state.Tries = 0
		state.NewData = state.OldSnapshot.Data
		state.NewETag = state.OldSnapshot.ETag
		state.NewMIME = state.OldSnapshot.MIME
		return o.save(ctx, guid, state)

	case retrievers.KindIgnored:
		state.Verb = models.VerbUnchanged
		state.NoReport = true
		o.logger.Debug().Str("job", job.PrettyName()).Err(err).Msg("Retrieval error ignored by job policy")
		return nil

	case retrievers.KindTransient:
		state.Verb = models.VerbError
		state.Err = err
		state.NewData = state.OldSnapshot.Data
		o.logger.Warn().Str("job", job.PrettyName()).Err(err).Msg("Transient retrieval error")
		return nil

	default: // fatal
		state.Tries = state.OldSnapshot.Tries + 1
		state.Verb = models.VerbError
		state.Err = err
		state.NewData = state.OldSnapshot.Data
		state.NewETag = state.OldSnapshot.ETag
		state.NewMIME = state.OldSnapshot.MIME
		if state.Tries < job.EffectiveMaxTries() {
			state.NoReport = true
		}
		o.logger.Warn().
			Str("job", job.PrettyName()).
			Int("tries", state.Tries).
			Err(err).
			Msg("Retrieval failed")
		return o.save(ctx, guid, state)
	}
}

// classify compares the canonical artifact against history and assigns the
// verb, generating the diff for changed jobs to honor no-report outcomes.
func (o *Orchestrator) classify(ctx context.Context, state *models.JobState) error {
	job := state.Job
	guid := job.Fingerprint()

	if state.OldSnapshot.IsEmpty() {
		if job.TreatNewAsChanged {
			state.Verb = models.VerbChanged
		} else {
			state.Verb = models.VerbNew
		}
		return o.save(ctx, guid, state)
	}

	if state.NewData == state.OldSnapshot.Data {
		state.Verb = models.VerbUnchanged
		return o.save(ctx, guid, state)
	}

	// With compared_versions > 1 a match against any recent distinct
	// snapshot still counts as unchanged; the timestamp aligns to it.
	versions := job.EffectiveComparedVersions()
	if versions > 1 {
		history, err := o.storage.GetHistoryData(ctx, guid, versions)
		if err != nil {
			o.logger.Warn().Str("job", job.PrettyName()).Err(err).Msg("Failed to read history; comparing against latest snapshot only")
		} else {
			for _, entry := range history {
				if state.NewData == entry.Data {
					state.Verb = models.VerbUnchanged
					state.MatchedTimestamp = entry.Timestamp
					return o.save(ctx, guid, state)
				}
			}
			// Pick the closest historical version as the diff's from side
			if closest, ok := closestMatch(state.NewData, history); ok {
				state.OldSnapshot.Data = closest.Data
				state.OldSnapshot.Timestamp = closest.Timestamp
			}
		}
	}

	state.Verb = models.VerbChanged
	if _, err := o.diffs.Diff(ctx, state, differs.KindText); err != nil {
		if errors.Is(err, differs.ErrNoReport) {
			state.Verb = models.VerbChangedNoReport
		} else {
			state.Verb = models.VerbError
			state.Err = fmt.Errorf("differ failed: %w", err)
		}
	}
	return o.save(ctx, guid, state)
}

// save persists the run's snapshot. A write failure is marked on the state
// and returned; the caller escalates it to a run-level failure.
func (o *Orchestrator) save(ctx context.Context, guid string, state *models.JobState) error {
	snapshot := state.NewSnapshot()
	if state.MatchedTimestamp > 0 {
		snapshot.Timestamp = state.MatchedTimestamp
	}
	if err := o.storage.Save(ctx, guid, snapshot); err != nil {
		wrapped := fmt.Errorf("failed to save snapshot: %w", err)
		state.Verb = models.VerbError
		state.Err = wrapped
		return wrapped
	}
	return nil
}

// closestMatch finds the history entry most similar to the new artifact,
// measured by Levenshtein distance over a character diff.
func closestMatch(data string, history []interfaces.HistoryEntry) (interfaces.HistoryEntry, bool) {
	dmp := diffmatchpatch.New()
	best := -1.0
	var bestEntry interfaces.HistoryEntry
	for _, entry := range history {
		longest := len(entry.Data)
		if len(data) > longest {
			longest = len(data)
		}
		if longest == 0 {
			continue
		}
		diffs := dmp.DiffMain(entry.Data, data, false)
		similarity := 1 - float64(dmp.DiffLevenshtein(diffs))/float64(longest)
		if similarity > best {
			best = similarity
			bestEntry = entry
		}
	}
	return bestEntry, best >= 0
}

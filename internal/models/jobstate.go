package models

// Verb classifies the outcome of one job run
type Verb string

const (
	VerbNew             Verb = "new"
	VerbUnchanged       Verb = "unchanged"
	VerbChanged         Verb = "changed"
	VerbChangedNoReport Verb = "changed,no_report"
	VerbError           Verb = "error"
)

// Reportable reports whether the verb produces a report record
func (v Verb) Reportable() bool {
	switch v {
	case VerbNew, VerbChanged, VerbError:
		return true
	}
	return false
}

// JobState is the transient per-run record for one job. It borrows the prior
// snapshot from the store and owns the new retrieval outputs.
type JobState struct {
	Job *Job

	// Old side, loaded from the snapshot store
	OldSnapshot Snapshot

	// New side, produced by this run
	NewData      string
	NewTimestamp int64
	NewETag      string
	NewMIME      string
	Tries        int

	// MatchedTimestamp is set when compared_versions matched an older
	// snapshot; the saved timestamp aligns to it.
	MatchedTimestamp int64

	Verb      Verb
	Err       error
	Traceback string

	// NoReport suppresses the report record even for a reportable verb,
	// used while an errored job is still under its retry cap.
	NoReport bool

	// Generated diffs memoized by report kind (text, markdown, html)
	diffs map[string]string
}

// NewJobState creates a run state for a job with its prior snapshot
func NewJobState(job *Job, old Snapshot) *JobState {
	return &JobState{
		Job:         job,
		OldSnapshot: old,
		Tries:       old.Tries,
	}
}

// CachedDiff returns a previously generated diff for the report kind
func (s *JobState) CachedDiff(kind string) (string, bool) {
	diff, ok := s.diffs[kind]
	return diff, ok
}

// CacheDiff stores a generated diff under its report kind
func (s *JobState) CacheDiff(kind, diff string) {
	if s.diffs == nil {
		s.diffs = make(map[string]string)
	}
	s.diffs[kind] = diff
}

// NewSnapshot assembles the snapshot this run would persist
func (s *JobState) NewSnapshot() Snapshot {
	return Snapshot{
		Data:      s.NewData,
		Timestamp: s.NewTimestamp,
		Tries:     s.Tries,
		ETag:      s.NewETag,
		MIME:      s.NewMIME,
	}
}

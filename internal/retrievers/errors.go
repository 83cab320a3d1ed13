package retrievers

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a retrieval failure. The orchestrator's handling of
// tries, reporting and data reuse follows from the kind alone.
type ErrorKind int

const (
	// KindFatal advances tries; at max_tries the job reports an error
	KindFatal ErrorKind = iota
	// KindNotModified means the source reported no change (HTTP 304); the
	// prior snapshot is reused and counters reset.
	KindNotModified
	// KindTransient (HTTP 429, browser connection closed) reuses prior
	// data and reports without advancing tries.
	KindTransient
	// KindIgnored matched a per-job ignore predicate; no report, counters
	// untouched.
	KindIgnored
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotModified:
		return "not-modified"
	case KindTransient:
		return "transient"
	case KindIgnored:
		return "ignored"
	default:
		return "fatal"
	}
}

// RetrievalError wraps a retrieval failure with its classification
type RetrievalError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *RetrievalError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// NotModified builds the 304-equivalent error
func NotModified() *RetrievalError {
	return &RetrievalError{Kind: KindNotModified, StatusCode: 304, Err: errors.New("not modified")}
}

// Classify returns the error's kind, treating unclassified errors as fatal
func Classify(err error) ErrorKind {
	var re *RetrievalError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindFatal
}

// ShellError carries a non-zero exit of a shell job
type ShellError struct {
	ExitCode int
	Stderr   string
}

func (e *ShellError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

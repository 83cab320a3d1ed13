package interfaces

import (
	"context"

	"github.com/ternarybob/vigil/internal/models"
)

// RetrievalResult is the triple a retriever produces on success
type RetrievalResult struct {
	Data string
	ETag string
	MIME string
}

// Retriever acquires the raw artifact for one job variant. WantBytes tells
// the retriever that the job's filter chain consumes raw bytes, so no text
// decoding should be applied.
type Retriever interface {
	Retrieve(ctx context.Context, state *models.JobState, wantBytes bool) (RetrievalResult, error)
}

// BrowserDriver is the shared headless-browser collaborator. It is
// reference-counted: the first user creates the browser process, the last
// user tears it down.
type BrowserDriver interface {
	Acquire() error
	Release()
	Render(ctx context.Context, request BrowserRequest) (string, error)
}

// BrowserRequest is the structured request a browser job hands the driver
type BrowserRequest struct {
	URL               string
	Headers           map[string]string
	Cookies           map[string]string
	BlockElements     []string
	UserDataDir       string
	Switches          []string
	InitScript        string
	WaitFor           string
	WaitUntil         string
	TimeoutSeconds    float64
	IgnoreHTTPSErrors bool
}

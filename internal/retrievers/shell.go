package retrievers

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// ShellRetriever runs shell jobs in a subshell and captures stdout as the
// raw artifact.
type ShellRetriever struct {
	logger arbor.ILogger
}

// NewShellRetriever creates the shell retriever
func NewShellRetriever(logger arbor.ILogger) *ShellRetriever {
	return &ShellRetriever{logger: logger}
}

// Retrieve spawns the job's command. The child environment is a copy of the
// parent's plus the two job variables; the parent is never mutated.
func (r *ShellRetriever) Retrieve(ctx context.Context, state *models.JobState, wantBytes bool) (interfaces.RetrievalResult, error) {
	job := state.Job

	cmd := exec.CommandContext(ctx, "sh", "-c", job.Command)
	cmd.Env = append(os.Environ(),
		"URLWATCH_JOB_NAME="+job.PrettyName(),
		"URLWATCH_JOB_LOCATION="+job.Location(),
	)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return interfaces.RetrievalResult{}, &RetrievalError{
				Kind: KindFatal,
				Err: &ShellError{
					ExitCode: exitErr.ExitCode(),
					Stderr:   strings.TrimSpace(stderr.String()),
				},
			}
		}
		return interfaces.RetrievalResult{}, &RetrievalError{Kind: KindFatal, Err: err}
	}

	data := stdout.String()
	if !wantBytes && !utf8.ValidString(data) {
		// Text chains expect UTF-8; replace invalid sequences rather than
		// failing the run.
		data = strings.ToValidUTF8(data, string(utf8.RuneError))
	}

	return interfaces.RetrievalResult{Data: data}, nil
}

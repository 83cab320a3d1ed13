package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/differs"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Record is the per-job output contract toward external reporters: one
// record per reportable job state, with the diff rendered in every kind.
type Record struct {
	ID           string
	JobName      string
	Location     string
	GUID         string
	Verb         models.Verb
	Error        string
	Tries        int
	OldTimestamp int64
	NewTimestamp int64
	Diffs        map[string]string
}

// Service turns job states into report records
type Service struct {
	diffs    *differs.Service
	markdown goldmark.Markdown
	logger   arbor.ILogger
}

// NewService creates the report service
func NewService(diffService *differs.Service, logger arbor.ILogger) *Service {
	return &Service{
		diffs:    diffService,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   logger,
	}
}

// Build emits one record per reportable state, in input order
func (s *Service) Build(ctx context.Context, states []*models.JobState) []Record {
	var records []Record
	for _, state := range states {
		if state == nil || !state.Verb.Reportable() || state.NoReport {
			continue
		}
		record, err := s.buildRecord(ctx, state)
		if err != nil {
			s.logger.Warn().Str("job", state.Job.PrettyName()).Err(err).Msg("Failed to build report record")
			continue
		}
		records = append(records, record)
	}
	return records
}

func (s *Service) buildRecord(ctx context.Context, state *models.JobState) (Record, error) {
	job := state.Job
	location := job.Location()
	if job.UserVisibleURL != "" {
		location = job.UserVisibleURL
	}

	record := Record{
		ID:           uuid.New().String(),
		JobName:      job.PrettyName(),
		Location:     location,
		GUID:         job.Fingerprint(),
		Verb:         state.Verb,
		Tries:        state.Tries,
		OldTimestamp: state.OldSnapshot.Timestamp,
		NewTimestamp: state.NewTimestamp,
		Diffs:        map[string]string{},
	}

	switch state.Verb {
	case models.VerbError:
		message := "unknown error"
		if state.Err != nil {
			message = state.Err.Error()
		}
		record.Error = message
		record.Diffs[differs.KindText] = message
		record.Diffs[differs.KindMarkdown] = message
		record.Diffs[differs.KindHTML] = "<pre>" + html.EscapeString(message) + "</pre>"

	case models.VerbNew:
		record.Diffs[differs.KindText] = state.NewData
		record.Diffs[differs.KindMarkdown] = state.NewData
		rendered, err := s.renderContentHTML(state)
		if err != nil {
			return Record{}, err
		}
		record.Diffs[differs.KindHTML] = rendered

	default: // changed
		for _, kind := range []string{differs.KindText, differs.KindMarkdown, differs.KindHTML} {
			diff, err := s.diffs.Diff(ctx, state, kind)
			if err != nil {
				if errors.Is(err, differs.ErrNoReport) {
					continue
				}
				return Record{}, fmt.Errorf("failed to render %s diff: %w", kind, err)
			}
			record.Diffs[kind] = diff
		}
	}

	return record, nil
}

// renderContentHTML renders a new snapshot's content for the html report
// kind: markdown artifacts go through goldmark, everything else is escaped.
func (s *Service) renderContentHTML(state *models.JobState) (string, error) {
	if state.NewMIME == "text/markdown" {
		var buf bytes.Buffer
		if err := s.markdown.Convert([]byte(state.NewData), &buf); err != nil {
			return "", fmt.Errorf("failed to render markdown: %w", err)
		}
		return buf.String(), nil
	}
	return "<pre>" + html.EscapeString(state.NewData) + "</pre>", nil
}

// MarkdownToHTML converts a markdown-kind diff to an HTML fragment, used by
// reporters that only consume markdown but publish HTML.
func (s *Service) MarkdownToHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

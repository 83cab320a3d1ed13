package reports

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/differs"
	"github.com/ternarybob/vigil/internal/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	diffService, err := differs.NewService("", common.GetLogger())
	require.NoError(t, err)
	return NewService(diffService, common.GetLogger())
}

func TestBuild_SkipsUnreportableStates(t *testing.T) {
	s := newTestService(t)
	job := &models.Job{Command: "date"}

	unchanged := models.NewJobState(job, models.Snapshot{Data: "x"})
	unchanged.Verb = models.VerbUnchanged

	suppressed := models.NewJobState(job, models.Snapshot{})
	suppressed.Verb = models.VerbError
	suppressed.Err = errors.New("still retrying")
	suppressed.NoReport = true

	records := s.Build(context.Background(), []*models.JobState{unchanged, suppressed, nil})
	assert.Empty(t, records)
}

func TestBuild_NewJobRendersContent(t *testing.T) {
	s := newTestService(t)
	job := &models.Job{Name: "fresh", URL: "https://example.com"}

	state := models.NewJobState(job, models.Snapshot{})
	state.Verb = models.VerbNew
	state.NewData = "first <content>"
	state.NewTimestamp = 1700000000

	records := s.Build(context.Background(), []*models.JobState{state})
	require.Len(t, records, 1)

	record := records[0]
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "fresh", record.JobName)
	assert.Equal(t, job.Fingerprint(), record.GUID)
	assert.Equal(t, models.VerbNew, record.Verb)
	assert.Equal(t, "first <content>", record.Diffs[differs.KindText])
	assert.Contains(t, record.Diffs[differs.KindHTML], "&lt;content&gt;")
}

func TestBuild_NewMarkdownGoesThroughGoldmark(t *testing.T) {
	s := newTestService(t)
	job := &models.Job{URL: "https://example.com"}

	state := models.NewJobState(job, models.Snapshot{})
	state.Verb = models.VerbNew
	state.NewData = "# Heading"
	state.NewMIME = "text/markdown"

	records := s.Build(context.Background(), []*models.JobState{state})
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Diffs[differs.KindHTML], "<h1")
}

func TestBuild_ChangedRendersAllKinds(t *testing.T) {
	s := newTestService(t)
	job := &models.Job{Command: "date"}

	state := models.NewJobState(job, models.Snapshot{Data: "old\n", Timestamp: 1700000000})
	state.Verb = models.VerbChanged
	state.NewData = "new\n"
	state.NewTimestamp = 1700003600

	records := s.Build(context.Background(), []*models.JobState{state})
	require.Len(t, records, 1)

	diffs := records[0].Diffs
	assert.Contains(t, diffs[differs.KindText], "+new")
	assert.Contains(t, diffs[differs.KindMarkdown], "+new")
	assert.Contains(t, diffs[differs.KindHTML], "<table")
}

func TestBuild_ErrorRecord(t *testing.T) {
	s := newTestService(t)
	job := &models.Job{Command: "false"}

	state := models.NewJobState(job, models.Snapshot{})
	state.Verb = models.VerbError
	state.Err = errors.New("exit status 1")
	state.Tries = 2

	records := s.Build(context.Background(), []*models.JobState{state})
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "exit status 1", record.Error)
	assert.Equal(t, 2, record.Tries)
	assert.Contains(t, record.Diffs[differs.KindHTML], "<pre>")
}

func TestBuild_UserVisibleURLPreferred(t *testing.T) {
	s := newTestService(t)
	job := &models.Job{URL: "https://api.example.com/raw", UserVisibleURL: "https://example.com/page"}

	state := models.NewJobState(job, models.Snapshot{})
	state.Verb = models.VerbNew
	state.NewData = "content"

	records := s.Build(context.Background(), []*models.JobState{state})
	require.Len(t, records, 1)
	assert.Equal(t, "https://example.com/page", records[0].Location)
}

func TestMarkdownToHTML(t *testing.T) {
	s := newTestService(t)
	out, err := s.MarkdownToHTML("some **bold** text")
	require.NoError(t, err)
	assert.Contains(t, out, "<strong>bold</strong>")
}

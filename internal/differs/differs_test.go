package differs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/models"
)

func testState(job *models.Job, oldData, newData string) *models.JobState {
	state := models.NewJobState(job, models.Snapshot{Data: oldData, Timestamp: 1700000000})
	state.NewData = newData
	state.NewTimestamp = 1700003600
	return state
}

func diffText(t *testing.T, job *models.Job, oldData, newData string) (string, error) {
	t.Helper()
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)
	return service.Diff(context.Background(), testState(job, oldData, newData), KindText)
}

func TestUnifiedDiff_Basic(t *testing.T) {
	job := &models.Job{Command: "date"}
	diff, err := diffText(t, job, "old line\n", "new line\n")
	require.NoError(t, err)

	assert.Contains(t, diff, "@@ -1 +1 @@")
	assert.Contains(t, diff, "-old line")
	assert.Contains(t, diff, "+new line")
	assert.True(t, strings.HasPrefix(diff, "--- @ "))
}

func TestUnifiedDiff_IdenticalIsNoReport(t *testing.T) {
	job := &models.Job{Command: "date"}
	_, err := diffText(t, job, "same\n", "same\n")
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestUnifiedDiff_AdditionsOnly(t *testing.T) {
	job := &models.Job{URL: "https://x", AdditionsOnly: true}
	diff, err := diffText(t, job, "a\nb\n", "a\nb\nc\n")
	require.NoError(t, err)

	assert.Contains(t, diff, additionsHeader)
	assert.Contains(t, diff, "+c")
	assert.NotContains(t, diff, "@@")
	assert.NotContains(t, diff, "-a")
}

func TestUnifiedDiff_AdditionsOnlySuppressesPureDeletions(t *testing.T) {
	job := &models.Job{URL: "https://x", AdditionsOnly: true}
	_, err := diffText(t, job, "a\nb\nc\nd\ne\nf\ng\nh\n", "a\nb\nc\nd\ne\nf\ng\n")
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestUnifiedDiff_AdditionsOnly75PercentRule(t *testing.T) {
	job := &models.Job{URL: "https://x", AdditionsOnly: true}
	oldData := "line one\nline two\nline three\nline four\n"
	newData := "x\n"
	diff, err := diffText(t, job, oldData, newData)
	require.NoError(t, err)

	assert.Contains(t, diff, deletionsShownNote)
	assert.Contains(t, diff, "-line one")
}

func TestUnifiedDiff_DeletionsOnly(t *testing.T) {
	job := &models.Job{URL: "https://x", DeletionsOnly: true}
	diff, err := diffText(t, job, "a\nb\nc\n", "a\nc\n")
	require.NoError(t, err)

	assert.Contains(t, diff, deletionsHeader)
	assert.Contains(t, diff, "-b")
	assert.NotContains(t, diff, "@@")
}

func TestUnifiedDiff_RangeInfoSuppressed(t *testing.T) {
	job := &models.Job{
		Command: "date",
		Differ:  models.DifferSpec{Name: "unified", Args: map[string]interface{}{"range_info": false}},
	}
	diff, err := diffText(t, job, "old\n", "new\n")
	require.NoError(t, err)
	assert.NotContains(t, diff, "@@")
	assert.Contains(t, diff, "+new")
}

func TestUnifiedDiff_HTMLRendering(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	state := testState(&models.Job{Command: "date"}, "old <b>\n", "new\n")
	diff, err := service.Diff(context.Background(), state, KindHTML)
	require.NoError(t, err)

	assert.Contains(t, diff, "<table")
	assert.Contains(t, diff, "&lt;b&gt;")
	assert.NotContains(t, diff, "<b>\n")
}

func TestDiffMemoizedByKind(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)
	state := testState(&models.Job{Command: "date"}, "old\n", "new\n")

	first, err := service.Diff(context.Background(), state, KindText)
	require.NoError(t, err)

	// Mutating the data must not change a cached result
	state.NewData = "other\n"
	second, err := service.Diff(context.Background(), state, KindText)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTimestampsUseReportTimezone(t *testing.T) {
	service, err := NewService("UTC", common.GetLogger())
	require.NoError(t, err)

	state := testState(&models.Job{Command: "date"}, "old\n", "new\n")
	diff, err := service.Diff(context.Background(), state, KindText)
	require.NoError(t, err)
	assert.Contains(t, diff, "(UTC)")
	assert.Contains(t, diff, "+0000")
}

func TestNewServiceRejectsBadTimezone(t *testing.T) {
	_, err := NewService("Not/AZone", common.GetLogger())
	require.Error(t, err)
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec(&models.Job{URL: "https://x"}))
	assert.NoError(t, ValidateSpec(&models.Job{
		URL:    "https://x",
		Differ: models.DifferSpec{Name: "deepdiff", Args: map[string]interface{}{"ignore_order": true}},
	}))

	err := ValidateSpec(&models.Job{URL: "https://x", Differ: models.DifferSpec{Name: "nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown differ kind: nope")

	err = ValidateSpec(&models.Job{
		URL:    "https://x",
		Differ: models.DifferSpec{Name: "unified", Args: map[string]interface{}{"bogus": 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `does not support directive "bogus"`)
}

func TestTableDiff(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	job := &models.Job{Command: "date", Differ: models.DifferSpec{Name: "table"}}
	state := testState(job, "a\nb\n", "a\nc\n")

	rendered, err := service.Diff(context.Background(), state, KindHTML)
	require.NoError(t, err)
	assert.Contains(t, rendered, "<table")
	assert.Contains(t, rendered, ">b<")
	assert.Contains(t, rendered, ">c<")

	text, err := service.Diff(context.Background(), state, KindText)
	require.NoError(t, err)
	assert.Contains(t, text, "b | c")
}

func TestCommandDiffer_ExitZeroIsNoReport(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	job := &models.Job{
		Command: "date",
		Differ:  models.DifferSpec{Name: "command", Args: map[string]interface{}{"command": "true"}},
	}
	_, err = service.Diff(context.Background(), testState(job, "a\n", "b\n"), KindText)
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestCommandDiffer_CapturesOutputWithHeader(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	job := &models.Job{
		Command: "date",
		Differ:  models.DifferSpec{Name: "command", Args: map[string]interface{}{"command": "diff"}},
	}
	diff, err := service.Diff(context.Background(), testState(job, "a\n", "b\n"), KindText)
	require.NoError(t, err)

	assert.Contains(t, diff, `Using differ "diff"`)
	assert.Contains(t, diff, "Old: ")
	assert.Contains(t, diff, "New: ")
	assert.Contains(t, diff, "> b")
}

func TestCommandDiffer_FailureExitCode(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	job := &models.Job{
		Command: "date",
		Differ:  models.DifferSpec{Name: "command", Args: map[string]interface{}{"command": "exit 2 #"}},
	}
	_, err = service.Diff(context.Background(), testState(job, "a\n", "b\n"), KindText)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoReport)
	assert.Contains(t, err.Error(), "code 2")
}

func TestDeepdiff_JSONChangeSentence(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	job := &models.Job{URL: "https://x", Differ: models.DifferSpec{Name: "deepdiff"}}
	state := testState(job, `{"x": "1", "y": 2}`, `{"x": "2", "y": 2}`)

	diff, err := service.Diff(context.Background(), state, KindText)
	require.NoError(t, err)
	assert.Contains(t, diff, `Value of root['x'] changed from "1" to "2".`)
}

func TestDeepdiff_EqualJSONIsNoReport(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	job := &models.Job{URL: "https://x", Differ: models.DifferSpec{Name: "deepdiff"}}
	state := testState(job, `{"a": [1, 2]}`, `{"a": [1, 2]}`)

	_, err = service.Diff(context.Background(), state, KindText)
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestDeepdiff_IgnoreOrder(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	job := &models.Job{URL: "https://x", Differ: models.DifferSpec{
		Name: "deepdiff",
		Args: map[string]interface{}{"ignore_order": true},
	}}
	state := testState(job, `[1, 2, 3]`, `[3, 1, 2]`)

	_, err = service.Diff(context.Background(), state, KindText)
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestDeepdiff_InvalidInput(t *testing.T) {
	service, err := NewService("", common.GetLogger())
	require.NoError(t, err)

	job := &models.Job{URL: "https://x", Differ: models.DifferSpec{Name: "deepdiff"}}
	state := testState(job, `not json`, `{}`)

	_, err = service.Diff(context.Background(), state, KindText)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse old data")
}

func TestMarkdownLinkEncoding(t *testing.T) {
	encoded := encodeMarkdownLinks("see [here](https://example.com/a page)")
	assert.NotContains(t, encoded, "a page)")
	assert.Equal(t, "see [here](https://example.com/a page)", decodeMarkdownLinks(encoded))
}

func TestColorizeWdiff(t *testing.T) {
	out := colorizeWdiff("keep {+added+} [-removed-]")
	assert.Contains(t, out, `<span style="background-color: #e6ffed;">added</span>`)
	assert.Contains(t, out, "removed</span>")
	assert.True(t, strings.HasPrefix(out, "<pre>"))
}

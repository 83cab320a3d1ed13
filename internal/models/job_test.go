package models

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobs_VariantInference(t *testing.T) {
	stream := `name: simple
url: https://example.com/page
---
url: https://example.com/app
use_browser: true
---
command: date
`
	jobs, err := ParseJobs(strings.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, JobKindURL, jobs[0].Kind())
	assert.Equal(t, JobKindBrowser, jobs[1].Kind())
	assert.Equal(t, JobKindShell, jobs[2].Kind())
	assert.Equal(t, "simple", jobs[0].PrettyName())
	assert.Equal(t, "date", jobs[2].Location())
}

func TestParseJobs_UnknownKeyRejected(t *testing.T) {
	_, err := ParseJobs(strings.NewReader("url: https://example.com\nnavigate: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown job key: "navigate"`)
}

func TestParseJobs_SkipsEmptyDocuments(t *testing.T) {
	stream := "---\n---\ncommand: echo hi\n"
	jobs, err := ParseJobs(strings.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestParseJobs_FilterShorthandForms(t *testing.T) {
	stream := `url: https://example.com
filter:
  - html2text
  - css: "#main"
  - strip:
      side: left
`
	jobs, err := ParseJobs(strings.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, jobs[0].Filters, 3)

	assert.Equal(t, "html2text", jobs[0].Filters[0].Name)
	assert.Nil(t, jobs[0].Filters[0].Args)

	// Scalar args land under the empty key until chain normalization
	assert.Equal(t, map[string]interface{}{"": "#main"}, jobs[0].Filters[1].Args)
	assert.Equal(t, map[string]interface{}{"side": "left"}, jobs[0].Filters[2].Args)
}

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{"no location", Job{}, "requires either url or command"},
		{"both locations", Job{URL: "https://x", Command: "date"}, "cannot have both"},
		{"browser without url", Job{Command: "x", UseBrowser: true}, "use_browser requires"},
		{"exclusive modes", Job{URL: "https://x", AdditionsOnly: true, DeletionsOnly: true}, "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	ok := Job{URL: "https://example.com"}
	assert.NoError(t, ok.Validate())
}

func TestJob_FingerprintStableAcrossSerialization(t *testing.T) {
	job := &Job{Name: "watch", URL: "https://example.com/page?q=1"}
	original := job.Fingerprint()
	require.Len(t, original, 40)

	var buf bytes.Buffer
	require.NoError(t, SerializeJobs(&buf, []*Job{job}))

	parsed, err := ParseJobs(&buf)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, original, parsed[0].Fingerprint())
}

func TestJob_FingerprintIgnoresName(t *testing.T) {
	a := &Job{Name: "one", URL: "https://example.com"}
	b := &Job{Name: "two", URL: "https://example.com"}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestJob_EffectiveContextLines(t *testing.T) {
	base := Job{URL: "https://x"}
	assert.Equal(t, 3, base.EffectiveContextLines())

	additions := Job{URL: "https://x", AdditionsOnly: true}
	assert.Equal(t, 0, additions.EffectiveContextLines())

	override := 7
	custom := Job{URL: "https://x", AdditionsOnly: true, ContextLines: &override}
	assert.Equal(t, 7, custom.EffectiveContextLines())
}

func TestJob_MergeDefaults(t *testing.T) {
	jobs, err := ParseJobs(strings.NewReader("url: https://example.com\nmax_tries: 5\n"))
	require.NoError(t, err)
	job := jobs[0]

	err = job.MergeDefaults(map[string]interface{}{
		"max_tries": 2,
		"timeout":   30,
	})
	require.NoError(t, err)

	// Explicit keys win; missing keys are filled in
	assert.Equal(t, 5, job.MaxTries)
	assert.Equal(t, 30.0, job.TimeoutSeconds)
}

func TestJob_MergeDefaultsMoreSpecificFirst(t *testing.T) {
	jobs, err := ParseJobs(strings.NewReader("url: https://example.com\n"))
	require.NoError(t, err)
	job := jobs[0]

	require.NoError(t, job.MergeDefaults(map[string]interface{}{"timeout": 10}))
	require.NoError(t, job.MergeDefaults(map[string]interface{}{"timeout": 99, "max_tries": 3}))

	assert.Equal(t, 10.0, job.TimeoutSeconds)
	assert.Equal(t, 3, job.MaxTries)
}

func TestJob_MergeDefaultsRejectsUnknownKey(t *testing.T) {
	jobs, err := ParseJobs(strings.NewReader("url: https://example.com\n"))
	require.NoError(t, err)

	err = jobs[0].MergeDefaults(map[string]interface{}{"bogus": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown job default key: "bogus"`)
}

func TestNormalizeStatusCodeList(t *testing.T) {
	assert.NoError(t, NormalizeStatusCodeList([]string{"418", "4xx", "5XX"}))
	assert.Error(t, NormalizeStatusCodeList([]string{"teapot"}))
	assert.Error(t, NormalizeStatusCodeList([]string{"999"}))
}

func TestJobState_Verbs(t *testing.T) {
	assert.True(t, VerbNew.Reportable())
	assert.True(t, VerbChanged.Reportable())
	assert.True(t, VerbError.Reportable())
	assert.False(t, VerbUnchanged.Reportable())
	assert.False(t, VerbChangedNoReport.Reportable())
}

func TestJobState_DiffCache(t *testing.T) {
	state := NewJobState(&Job{URL: "https://x"}, Snapshot{})
	_, ok := state.CachedDiff("text")
	assert.False(t, ok)

	state.CacheDiff("text", "diff body")
	diff, ok := state.CachedDiff("text")
	assert.True(t, ok)
	assert.Equal(t, "diff body", diff)
}

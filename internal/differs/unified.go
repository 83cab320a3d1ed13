package differs

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Informational headers for the comparison modes
const (
	additionsHeader    = "/**Comparison type: Additions only**"
	deletionsHeader    = "/**Comparison type: Deletions only**"
	deletionsShownNote = "/**Deletions are being shown as 75% or more of the content has been deleted**"
)

func init() {
	mustRegister(&Definition{
		Name:                "unified",
		Description:         "Line-based unified diff",
		SubDirectives:       []string{"context_lines", "range_info"},
		DefaultSubDirective: "context_lines",
		Apply:               unifiedApply,
	})
}

func unifiedApply(ctx context.Context, dc *Context) (string, error) {
	contextLines := intArg(dc.Args, "context_lines", dc.Job.EffectiveContextLines())
	rangeInfo := boolArg(dc.Args, "range_info", true)

	lines, err := unifiedDiffLines(dc, contextLines)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", ErrNoReport
	}

	switch {
	case dc.Job.AdditionsOnly:
		lines = filterAdditionsOnly(dc.OldData, dc.NewData, lines)
	case dc.Job.DeletionsOnly:
		lines = filterDeletionsOnly(lines)
	case !rangeInfo:
		lines = dropRangeInfo(lines)
	}
	if lines == nil {
		return "", ErrNoReport
	}

	switch dc.Kind {
	case KindHTML:
		return renderUnifiedHTML(lines), nil
	default:
		return strings.Join(lines, "\n"), nil
	}
}

// unifiedDiffLines produces the raw unified diff with timestamp headers.
// Header tabs are replaced with spaces.
func unifiedDiffLines(dc *Context, contextLines int) ([]string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(dc.OldData),
		B:        difflib.SplitLines(dc.NewData),
		FromFile: "@",
		ToFile:   "@",
		FromDate: dc.FormatTimestamp(dc.OldTimestamp),
		ToDate:   dc.FormatTimestamp(dc.NewTimestamp),
		Context:  contextLines,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return nil, fmt.Errorf("failed to compute unified diff: %w", err)
	}
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := 0; i < len(lines) && i < 2; i++ {
		lines[i] = strings.ReplaceAll(lines[i], "\t", " ")
	}
	return lines, nil
}

// filterAdditionsOnly keeps only added lines. When 75% or more of the old
// content was deleted the full diff is shown instead, flagged with a note,
// so a page wipe is not silently reduced to nothing.
func filterAdditionsOnly(oldData, newData string, lines []string) []string {
	if len(lines) < 2 {
		return nil
	}
	head := []string{lines[0], lines[1], additionsHeader}

	if len(oldData) > 0 && float64(len(newData))/float64(len(oldData)) <= 0.25 {
		out := append(head, deletionsShownNote)
		return append(out, lines[2:]...)
	}

	var kept []string
	for _, line := range lines[2:] {
		if strings.HasPrefix(line, "+") {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return append(head, kept...)
}

// filterDeletionsOnly keeps only removed lines
func filterDeletionsOnly(lines []string) []string {
	if len(lines) < 2 {
		return nil
	}
	head := []string{lines[0], lines[1], deletionsHeader}

	var kept []string
	for _, line := range lines[2:] {
		if strings.HasPrefix(line, "-") {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return append(head, kept...)
}

// dropRangeInfo removes @@ hunk headers (range_info: false)
func dropRangeInfo(lines []string) []string {
	out := lines[:0:0]
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// renderUnifiedHTML emits the diff as a table, one row per line
func renderUnifiedHTML(lines []string) string {
	var b strings.Builder
	b.WriteString(`<table style="border-collapse: collapse; font-family: monospace; white-space: pre-wrap;">`)
	for _, line := range lines {
		style := ""
		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
			style = "font-weight: bold;"
		case strings.HasPrefix(line, "+"):
			style = "background-color: #e6ffed; color: #24292e;"
		case strings.HasPrefix(line, "-"):
			style = "background-color: #ffeef0; color: #24292e;"
		case strings.HasPrefix(line, "@@"):
			style = "background-color: #f1f8ff; color: #005cc5;"
		case strings.HasPrefix(line, "/**"):
			style = "font-style: italic;"
		}
		b.WriteString(`<tr><td style="`)
		b.WriteString(style)
		b.WriteString(`">`)
		b.WriteString(html.EscapeString(line))
		b.WriteString("</td></tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

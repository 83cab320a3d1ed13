package differs

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

func init() {
	mustRegister(&Definition{
		Name:                "command",
		Description:         "External diff tool",
		SubDirectives:       []string{"command"},
		DefaultSubDirective: "command",
		Apply:               commandApply,
	})
}

// markdownLink matches inline markdown links so their targets can be
// percent-encoded before line diffing; a target containing spaces would
// otherwise be split across diff tokens.
var markdownLink = regexp.MustCompile(`\]\(([^)]+)\)`)

func commandApply(ctx context.Context, dc *Context) (string, error) {
	command := stringArg(dc.Args, "command", "")
	if command == "" {
		return "", fmt.Errorf("command differ requires a command")
	}

	oldData, newData := dc.OldData, dc.NewData
	isMarkdown := dc.MIME == "text/markdown"
	if isMarkdown {
		oldData = encodeMarkdownLinks(oldData)
		newData = encodeMarkdownLinks(newData)
	}

	dir, err := os.MkdirTemp("", "vigil-diff-")
	if err != nil {
		return "", fmt.Errorf("failed to create diff workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	oldFile := filepath.Join(dir, "old")
	newFile := filepath.Join(dir, "new")
	if err := os.WriteFile(oldFile, []byte(oldData), 0o600); err != nil {
		return "", fmt.Errorf("failed to write diff input: %w", err)
	}
	if err := os.WriteFile(newFile, []byte(newData), 0o600); err != nil {
		return "", fmt.Errorf("failed to write diff input: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("%s %s %s", command, oldFile, newFile))
	cmd.Env = append(os.Environ(),
		"URLWATCH_JOB_NAME="+dc.Job.PrettyName(),
		"URLWATCH_JOB_LOCATION="+dc.Job.Location(),
	)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("differ command %q failed to run: %w", command, err)
		}
		exitCode = exitErr.ExitCode()
	}

	switch exitCode {
	case 0:
		// Tool found no difference worth reporting
		return "", ErrNoReport
	case 1:
		output := stdout.String()
		if isMarkdown {
			output = decodeMarkdownLinks(output)
		}
		header := fmt.Sprintf("Using differ %q\nOld: %s\nNew: %s\n%s\n",
			command, dc.FormatTimestamp(dc.OldTimestamp), dc.FormatTimestamp(dc.NewTimestamp),
			strings.Repeat("-", 36))
		result := header + output
		if dc.Kind == KindHTML && strings.HasPrefix(command, "wdiff") {
			return colorizeWdiff(result), nil
		}
		if dc.Kind == KindHTML {
			return "<pre>" + html.EscapeString(result) + "</pre>", nil
		}
		return result, nil
	default:
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("differ command %q exited with code %d: %s", command, exitCode, detail)
		}
		return "", fmt.Errorf("differ command %q exited with code %d", command, exitCode)
	}
}

func encodeMarkdownLinks(data string) string {
	return markdownLink.ReplaceAllStringFunc(data, func(match string) string {
		target := match[2 : len(match)-1]
		return "](" + url.PathEscape(target) + ")"
	})
}

func decodeMarkdownLinks(data string) string {
	return markdownLink.ReplaceAllStringFunc(data, func(match string) string {
		target := match[2 : len(match)-1]
		decoded, err := url.PathUnescape(target)
		if err != nil {
			return match
		}
		return "](" + decoded + ")"
	})
}

// wdiffToken matches wdiff insertion and deletion markers
var wdiffToken = regexp.MustCompile(`\{\+.*?\+\}|\[-.*?-\]`)

// colorizeWdiff renders wdiff {+...+} / [-...-] tokens as colored spans
func colorizeWdiff(data string) string {
	var b strings.Builder
	b.WriteString("<pre>")
	last := 0
	for _, loc := range wdiffToken.FindAllStringIndex(data, -1) {
		b.WriteString(html.EscapeString(data[last:loc[0]]))
		token := data[loc[0]:loc[1]]
		inner := html.EscapeString(token[2 : len(token)-2])
		if strings.HasPrefix(token, "{+") {
			b.WriteString(`<span style="background-color: #e6ffed;">` + inner + "</span>")
		} else {
			b.WriteString(`<span style="background-color: #ffeef0; text-decoration: line-through;">` + inner + "</span>")
		}
		last = loc[1]
	}
	b.WriteString(html.EscapeString(data[last:]))
	b.WriteString("</pre>")
	return b.String()
}

package filters

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

func init() {
	mustRegister(&Definition{
		Name:                "keep_lines_containing",
		Description:         "Keep lines matching a literal text or re: pattern",
		SubDirectives:       []string{"text", "re"},
		DefaultSubDirective: "text",
		Apply:               keepLines(true),
	})
	mustRegister(&Definition{
		Name:                "delete_lines_containing",
		Description:         "Delete lines matching a literal text or re: pattern",
		SubDirectives:       []string{"text", "re"},
		DefaultSubDirective: "text",
		Apply:               keepLines(false),
	})
	mustRegister(&Definition{
		Name:                "grep",
		Description:         "Deprecated alias of keep_lines_containing with a regex",
		SubDirectives:       []string{"re"},
		DefaultSubDirective: "re",
		Deprecated:          "keep_lines_containing",
		Apply:               grepApply(true),
	})
	mustRegister(&Definition{
		Name:                "grepi",
		Description:         "Deprecated alias of delete_lines_containing with a regex",
		SubDirectives:       []string{"re"},
		DefaultSubDirective: "re",
		Deprecated:          "delete_lines_containing",
		Apply:               grepApply(false),
	})
	mustRegister(&Definition{
		Name:                "strip",
		Description:         "Trim whitespace from the artifact or each line",
		SubDirectives:       []string{"chars", "side", "splitlines"},
		DefaultSubDirective: "chars",
		Apply:               stripApply,
	})
	mustRegister(&Definition{
		Name:        "strip_empty_lines",
		Description: "Drop blank lines",
		Apply: func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
			lines := strings.Split(data, "\n")
			kept := lines[:0]
			for _, line := range lines {
				if strings.TrimSpace(line) != "" {
					kept = append(kept, line)
				}
			}
			return strings.Join(kept, "\n"), "", nil
		},
	})
	mustRegister(&Definition{
		Name:                "sort",
		Description:         "Sort items case-insensitively, splitting on a separator",
		SubDirectives:       []string{"separator", "reverse"},
		DefaultSubDirective: "separator",
		Apply:               sortApply,
	})
	mustRegister(&Definition{
		Name:                "reverse",
		Description:         "Reverse item order, splitting on a separator",
		SubDirectives:       []string{"separator"},
		DefaultSubDirective: "separator",
		Apply:               reverseApply,
	})
	mustRegister(&Definition{
		Name:                "re.sub",
		Description:         "Regex substitution with pattern and optional repl",
		SubDirectives:       []string{"pattern", "repl"},
		DefaultSubDirective: "pattern",
		Apply:               reSubApply,
	})
	mustRegister(&Definition{
		Name:                "re",
		Description:         "Deprecated alias of re.sub",
		SubDirectives:       []string{"pattern", "repl"},
		DefaultSubDirective: "pattern",
		Deprecated:          "re.sub",
		Apply:               reSubApply,
	})
}

// matchPredicate builds a line predicate from text:/re: sub-directives
func matchPredicate(args map[string]interface{}) (func(string) bool, error) {
	if pattern := stringArg(args, "re", ""); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return re.MatchString, nil
	}
	text := stringArg(args, "text", "")
	if text == "" {
		return nil, fmt.Errorf("requires a text or re sub-directive")
	}
	return func(line string) bool {
		return strings.Contains(line, text)
	}, nil
}

func keepLines(keep bool) ApplyFunc {
	return func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
		match, err := matchPredicate(args)
		if err != nil {
			return "", "", err
		}
		lines := strings.Split(data, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if match(line) == keep {
				kept = append(kept, line)
			}
		}
		return strings.Join(kept, "\n"), "", nil
	}
}

func grepApply(keep bool) ApplyFunc {
	return func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
		pattern := stringArg(args, "re", "")
		if pattern == "" {
			return "", "", fmt.Errorf("requires a regular expression")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", "", fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		lines := strings.Split(data, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if re.MatchString(line) == keep {
				kept = append(kept, line)
			}
		}
		return strings.Join(kept, "\n"), "", nil
	}
}

func stripApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	chars := stringArg(args, "chars", "")
	side := stringArg(args, "side", "")
	splitlines := boolArg(args, "splitlines", false)

	if side != "" && side != "left" && side != "right" {
		return "", "", fmt.Errorf("side must be left or right, got %q", side)
	}

	trim := func(s string) string {
		switch {
		case chars != "" && side == "left":
			return strings.TrimLeft(s, chars)
		case chars != "" && side == "right":
			return strings.TrimRight(s, chars)
		case chars != "":
			return strings.Trim(s, chars)
		case side == "left":
			return strings.TrimLeftFunc(s, isSpace)
		case side == "right":
			return strings.TrimRightFunc(s, isSpace)
		default:
			return strings.TrimSpace(s)
		}
	}

	if splitlines {
		lines := strings.Split(data, "\n")
		for i, line := range lines {
			lines[i] = trim(line)
		}
		return strings.Join(lines, "\n"), "", nil
	}
	return trim(data), "", nil
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

func splitSeparator(args map[string]interface{}) string {
	separator := stringArg(args, "separator", "")
	if separator == "" {
		return "\n"
	}
	return separator
}

func sortApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	separator := splitSeparator(args)
	reverse := boolArg(args, "reverse", false)
	items := strings.Split(data, separator)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := strings.ToLower(items[i]), strings.ToLower(items[j])
		if reverse {
			return a > b
		}
		return a < b
	})
	return strings.Join(items, separator), "", nil
}

func reverseApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	separator := splitSeparator(args)
	items := strings.Split(data, separator)
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return strings.Join(items, separator), "", nil
}

func reSubApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	pattern := stringArg(args, "pattern", "")
	if pattern == "" {
		return "", "", fmt.Errorf("requires a pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", "", fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	repl := stringArg(args, "repl", "")
	return re.ReplaceAllString(data, repl), "", nil
}

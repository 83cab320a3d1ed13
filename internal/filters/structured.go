package filters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	ics "github.com/arran4/golang-ical"
	"github.com/beevik/etree"
)

func init() {
	mustRegister(&Definition{
		Name:                "format-json",
		Description:         "Parse JSON and re-emit it indented",
		SubDirectives:       []string{"indentation", "sort_keys"},
		DefaultSubDirective: "indentation",
		Apply:               formatJSONApply,
	})
	mustRegister(&Definition{
		Name:        "format-xml",
		Description: "Parse XML and re-emit it indented",
		Apply:       formatXMLApply,
	})
	mustRegister(&Definition{
		Name:        "ical2text",
		Description: "Decode iCalendar input to line-per-event text",
		Apply:       ical2textApply,
	})
}

func formatJSONApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	indentation := intArg(args, "indentation", 4)
	sortKeys := boolArg(args, "sort_keys", false)

	var parsed interface{}
	decoder := json.NewDecoder(strings.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("invalid JSON input: %w", err)
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", strings.Repeat(" ", indentation))
	encoder.SetEscapeHTML(false)
	if sortKeys {
		parsed = sortJSONKeys(parsed)
	}
	if err := encoder.Encode(parsed); err != nil {
		return "", "", fmt.Errorf("failed to re-encode JSON: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), "application/json", nil
}

// sortJSONKeys is a no-op on structure: encoding/json already emits map keys
// in sorted order, but yaml-sourced args can carry ordered maps, so rebuild
// into plain maps for deterministic output.
func sortJSONKeys(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		rebuilt := make(map[string]interface{}, len(value))
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			rebuilt[key] = sortJSONKeys(value[key])
		}
		return rebuilt
	case []interface{}:
		for i, item := range value {
			value[i] = sortJSONKeys(item)
		}
		return value
	default:
		return v
	}
}

func formatXMLApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(data); err != nil {
		return "", "", fmt.Errorf("invalid XML input: %w", err)
	}
	doc.Indent(2)
	out, err := doc.WriteToString()
	if err != nil {
		return "", "", fmt.Errorf("failed to re-encode XML: %w", err)
	}
	return strings.TrimRight(out, "\n"), "application/xml", nil
}

func ical2textApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	calendar, err := ics.ParseCalendar(strings.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("invalid iCalendar input: %w", err)
	}

	var lines []string
	for _, event := range calendar.Events() {
		summary := ""
		if prop := event.GetProperty(ics.ComponentPropertySummary); prop != nil {
			summary = prop.Value
		}
		when := ""
		if start, err := event.GetStartAt(); err == nil {
			when = start.Format("2006-01-02 15:04")
			if end, err := event.GetEndAt(); err == nil {
				when += " -- " + end.Format("2006-01-02 15:04")
			}
		}
		if when == "" {
			lines = append(lines, summary)
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", when, summary))
		}
	}
	return strings.Join(lines, "\n"), "text/plain", nil
}

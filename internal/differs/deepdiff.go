package differs

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func init() {
	mustRegister(&Definition{
		Name:                "deepdiff",
		Description:         "Structural diff over parsed JSON or XML",
		SubDirectives:       []string{"data_type", "ignore_order", "ignore_string_case", "significant_digits"},
		DefaultSubDirective: "data_type",
		Apply:               deepdiffApply,
	})
}

func deepdiffApply(ctx context.Context, dc *Context) (string, error) {
	dataType := stringArg(dc.Args, "data_type", "json")

	oldValue, err := parseStructured(dc.OldData, dataType)
	if err != nil {
		return "", fmt.Errorf("failed to parse old data as %s: %w", dataType, err)
	}
	newValue, err := parseStructured(dc.NewData, dataType)
	if err != nil {
		return "", fmt.Errorf("failed to parse new data as %s: %w", dataType, err)
	}

	var opts []cmp.Option
	if boolArg(dc.Args, "ignore_order", false) {
		opts = append(opts, cmpopts.SortSlices(func(a, b interface{}) bool {
			return fmt.Sprint(a) < fmt.Sprint(b)
		}))
	}
	if boolArg(dc.Args, "ignore_string_case", false) {
		opts = append(opts, cmp.Transformer("lowercase", strings.ToLower))
	}
	if digits := intArg(dc.Args, "significant_digits", 0); digits > 0 {
		scale := math.Pow(10, float64(digits))
		opts = append(opts, cmp.Comparer(func(x, y float64) bool {
			return math.Round(x*scale) == math.Round(y*scale)
		}))
	}

	reporter := &changeReporter{}
	opts = append(opts, cmp.Reporter(reporter))
	if cmp.Equal(oldValue, newValue, opts...) {
		return "", ErrNoReport
	}
	if len(reporter.changes) == 0 {
		return "", ErrNoReport
	}

	if dc.Kind == KindHTML {
		lines := make([]string, len(reporter.changes))
		for i, change := range reporter.changes {
			lines[i] = change.html()
		}
		return strings.Join(lines, "<br>\n"), nil
	}
	lines := make([]string, len(reporter.changes))
	for i, change := range reporter.changes {
		lines[i] = change.text()
	}
	return strings.Join(lines, "\n"), nil
}

// parseStructured decodes JSON or XML into comparable generic values
func parseStructured(data, dataType string) (interface{}, error) {
	switch dataType {
	case "json":
		var value interface{}
		if err := json.Unmarshal([]byte(data), &value); err != nil {
			return nil, err
		}
		return value, nil
	case "xml":
		doc := etree.NewDocument()
		if err := doc.ReadFromString(data); err != nil {
			return nil, err
		}
		root := doc.Root()
		if root == nil {
			return nil, fmt.Errorf("document has no root element")
		}
		return map[string]interface{}{root.Tag: elementToValue(root)}, nil
	default:
		return nil, fmt.Errorf("unsupported data_type %q", dataType)
	}
}

func elementToValue(e *etree.Element) interface{} {
	children := e.ChildElements()
	if len(children) == 0 && len(e.Attr) == 0 {
		return strings.TrimSpace(e.Text())
	}

	m := map[string]interface{}{}
	for _, attr := range e.Attr {
		m["@"+attr.Key] = attr.Value
	}
	for _, child := range children {
		value := elementToValue(child)
		if existing, ok := m[child.Tag]; ok {
			if list, ok := existing.([]interface{}); ok {
				m[child.Tag] = append(list, value)
			} else {
				m[child.Tag] = []interface{}{existing, value}
			}
			continue
		}
		m[child.Tag] = value
	}
	if text := strings.TrimSpace(e.Text()); text != "" && len(children) > 0 {
		m["#text"] = text
	}
	return m
}

// change is one reported structural difference
type change struct {
	path     string
	old, new string
	hasOld   bool
	hasNew   bool
}

func (c change) text() string {
	switch {
	case c.hasOld && c.hasNew:
		return fmt.Sprintf("Value of %s changed from %s to %s.", c.path, c.old, c.new)
	case c.hasNew:
		return fmt.Sprintf("Item %s added: %s.", c.path, c.new)
	default:
		return fmt.Sprintf("Item %s removed: %s.", c.path, c.old)
	}
}

func (c change) html() string {
	oldSpan := `<span style="background-color: #ffeef0;">` + html.EscapeString(c.old) + "</span>"
	newSpan := `<span style="background-color: #e6ffed;">` + html.EscapeString(c.new) + "</span>"
	switch {
	case c.hasOld && c.hasNew:
		return fmt.Sprintf("Value of %s changed from %s to %s.", html.EscapeString(c.path), oldSpan, newSpan)
	case c.hasNew:
		return fmt.Sprintf("Item %s added: %s.", html.EscapeString(c.path), newSpan)
	default:
		return fmt.Sprintf("Item %s removed: %s.", html.EscapeString(c.path), oldSpan)
	}
}

// changeReporter collects per-change sentences while cmp walks the values
type changeReporter struct {
	path    cmp.Path
	changes []change
}

func (r *changeReporter) PushStep(step cmp.PathStep) {
	r.path = append(r.path, step)
}

func (r *changeReporter) PopStep() {
	r.path = r.path[:len(r.path)-1]
}

func (r *changeReporter) Report(result cmp.Result) {
	if result.Equal() {
		return
	}
	oldValue, newValue := r.path.Last().Values()
	c := change{path: pathString(r.path)}
	if oldValue.IsValid() {
		c.hasOld = true
		c.old = formatValue(oldValue.Interface())
	}
	if newValue.IsValid() {
		c.hasNew = true
		c.new = formatValue(newValue.Interface())
	}
	r.changes = append(r.changes, c)
}

// pathString renders a cmp path as root['key'][index] segments
func pathString(path cmp.Path) string {
	var b strings.Builder
	b.WriteString("root")
	for _, step := range path {
		switch s := step.(type) {
		case cmp.MapIndex:
			fmt.Fprintf(&b, "['%v']", s.Key())
		case cmp.SliceIndex:
			i, j := s.SplitKeys()
			switch {
			case i == j:
				fmt.Fprintf(&b, "[%d]", i)
			case j < 0:
				fmt.Fprintf(&b, "[%d]", i)
			default:
				fmt.Fprintf(&b, "[%d]", j)
			}
		}
	}
	return b.String()
}

func formatValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return fmt.Sprintf("%q", value)
	case float64:
		if value == math.Trunc(value) {
			return fmt.Sprintf("%d", int64(value))
		}
		return fmt.Sprintf("%g", value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

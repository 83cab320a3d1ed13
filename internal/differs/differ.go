package differs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/models"
)

// Report kinds a differ can render
const (
	KindText     = "text"
	KindMarkdown = "markdown"
	KindHTML     = "html"
)

// ErrNoReport signals that the artifacts differ but the result is not worth
// reporting; the orchestrator maps it to the changed,no_report verb.
var ErrNoReport = errors.New("changed, no report")

// Context carries everything one diff invocation needs
type Context struct {
	Job          *models.Job
	OldData      string
	NewData      string
	OldTimestamp int64
	NewTimestamp int64
	MIME         string
	Kind         string
	Args         map[string]interface{}
	Location     *time.Location
	ZoneName     string
	Logger       arbor.ILogger
}

// ApplyFunc renders the diff between the context's old and new artifacts
type ApplyFunc func(ctx context.Context, dc *Context) (string, error)

// Definition describes one registered differ
type Definition struct {
	Name                string
	Description         string
	SubDirectives       []string
	DefaultSubDirective string
	Apply               ApplyFunc
}

var registry = map[string]*Definition{}

// Register adds a differ definition; hooks use this to add custom differs
func Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("differ definition requires a name")
	}
	if _, exists := registry[def.Name]; exists {
		return fmt.Errorf("differ %q already registered", def.Name)
	}
	registry[def.Name] = def
	return nil
}

func mustRegister(def *Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for a differ name
func Lookup(name string) (*Definition, bool) {
	def, ok := registry[name]
	return def, ok
}

// Names returns all registered differ names, sorted
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service renders diffs for job states, memoizing per report kind
type Service struct {
	location *time.Location
	zoneName string
	logger   arbor.ILogger
}

// NewService creates the diff service; tz is the report.tz IANA zone name,
// empty for local time.
func NewService(tz string, logger arbor.ILogger) (*Service, error) {
	location := time.Local
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid report timezone %q: %w", tz, err)
		}
		location = loc
	}
	return &Service{location: location, zoneName: tz, logger: logger}, nil
}

// ValidateSpec checks a job's differ spec against the registry, rejecting
// unknown names and sub-directives at parse time.
func ValidateSpec(job *models.Job) error {
	name := job.DifferName()
	def, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("unknown differ kind: %s", name)
	}
	for key := range job.Differ.Args {
		if key == "" {
			continue
		}
		if !subDirectiveKnown(def, key) {
			return fmt.Errorf("differ %q does not support directive %q", name, key)
		}
	}
	return nil
}

func subDirectiveKnown(def *Definition, key string) bool {
	for _, sub := range def.SubDirectives {
		if sub == key {
			return true
		}
	}
	return false
}

// Diff produces the diff for a job state in the requested report kind. An
// empty diff or a no-report outcome returns ErrNoReport.
func (s *Service) Diff(ctx context.Context, state *models.JobState, kind string) (string, error) {
	if cached, ok := state.CachedDiff(kind); ok {
		return cached, nil
	}

	name := state.Job.DifferName()
	def, ok := Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown differ kind: %s", name)
	}

	args := state.Job.Differ.Args
	if raw, ok := args[""]; ok && def.DefaultSubDirective != "" {
		rebound := make(map[string]interface{}, len(args))
		for key, value := range args {
			if key == "" {
				rebound[def.DefaultSubDirective] = raw
				continue
			}
			rebound[key] = value
		}
		args = rebound
	}

	dc := &Context{
		Job:          state.Job,
		OldData:      state.OldSnapshot.Data,
		NewData:      state.NewData,
		OldTimestamp: state.OldSnapshot.Timestamp,
		NewTimestamp: state.NewTimestamp,
		MIME:         state.NewMIME,
		Kind:         kind,
		Args:         args,
		Location:     s.location,
		ZoneName:     s.zoneName,
		Logger:       s.logger,
	}

	diff, err := def.Apply(ctx, dc)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(diff) == "" {
		return "", ErrNoReport
	}
	state.CacheDiff(kind, diff)
	return diff, nil
}

// FormatTimestamp renders a snapshot timestamp in RFC 5322 form, with the
// IANA zone name appended as a comment when a report timezone is configured.
func (dc *Context) FormatTimestamp(ts int64) string {
	if ts <= 0 {
		return "NEW"
	}
	formatted := time.Unix(ts, 0).In(dc.Location).Format(time.RFC1123Z)
	if dc.ZoneName != "" {
		return fmt.Sprintf("%s (%s)", formatted, dc.ZoneName)
	}
	return formatted
}

func stringArg(args map[string]interface{}, key, fallback string) string {
	if v, ok := args[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

func boolArg(args map[string]interface{}, key string, fallback bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func floatArg(args map[string]interface{}, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

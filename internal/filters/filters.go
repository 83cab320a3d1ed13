package filters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/models"
)

// AnySubDirective marks a filter as accepting arbitrary sub-directive names
const AnySubDirective = "<any>"

// ApplyFunc transforms the artifact. The returned mime may be empty to keep
// the input mime.
type ApplyFunc func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error)

// Definition declares a named filter: its sub-directives with the default
// binding for scalar arguments, its byte/text typing, and its transform.
type Definition struct {
	Name                string
	Description         string
	SubDirectives       []string
	DefaultSubDirective string
	BinaryInput         bool
	AcceptsText         bool // binary-input filter that tolerates text input
	BinaryOutput        bool
	Deprecated          string // replacement name, set for alias filters

	// Match enables the auto-process pass: when it returns true for a job,
	// the filter runs before the declared chain without being listed.
	Match func(job *models.Job) bool

	Apply ApplyFunc
}

// Context carries per-invocation state into a filter
type Context struct {
	Job    *models.Job
	MIME   string
	Logger arbor.ILogger
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*Definition{}
)

// Register adds a filter definition to the catalog. Hooks use this to
// contribute custom filters; duplicate names are rejected.
func Register(def *Definition) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if def.Name == "" {
		return fmt.Errorf("filter definition requires a name")
	}
	if _, exists := registry[def.Name]; exists {
		return fmt.Errorf("filter %q is already registered", def.Name)
	}
	registry[def.Name] = def
	return nil
}

func mustRegister(def *Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for a filter name
func Lookup(name string) (*Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	def, ok := registry[name]
	return def, ok
}

// Names returns the registered filter names, sorted
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Definition) acceptsSubDirective(name string) bool {
	for _, sub := range d.SubDirectives {
		if sub == AnySubDirective || sub == name {
			return true
		}
	}
	return false
}

// NormalizeChain resolves each spec against the catalog: unknown filter names
// and sub-directive names are rejected, and a scalar argument (stored under
// the empty key) is bound to the filter's default sub-directive. Normalizing
// an already-normalized chain yields the same chain.
func NormalizeChain(specs []models.FilterSpec) ([]models.FilterSpec, error) {
	normalized := make([]models.FilterSpec, 0, len(specs))
	for _, spec := range specs {
		def, ok := Lookup(spec.Name)
		if !ok {
			return nil, fmt.Errorf("unknown filter kind: %s (available: %v)", spec.Name, Names())
		}
		out := models.FilterSpec{Name: spec.Name}
		if len(spec.Args) > 0 {
			out.Args = make(map[string]interface{}, len(spec.Args))
			for key, value := range spec.Args {
				if key == "" {
					if def.DefaultSubDirective == "" {
						return nil, fmt.Errorf("filter %s does not accept a plain value", spec.Name)
					}
					out.Args[def.DefaultSubDirective] = value
					continue
				}
				if !def.acceptsSubDirective(key) {
					return nil, fmt.Errorf("filter %s does not support sub-directive %q (supported: %v)", spec.Name, key, def.SubDirectives)
				}
				out.Args[key] = value
			}
		}
		normalized = append(normalized, out)
	}
	return normalized, nil
}

// Chain is a job's resolved filter pipeline, including the auto-process pass
type Chain struct {
	job    *models.Job
	steps  []chainStep
	logger arbor.ILogger
}

type chainStep struct {
	def  *Definition
	args map[string]interface{}
}

// NewChain normalizes the job's declared filters, prepends matching
// auto-process filters, and validates the byte/text typing of the chain.
func NewChain(job *models.Job, logger arbor.ILogger) (*Chain, error) {
	normalized, err := NormalizeChain(job.Filters)
	if err != nil {
		return nil, err
	}

	declared := map[string]bool{}
	for _, spec := range normalized {
		declared[spec.Name] = true
	}

	var steps []chainStep

	// Auto-process pass: filters whose Match predicate fires run first
	// without being listed explicitly.
	registryMu.RLock()
	var autoNames []string
	for name, def := range registry {
		if def.Match != nil && !declared[name] && def.Match(job) {
			autoNames = append(autoNames, name)
		}
	}
	registryMu.RUnlock()
	sort.Strings(autoNames)
	for _, name := range autoNames {
		def, _ := Lookup(name)
		steps = append(steps, chainStep{def: def})
	}

	for _, spec := range normalized {
		def, _ := Lookup(spec.Name)
		steps = append(steps, chainStep{def: def, args: spec.Args})
	}

	// Typing: a bytes-consuming filter is only valid as the chain input or
	// directly after a bytes-producing filter.
	producesBytes := true // the retrieval itself supplies bytes when asked
	for i, step := range steps {
		if step.def.BinaryInput && !step.def.AcceptsText && i > 0 && !producesBytes {
			return nil, fmt.Errorf("filter %s requires binary input but follows a text-producing filter", step.def.Name)
		}
		producesBytes = step.def.BinaryOutput
	}

	return &Chain{job: job, steps: steps, logger: logger}, nil
}

// RequiresBytes reports whether the retrieval layer should hand the chain
// raw bytes, i.e. the first filter declares binary input.
func (c *Chain) RequiresBytes() bool {
	if len(c.steps) == 0 {
		return false
	}
	return c.steps[0].def.BinaryInput
}

// Apply runs the chain over the raw artifact, producing the canonical one
func (c *Chain) Apply(ctx context.Context, data string, mime string) (string, string, error) {
	fc := &Context{Job: c.job, MIME: mime, Logger: c.logger}
	for _, step := range c.steps {
		if step.def.Deprecated != "" {
			c.logger.Warn().
				Str("filter", step.def.Name).
				Str("replacement", step.def.Deprecated).
				Msg("Filter is deprecated")
		}
		out, outMIME, err := step.def.Apply(ctx, fc, data, step.args)
		if err != nil {
			return "", "", fmt.Errorf("filter %s failed: %w", step.def.Name, err)
		}
		data = out
		if outMIME != "" {
			fc.MIME = outMIME
		}
	}
	return data, fc.MIME, nil
}

// Argument helpers shared by the catalog implementations

func stringArg(args map[string]interface{}, key, fallback string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
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

func floatArg(args map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return fallback
}

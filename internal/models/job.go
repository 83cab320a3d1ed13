package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// JobKind identifies the retrieval variant of a job
type JobKind string

const (
	JobKindURL     JobKind = "url"
	JobKindBrowser JobKind = "browser"
	JobKindShell   JobKind = "shell"
)

// FilterSpec is one normalized entry of a job's filter chain
type FilterSpec struct {
	Name string
	Args map[string]interface{}
}

// DifferSpec selects and parameterizes the job's differ (default "unified")
type DifferSpec struct {
	Name string
	Args map[string]interface{}
}

// Job describes one watched source and its retrieval parameters.
// The variant is inferred from which keys are present in the job list:
// command -> shell, use_browser: true -> browser, url alone -> url-simple.
type Job struct {
	// Common attributes
	Name              string       `yaml:"name,omitempty"`
	Filters           []FilterSpec `yaml:"filter,omitempty"`
	Differ            DifferSpec   `yaml:"differ,omitempty"`
	MaxTries          int          `yaml:"max_tries,omitempty" validate:"min=0"`
	AdditionsOnly     bool         `yaml:"additions_only,omitempty"`
	DeletionsOnly     bool         `yaml:"deletions_only,omitempty"`
	ContextLines      *int         `yaml:"contextlines,omitempty"`
	ComparedVersions  int          `yaml:"compared_versions,omitempty" validate:"min=0"`
	TreatNewAsChanged bool         `yaml:"treat_new_as_changed,omitempty"`
	UserVisibleURL    string       `yaml:"user_visible_url,omitempty"`

	// url-simple attributes
	URL                   string            `yaml:"url,omitempty"`
	Method                string            `yaml:"method,omitempty"`
	Headers               map[string]string `yaml:"headers,omitempty"`
	Cookies               map[string]string `yaml:"cookies,omitempty"`
	Body                  string            `yaml:"data,omitempty"`
	SSLNoVerify           bool              `yaml:"ssl_no_verify,omitempty"`
	HTTPProxy             string            `yaml:"http_proxy,omitempty"`
	HTTPSProxy            string            `yaml:"https_proxy,omitempty"`
	TimeoutSeconds        float64           `yaml:"timeout,omitempty"`
	NoRedirects           bool              `yaml:"no_redirects,omitempty"`
	Encoding              string            `yaml:"encoding,omitempty"`
	IgnoreConnectionError bool              `yaml:"ignore_connection_errors,omitempty"`
	IgnoreTimeoutError    bool              `yaml:"ignore_timeout_errors,omitempty"`
	IgnoreTooManyRedirect bool              `yaml:"ignore_too_many_redirects,omitempty"`
	IgnoreHTTPErrorCodes  []string          `yaml:"ignore_http_error_codes,omitempty"`
	IgnoreCached          bool              `yaml:"ignore_cached,omitempty"`

	// browser attributes
	UseBrowser        bool     `yaml:"use_browser,omitempty"`
	BlockElements     []string `yaml:"block_elements,omitempty"`
	UserDataDir       string   `yaml:"user_data_dir,omitempty"`
	Switches          []string `yaml:"switches,omitempty"`
	InitScript        string   `yaml:"initialization_js,omitempty"`
	WaitFor           string   `yaml:"wait_for,omitempty"`
	WaitUntil         string   `yaml:"wait_until,omitempty" validate:"omitempty,oneof=load domcontentloaded networkidle"`
	IgnoreHTTPSErrors bool     `yaml:"ignore_https_errors,omitempty"`

	// shell attributes
	Command string `yaml:"command,omitempty"`
}

// knownJobKeys is the set of top-level keys accepted in a job document
var knownJobKeys = map[string]bool{
	"name": true, "filter": true, "differ": true, "max_tries": true,
	"additions_only": true, "deletions_only": true, "contextlines": true,
	"compared_versions": true, "treat_new_as_changed": true,
	"user_visible_url": true,
	"url":              true, "method": true, "headers": true, "cookies": true,
	"data": true, "ssl_no_verify": true, "http_proxy": true,
	"https_proxy": true, "timeout": true, "no_redirects": true,
	"encoding": true, "ignore_connection_errors": true,
	"ignore_timeout_errors": true, "ignore_too_many_redirects": true,
	"ignore_http_error_codes": true, "ignore_cached": true,
	"use_browser": true, "block_elements": true, "user_data_dir": true,
	"switches": true, "initialization_js": true, "wait_for": true,
	"wait_until": true, "ignore_https_errors": true,
	"command": true,
}

// Kind returns the job's retrieval variant, inferred from its keys
func (j *Job) Kind() JobKind {
	switch {
	case j.Command != "":
		return JobKindShell
	case j.UseBrowser:
		return JobKindBrowser
	default:
		return JobKindURL
	}
}

// Location returns the job's canonical location string: the URL for URL and
// browser jobs, the command string for shell jobs.
func (j *Job) Location() string {
	if j.Kind() == JobKindShell {
		return j.Command
	}
	return j.URL
}

// PrettyName returns the display name, falling back to the location
func (j *Job) PrettyName() string {
	if j.Name != "" {
		return j.Name
	}
	if j.UserVisibleURL != "" {
		return j.UserVisibleURL
	}
	return j.Location()
}

// Fingerprint returns the job's stable identity: the SHA-1 hex digest of its
// canonical location string. Moving a job between files preserves it.
func (j *Job) Fingerprint() string {
	sum := sha1.Sum([]byte(j.Location()))
	return hex.EncodeToString(sum[:])
}

// DifferName returns the configured differ name, defaulting to "unified"
func (j *Job) DifferName() string {
	if j.Differ.Name == "" {
		return "unified"
	}
	return j.Differ.Name
}

// EffectiveComparedVersions clamps compared_versions to at least 1
func (j *Job) EffectiveComparedVersions() int {
	if j.ComparedVersions < 1 {
		return 1
	}
	return j.ComparedVersions
}

// EffectiveMaxTries clamps max_tries to at least 1
func (j *Job) EffectiveMaxTries() int {
	if j.MaxTries < 1 {
		return 1
	}
	return j.MaxTries
}

// EffectiveContextLines returns the unified-diff context line count: the
// per-job override when set, 0 in additions/deletions-only mode, else 3.
func (j *Job) EffectiveContextLines() int {
	if j.ContextLines != nil {
		return *j.ContextLines
	}
	if j.AdditionsOnly || j.DeletionsOnly {
		return 0
	}
	return 3
}

// Validate checks structural constraints that YAML decoding cannot express
func (j *Job) Validate() error {
	if j.Location() == "" {
		return fmt.Errorf("job requires either url or command")
	}
	if j.Command != "" && j.URL != "" {
		return fmt.Errorf("job cannot have both url and command")
	}
	if j.UseBrowser && j.URL == "" {
		return fmt.Errorf("use_browser requires a url")
	}
	if j.AdditionsOnly && j.DeletionsOnly {
		return fmt.Errorf("additions_only and deletions_only are mutually exclusive")
	}
	validate := validator.New()
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("job %s failed validation: %w", j.PrettyName(), err)
	}
	return nil
}

// UnmarshalYAML decodes a job document, rejecting unknown top-level keys and
// normalizing the filter chain and differ shorthand forms.
func (j *Job) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("job document must be a mapping, got %s", nodeKindName(node.Kind))
	}

	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !knownJobKeys[key] {
			return fmt.Errorf("unknown job key: %q", key)
		}
	}

	type plainJob Job
	var plain plainJob
	plain.Filters = nil
	// Decode filter and differ separately since both accept shorthand forms
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]
		switch key {
		case "filter":
			chain, err := decodeFilterChain(value)
			if err != nil {
				return err
			}
			plain.Filters = chain
		case "differ":
			differ, err := decodeDifferSpec(value)
			if err != nil {
				return err
			}
			plain.Differ = differ
		default:
			if err := decodeField(key, value, &plain); err != nil {
				return err
			}
		}
	}

	*j = Job(plain)
	return nil
}

// decodeField decodes a single key/value pair into the job by rebuilding a
// one-entry mapping and letting yaml handle the field tag lookup.
func decodeField(key string, value *yaml.Node, out interface{}) error {
	doc := &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: key},
			value,
		},
	}
	if err := doc.Decode(out); err != nil {
		return fmt.Errorf("invalid value for job key %q: %w", key, err)
	}
	return nil
}

// decodeFilterChain accepts a string, a list of strings, or a list whose
// items are strings or single-key maps {name: scalar-or-map}.
func decodeFilterChain(node *yaml.Node) ([]FilterSpec, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return nil, fmt.Errorf("invalid filter entry: %w", err)
		}
		return []FilterSpec{{Name: name}}, nil
	case yaml.SequenceNode:
		chain := make([]FilterSpec, 0, len(node.Content))
		for _, item := range node.Content {
			spec, err := decodeFilterItem(item)
			if err != nil {
				return nil, err
			}
			chain = append(chain, spec)
		}
		return chain, nil
	default:
		return nil, fmt.Errorf("filter must be a string or a list, got %s", nodeKindName(node.Kind))
	}
}

func decodeFilterItem(node *yaml.Node) (FilterSpec, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return FilterSpec{}, fmt.Errorf("invalid filter entry: %w", err)
		}
		return FilterSpec{Name: name}, nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return FilterSpec{}, fmt.Errorf("filter map entry must have exactly one key")
		}
		name := node.Content[0].Value
		args, err := decodeArgs(node.Content[1])
		if err != nil {
			return FilterSpec{}, fmt.Errorf("invalid arguments for filter %q: %w", name, err)
		}
		return FilterSpec{Name: name, Args: args}, nil
	default:
		return FilterSpec{}, fmt.Errorf("filter entry must be a string or a single-key map")
	}
}

func decodeDifferSpec(node *yaml.Node) (DifferSpec, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return DifferSpec{}, fmt.Errorf("invalid differ entry: %w", err)
		}
		return DifferSpec{Name: name}, nil
	case yaml.MappingNode:
		// Either {name: args...} shorthand or a full {name: x, ...} map with
		// a "name" key; the single-key form matches the filter shorthand.
		if len(node.Content) == 2 && node.Content[0].Value != "name" {
			name := node.Content[0].Value
			args, err := decodeArgs(node.Content[1])
			if err != nil {
				return DifferSpec{}, fmt.Errorf("invalid arguments for differ %q: %w", name, err)
			}
			return DifferSpec{Name: name, Args: args}, nil
		}
		var full struct {
			Name string `yaml:"name"`
		}
		if err := node.Decode(&full); err != nil {
			return DifferSpec{}, fmt.Errorf("invalid differ entry: %w", err)
		}
		args := map[string]interface{}{}
		for i := 0; i < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if key == "name" {
				continue
			}
			var v interface{}
			if err := node.Content[i+1].Decode(&v); err != nil {
				return DifferSpec{}, fmt.Errorf("invalid differ argument %q: %w", key, err)
			}
			args[key] = v
		}
		if len(args) == 0 {
			args = nil
		}
		return DifferSpec{Name: full.Name, Args: args}, nil
	default:
		return DifferSpec{}, fmt.Errorf("differ must be a string or a map")
	}
}

// decodeArgs maps a scalar to the empty-key convention (bound later to the
// filter's default sub-directive) and a mapping to a plain args map.
func decodeArgs(node *yaml.Node) (map[string]interface{}, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var v interface{}
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return map[string]interface{}{"": v}, nil
	case yaml.MappingNode:
		var m map[string]interface{}
		if err := node.Decode(&m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("arguments must be a scalar or a mapping")
	}
}

func nodeKindName(kind yaml.Kind) string {
	switch kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}

// ParseJobs reads a multi-document YAML stream of jobs. Empty documents are
// skipped; every decoded job is validated before being returned.
func ParseJobs(r io.Reader) ([]*Job, error) {
	decoder := yaml.NewDecoder(r)
	var jobs []*Job
	index := 0
	for {
		var node yaml.Node
		err := decoder.Decode(&node)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse job %d: %w", index+1, err)
		}
		if node.Kind == 0 || (node.Kind == yaml.DocumentNode && len(node.Content) == 0) {
			continue
		}
		index++
		var job Job
		if err := node.Decode(&job); err != nil {
			return nil, fmt.Errorf("job %d: %w", index, err)
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", index, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// MarshalYAML renders the job back to its job-list form, keeping the filter
// chain and differ in their compact shapes.
func (j Job) MarshalYAML() (interface{}, error) {
	type plainJob Job
	node := &yaml.Node{}
	plain := plainJob(j)
	filters := plain.Filters
	differ := plain.Differ
	plain.Filters = nil
	plain.Differ = DifferSpec{}
	if err := node.Encode(plain); err != nil {
		return nil, err
	}
	if len(filters) > 0 {
		items := make([]interface{}, 0, len(filters))
		for _, f := range filters {
			if len(f.Args) == 0 {
				items = append(items, f.Name)
			} else {
				items = append(items, map[string]interface{}{f.Name: f.Args})
			}
		}
		appendMapping(node, "filter", items)
	}
	if differ.Name != "" {
		if len(differ.Args) == 0 {
			appendMapping(node, "differ", differ.Name)
		} else {
			appendMapping(node, "differ", map[string]interface{}{differ.Name: differ.Args})
		}
	}
	return node, nil
}

func appendMapping(node *yaml.Node, key string, value interface{}) {
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
	valueNode := &yaml.Node{}
	_ = valueNode.Encode(value)
	node.Content = append(node.Content, keyNode, valueNode)
}

// SerializeJobs writes jobs as a multi-document YAML stream
func SerializeJobs(w io.Writer, jobs []*Job) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	for _, job := range jobs {
		if err := encoder.Encode(job); err != nil {
			return fmt.Errorf("failed to serialize job %s: %w", job.PrettyName(), err)
		}
	}
	return nil
}

// MergeDefaults applies a defaults map onto the job for any key the job list
// did not set explicitly. Used for job_defaults.{all,url,browser,shell};
// callers pass the more-specific map first so its keys win over later maps.
func (j *Job) MergeDefaults(defaults map[string]interface{}) error {
	if len(defaults) == 0 {
		return nil
	}
	// Round-trip through YAML so defaults use the same key names and
	// shorthand forms as the job list itself.
	explicit := map[string]bool{}
	raw, err := yaml.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to merge job defaults: %w", err)
	}
	var current map[string]interface{}
	if err := yaml.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("failed to merge job defaults: %w", err)
	}
	for key := range current {
		explicit[key] = true
	}

	merged := map[string]interface{}{}
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !knownJobKeys[key] {
			return fmt.Errorf("unknown job default key: %q", key)
		}
		if !explicit[key] {
			merged[key] = defaults[key]
		}
	}
	if len(merged) == 0 {
		return nil
	}
	for key := range current {
		merged[key] = current[key]
	}

	out, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to merge job defaults: %w", err)
	}
	var rebuilt Job
	if err := yaml.Unmarshal(out, &rebuilt); err != nil {
		return fmt.Errorf("failed to merge job defaults: %w", err)
	}
	*j = rebuilt
	return nil
}

// GuessKindFromKeys reports the variant a raw job mapping would produce,
// used by defaults merging to pick the per-kind section.
func GuessKindFromKeys(m map[string]interface{}) JobKind {
	if _, ok := m["command"]; ok {
		return JobKindShell
	}
	if v, ok := m["use_browser"]; ok {
		if b, ok := v.(bool); ok && b {
			return JobKindBrowser
		}
	}
	return JobKindURL
}

// NormalizeStatusCodeList validates an ignore_http_error_codes list, which
// accepts exact codes ("418") and class wildcards ("4xx", "5xx").
func NormalizeStatusCodeList(codes []string) error {
	for _, code := range codes {
		c := strings.ToLower(strings.TrimSpace(code))
		if c == "4xx" || c == "5xx" {
			continue
		}
		if len(c) == 3 && c[0] >= '1' && c[0] <= '5' && isDigits(c) {
			continue
		}
		return fmt.Errorf("invalid ignore_http_error_codes entry: %q", code)
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

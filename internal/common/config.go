package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	JobDefaults JobDefaultsConfig `yaml:"job_defaults"`
	Report      ReportConfig      `yaml:"report"`
	Logging     LoggingConfig     `yaml:"logging"`
	Workers     WorkersConfig     `yaml:"workers"`
	Browser     BrowserConfig     `yaml:"browser"`
}

// DatabaseConfig selects and configures the snapshot store backing
type DatabaseConfig struct {
	Engine       string `yaml:"engine" validate:"omitempty,oneof=badger sqlite3 textfiles redis minidb"`
	Path         string `yaml:"path"`          // Store directory (badger/textfiles) or file (legacy)
	Address      string `yaml:"address"`       // Server address for the redis engine
	MaxSnapshots int    `yaml:"max_snapshots"` // Per-fingerprint retention applied by clean_cache (0 = unlimited)
}

// JobDefaultsConfig holds defaults merged into each job before processing.
// More-specific sections override less-specific ones (all < url/browser/shell).
type JobDefaultsConfig struct {
	All     map[string]interface{} `yaml:"all"`
	URL     map[string]interface{} `yaml:"url"`
	Browser map[string]interface{} `yaml:"browser"`
	Shell   map[string]interface{} `yaml:"shell"`
}

// ReportConfig holds the report-facing settings the core consumes
type ReportConfig struct {
	TZ string `yaml:"tz"` // IANA timezone name used for diff header timestamps
}

type LoggingConfig struct {
	Level  string   `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Output []string `yaml:"output"` // "stdout", "file"
}

// WorkersConfig bounds the orchestrator worker pool
type WorkersConfig struct {
	Count int `yaml:"count" validate:"omitempty,min=1"`
}

// BrowserConfig configures the shared headless-browser driver
type BrowserConfig struct {
	Headless   bool   `yaml:"headless"`
	DisableGPU bool   `yaml:"disable_gpu"`
	NoSandbox  bool   `yaml:"no_sandbox"`
	UserAgent  string `yaml:"user_agent"`
}

// DefaultConfig returns the built-in configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Engine: "badger",
			Path:   DefaultDatabasePath(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Workers: WorkersConfig{
			Count: defaultWorkerCount(),
		},
		Browser: BrowserConfig{
			Headless:   true,
			DisableGPU: true,
		},
	}
}

func defaultWorkerCount() int {
	n := runtime.NumCPU()
	if n > 10 {
		n = 10
	}
	if n < 1 {
		n = 1
	}
	return n
}

// LoadFromFiles loads configuration from one or more YAML files.
// Later files override earlier ones; defaults apply first.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	// sqlite3 is the historical name of the default embedded engine
	if config.Database.Engine == "sqlite3" {
		config.Database.Engine = "badger"
	}

	return config, nil
}

// Validate checks the configuration against its declared constraints
func Validate(config *Config) error {
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			field := verrs[0]
			return fmt.Errorf("invalid configuration: field %s failed %s validation", strings.ToLower(field.Namespace()), field.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		*target = verrs
		return true
	}
	return false
}

// DefaultDatabasePath returns the default snapshot database location
func DefaultDatabasePath() string {
	return filepath.Join(dataDir(), "snapshots")
}

// DefaultJobsPath returns the default job list location
func DefaultJobsPath() string {
	return filepath.Join(configDir(), "jobs.yaml")
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "vigil.yaml")
}

// DefaultHooksPath returns the default hooks file location
func DefaultHooksPath() string {
	return filepath.Join(configDir(), "hooks.yaml")
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "vigil")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "vigil")
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "vigil")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "vigil")
}

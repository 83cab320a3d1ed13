package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "badger", config.Database.Engine)
	assert.NotEmpty(t, config.Database.Path)
	assert.Equal(t, "info", config.Logging.Level)
	assert.GreaterOrEqual(t, config.Workers.Count, 1)
	assert.LessOrEqual(t, config.Workers.Count, 10)
	assert.True(t, config.Browser.Headless)
}

func TestLoadFromFiles(t *testing.T) {
	path := writeConfig(t, `
database:
  engine: textfiles
  path: /tmp/vigil-test
workers:
  count: 3
report:
  tz: Europe/Berlin
`)
	config, err := LoadFromFiles(path)
	require.NoError(t, err)
	assert.Equal(t, "textfiles", config.Database.Engine)
	assert.Equal(t, "/tmp/vigil-test", config.Database.Path)
	assert.Equal(t, 3, config.Workers.Count)
	assert.Equal(t, "Europe/Berlin", config.Report.TZ)
	// Unset sections keep their defaults
	assert.Equal(t, "info", config.Logging.Level)
}

func TestLoadFromFiles_LaterFileWins(t *testing.T) {
	base := writeConfig(t, "workers:\n  count: 2\nlogging:\n  level: debug\n")
	override := writeConfig(t, "workers:\n  count: 5\n")

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)
	assert.Equal(t, 5, config.Workers.Count)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestLoadFromFiles_SQLiteAlias(t *testing.T) {
	path := writeConfig(t, "database:\n  engine: sqlite3\n")
	config, err := LoadFromFiles(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", config.Database.Engine)
}

func TestLoadFromFiles_InvalidEngine(t *testing.T) {
	path := writeConfig(t, "database:\n  engine: mongodb\n")
	_, err := LoadFromFiles(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadFromFiles_InvalidWorkerCount(t *testing.T) {
	path := writeConfig(t, "workers:\n  count: -1\n")
	_, err := LoadFromFiles(path)
	require.Error(t, err)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()

	safe := filepath.Join(dir, "hooks.go")
	require.NoError(t, os.WriteFile(safe, []byte("package hooks\n"), 0o600))
	assert.NoError(t, ValidateFile(safe))

	loose := filepath.Join(dir, "loose.go")
	require.NoError(t, os.WriteFile(loose, []byte("package hooks\n"), 0o600))
	// Chmod directly; WriteFile permissions are narrowed by the umask
	require.NoError(t, os.Chmod(loose, 0o666))
	err := ValidateFile(loose)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world-writable")
}

func TestValidateFile_Missing(t *testing.T) {
	err := ValidateFile(filepath.Join(t.TempDir(), "absent.go"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

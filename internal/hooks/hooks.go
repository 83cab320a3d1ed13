// Package hooks carries the extension points for user-provided job variants,
// filters, and differs. Extensions register through the filter and differ
// registries at init time; the hooks file on disk is only consulted for its
// safety properties before any registered extension is activated.
package hooks

import (
	"fmt"
	"os"
	"sync"

	"github.com/ternarybob/arbor"
)

// InitFunc is one hook registration entry point. Registered funcs typically
// call filters.Register and differs.Register.
type InitFunc func() error

var (
	mu    sync.Mutex
	inits []InitFunc
	ran   bool
)

// Register queues a hook init func. Safe to call from package init.
func Register(fn InitFunc) {
	mu.Lock()
	defer mu.Unlock()
	inits = append(inits, fn)
}

// Activate runs every registered hook init once. When a hooks file path is
// given it is permission-checked first; a missing file is not an error.
func Activate(path string, logger arbor.ILogger) error {
	mu.Lock()
	defer mu.Unlock()
	if ran {
		return nil
	}

	if path != "" {
		if err := ValidateFile(path); err != nil {
			if os.IsNotExist(err) {
				logger.Debug().Str("path", path).Msg("No hooks file present")
			} else {
				return err
			}
		} else {
			logger.Info().Str("path", path).Msg("Hooks file validated")
		}
	}

	for _, fn := range inits {
		if err := fn(); err != nil {
			return fmt.Errorf("hook registration failed: %w", err)
		}
	}
	ran = true
	return nil
}

// ValidateFile rejects a hooks file that other users could tamper with:
// world-writable files and files not owned by the current user on POSIX.
func ValidateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("hooks file %s is world-writable; refusing to load", path)
	}

	return validateOwner(path, info)
}

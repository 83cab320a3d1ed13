//go:build windows

package hooks

import "os"

func validateOwner(path string, info os.FileInfo) error {
	// Windows has no POSIX ownership model; the world-writable check in
	// ValidateFile is the only enforceable guard.
	return nil
}

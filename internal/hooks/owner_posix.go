//go:build !windows

package hooks

import (
	"fmt"
	"os"
	"syscall"
)

func validateOwner(path string, info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if ok && int(stat.Uid) != os.Getuid() {
		return fmt.Errorf("hooks file %s is not owned by the current user; refusing to load", path)
	}
	return nil
}

//go:build !windows

package fsutil

import (
	"os"
	"syscall"
)

// sameFile compares (st_dev, st_ino) — the POSIX notion of "same file" /
// hardlinked-together, per §9's platform caveat.
func sameFile(path1, path2 string) bool {
	info1, err := os.Stat(path1)
	if err != nil {
		return false
	}
	info2, err := os.Stat(path2)
	if err != nil {
		return false
	}
	stat1, ok := info1.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	stat2, ok := info2.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return stat1.Dev == stat2.Dev && stat1.Ino == stat2.Ino
}

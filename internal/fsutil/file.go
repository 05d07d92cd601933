package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirs creates all given directories with 0o750 permissions.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ValidFile returns true if path is a regular file with size > 0.
func ValidFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// SameFile reports whether path1 and path2 refer to the same underlying
// file (i.e. are hardlinked together). The concrete comparison is
// platform-specific: POSIX compares (st_dev, st_ino); Windows compares
// volume serial + file index. See identity_unix.go / identity_windows.go.
func SameFile(path1, path2 string) bool {
	return sameFile(path1, path2)
}

// RemoveMatching scans dir (non-recursively) and removes entries for which
// match returns true. Returns one error per entry that could not be removed.
func RemoveMatching(dir string, match func(os.DirEntry) bool, onRemoved func(path string)) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{fmt.Errorf("read %s: %w", dir, err)}
	}

	var errs []error
	for _, e := range entries {
		if !match(e) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		} else if onRemoved != nil {
			onRemoved(path)
		}
	}
	return errs
}

// Package errs defines the sentinel error kinds from the error-handling
// design: callers match with errors.Is and wrap with fmt.Errorf("...: %w").
package errs

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Sentinel kinds. Concrete errors returned by the core wrap one of these
// with path/digest context via fmt.Errorf("...: %w", Kind).
var (
	// ErrVolumeMismatch is returned when a hardlink fails because the
	// source and destination are not on the same physical volume.
	ErrVolumeMismatch = errors.New("volume mismatch: hardlink not possible across volumes")

	// ErrCorruptIndex is returned when index.json fails to parse.
	ErrCorruptIndex = errors.New("corrupt blob index")

	// ErrProfileNotFound is returned when an operation is given an unknown profile.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrBlobMissing is returned when a plan references a digest whose
	// blob file is absent from the store.
	ErrBlobMissing = errors.New("blob missing")

	// ErrConflict is returned when a build is already running for a profile.
	ErrConflict = errors.New("conflicting operation already in progress for this profile")

	// ErrInvalidName is returned for profile names or relative paths that
	// fail the validation rules in ValidateProfileName / ValidateRelPath.
	ErrInvalidName = errors.New("invalid name")

	// ErrNoBaseCounterpart is returned by revert_to_base when the path has
	// no base-installation counterpart to revert to.
	ErrNoBaseCounterpart = errors.New("no base counterpart to revert to")
)

// reservedNameChars mirrors the filesystem-hostile characters rejected
// from profile names.
const reservedNameChars = `/\:*?"<>|`

// ValidateProfileName rejects empty/whitespace-only names and names
// containing filesystem-hostile characters.
func ValidateProfileName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, reservedNameChars) {
		return fmt.Errorf("profile name %q: %w", name, ErrInvalidName)
	}
	return nil
}

// ValidateRelPath rejects a plan entry's relative path if it is empty,
// absolute, or escapes its root via "..", per spec §8 scenario 6
// ("plan entries whose resolved rel_path escapes <base> or
// <workspace> are rejected").
func ValidateRelPath(relPath string) error {
	if relPath == "" || filepath.IsAbs(relPath) {
		return fmt.Errorf("rel_path %q: %w", relPath, ErrInvalidName)
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("rel_path %q escapes root: %w", relPath, ErrInvalidName)
	}
	return nil
}

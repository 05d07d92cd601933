// Package storage provides a small generic, flock-protected read/modify/
// write wrapper over a JSON file, used by components that persist a
// single structured document (the profile registry). The blob index
// has its own load/save in internal/blobstore.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/deltaruntime/overlayrt/internal/fsutil"
	"github.com/deltaruntime/overlayrt/internal/lock"
	"github.com/deltaruntime/overlayrt/internal/lock/flock"
)

// Initer lets a stored type fix up its zero value after a fresh load
// (e.g. initializing a nil map) before the caller's function runs.
type Initer interface {
	Init()
}

// Store provides flock-protected read/modify/write access to a JSON
// file. T is the document type; if *T implements Initer, Init is called
// after every load.
type Store[T any] struct {
	lockPath string
	filePath string
}

// New creates a Store for the given lock and data file paths.
func New[T any](lockPath, filePath string) *Store[T] {
	return &Store[T]{lockPath: lockPath, filePath: filePath}
}

// With loads the JSON file under flock and passes the deserialized data
// to fn. A missing file yields a zero-value T. The lock is held for the
// duration of fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, flock.New(s.lockPath), func() error {
		var data T
		raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal metadata
		if err != nil {
			if os.IsNotExist(err) {
				initData(&data)
				return fn(&data)
			}
			return fmt.Errorf("read %s: %w", s.filePath, err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parse %s: %w", s.filePath, err)
		}
		initData(&data)
		return fn(&data)
	})
}

// Update performs a read-modify-write on the JSON file under flock. If
// fn returns nil the data is atomically written back.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return s.With(ctx, func(data *T) error {
		if err := fn(data); err != nil {
			return err
		}
		return fsutil.AtomicWriteJSON(s.filePath, data)
	})
}

func initData[T any](data *T) {
	if initer, ok := any(data).(Initer); ok {
		initer.Init()
	}
}

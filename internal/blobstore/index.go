package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/deltaruntime/overlayrt/internal/errs"
	"github.com/deltaruntime/overlayrt/internal/fsutil"
	"github.com/deltaruntime/overlayrt/internal/lock"
)

// Ref is one logical user of a blob: a (profile, relative path) pair.
type Ref struct {
	Profile string `json:"profile"`
	RelPath string `json:"rel_path"`
}

// index is the persistent digest -> reference-set mapping backing
// index.json. Every key has at least one reference; removeRef deletes a
// key once its set becomes empty.
type index struct {
	Refs map[string][]Ref `json:"refs"`
}

func newIndex() *index {
	return &index{Refs: make(map[string][]Ref)}
}

// load reads index.json from path. A missing file yields an empty index;
// a malformed file is reported as errs.ErrCorruptIndex.
func load(path string) (*index, error) {
	idx := newIndex()
	data, err := os.ReadFile(path) //nolint:gosec // internal metadata path
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w: %w", path, errs.ErrCorruptIndex, err)
	}
	if idx.Refs == nil {
		idx.Refs = make(map[string][]Ref)
	}
	return idx, nil
}

func save(path string, idx *index) error {
	return fsutil.AtomicWriteJSON(path, idx)
}

// addRef inserts (profile, relPath) into digest's reference set if absent.
// Duplicate adds are no-ops.
func (idx *index) addRef(digest Digest, profile, relPath string) {
	key := digest.String()
	ref := Ref{Profile: profile, RelPath: relPath}
	for _, r := range idx.Refs[key] {
		if r == ref {
			return
		}
	}
	idx.Refs[key] = append(idx.Refs[key], ref)
}

// removeRef removes (profile, relPath) from digest's reference set.
// Returns true iff the set is now empty (and has been pruned), or the
// digest had no entry to begin with.
func (idx *index) removeRef(digest Digest, profile, relPath string) bool {
	key := digest.String()
	refs, ok := idx.Refs[key]
	if !ok {
		return true
	}
	out := refs[:0]
	for _, r := range refs {
		if r.Profile == profile && r.RelPath == relPath {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		delete(idx.Refs, key)
		return true
	}
	idx.Refs[key] = out
	return false
}

// findRef returns the digest currently holding a reference for
// (profile, relPath), if any. A (profile, relPath) pair maps to at most
// one digest at a time.
func (idx *index) findRef(profile, relPath string) (Digest, bool) {
	for key, refs := range idx.Refs {
		for _, r := range refs {
			if r.Profile == profile && r.RelPath == relPath {
				return Digest(key), true
			}
		}
	}
	return "", false
}

// gcEligible reports whether digest currently has no references.
func (idx *index) gcEligible(digest Digest) bool {
	_, ok := idx.Refs[digest.String()]
	return !ok
}

// withIndex loads the index under lock, runs fn, and discards any mutation.
func withIndex(ctx context.Context, l lock.Locker, path string, fn func(*index) error) error {
	return lock.WithLock(ctx, l, func() error {
		idx, err := load(path)
		if err != nil {
			return err
		}
		return fn(idx)
	})
}

// updateIndex loads the index under lock, runs fn, and if fn succeeds persists
// the (possibly mutated) index back to path.
func updateIndex(ctx context.Context, l lock.Locker, path string, fn func(*index) error) error {
	return lock.WithLock(ctx, l, func() error {
		idx, err := load(path)
		if err != nil {
			return err
		}
		if err := fn(idx); err != nil {
			return err
		}
		return save(path, idx)
	})
}

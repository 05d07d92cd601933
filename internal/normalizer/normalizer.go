// Package normalizer watches a profile's workspace and converts freshly
// written files into hardlinks into the blob store, debounced and
// idempotent. See SPEC_FULL.md §4.3.
package normalizer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"

	"github.com/deltaruntime/overlayrt/internal/blobstore"
	"github.com/deltaruntime/overlayrt/internal/eventbus"
	"github.com/deltaruntime/overlayrt/internal/fsutil"
)

const (
	debounceWindow = 200 * time.Millisecond
	pollInterval   = 50 * time.Millisecond
)

// Kind is the normalized event kind after translating fsnotify ops.
type Kind int

const (
	Created Kind = iota
	Modified
	Deleted
	Renamed
)

// NormalizedEvent is emitted to the application after a flush that
// produced at least one normalization. Deletions alone never trigger it.
type NormalizedEvent struct {
	Count int
}

// Normalizer watches one profile's workspace directory.
type Normalizer struct {
	profile   string
	workspace string
	store     *blobstore.Store
	tracker   eventbus.Tracker

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]pendingEvent
}

type pendingEvent struct {
	kind Kind
	at   time.Time
}

// New creates a Normalizer for profile's workspace directory. tracker
// may be eventbus.Nop if the caller doesn't need the normalized
// notification.
func New(profile, workspace string, store *blobstore.Store, tracker eventbus.Tracker) *Normalizer {
	if tracker == nil {
		tracker = eventbus.Nop
	}
	return &Normalizer{
		profile:   profile,
		workspace: workspace,
		store:     store,
		tracker:   tracker,
		pending:   make(map[string]pendingEvent),
	}
}

// Run watches the workspace until ctx is cancelled or the watcher
// channel disconnects. It blocks; callers typically run it in a
// goroutine. A per-file failure during flush is logged as a warning and
// skipped. Run returns nil when ctx is cancelled, an error when the
// watcher cannot be set up, and errDisconnected when a watcher channel
// closes.
func (n *Normalizer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	n.watcher = watcher
	defer watcher.Close() //nolint:errcheck

	if err := addRecursive(watcher, n.workspace); err != nil {
		return err
	}

	logger := log.WithFunc("normalizer.Run")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errDisconnected
			}
			n.recordEvent(event)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return errDisconnected
			}
			// A single watch error is not fatal; keep going.
			logger.Warnf(ctx, "%s: watch error: %v", n.profile, watchErr)
		case <-ticker.C:
			n.flushExpired(ctx)
		}
	}
}

var errDisconnected = &disconnectError{}

type disconnectError struct{}

func (*disconnectError) Error() string { return "workspace watcher channel disconnected" }

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// recordEvent filters and coalesces a raw fsnotify event into the
// debounce map, keyed by absolute path. The same path's latest event
// overwrites earlier ones within a burst.
func (n *Normalizer) recordEvent(event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)
	if statErr == nil && info.IsDir() {
		// New directories must be watched too, but are never themselves
		// normalized.
		if event.Op&fsnotify.Create != 0 {
			_ = n.watcher.Add(event.Name)
		}
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	var kind Kind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = Created
	case event.Op&fsnotify.Write != 0 || event.Op&fsnotify.Chmod != 0:
		kind = Modified
	case event.Op&fsnotify.Remove != 0:
		kind = Deleted
	case event.Op&fsnotify.Rename != 0:
		kind = Renamed
	default:
		return
	}

	n.mu.Lock()
	n.pending[event.Name] = pendingEvent{kind: kind, at: time.Now()}
	n.mu.Unlock()
}

// flushExpired processes every pending event whose quiet window has
// elapsed and emits one NormalizedEvent for the batch if any file was
// normalized.
func (n *Normalizer) flushExpired(ctx context.Context) {
	cutoff := time.Now().Add(-debounceWindow)

	n.mu.Lock()
	var ready []string
	for path, ev := range n.pending {
		if ev.at.Before(cutoff) {
			ready = append(ready, path)
		}
	}
	events := make(map[string]pendingEvent, len(ready))
	for _, path := range ready {
		events[path] = n.pending[path]
		delete(n.pending, path)
	}
	n.mu.Unlock()

	if len(events) == 0 {
		return
	}

	logger := log.WithFunc("normalizer.flushExpired")
	normalized := 0
	for path, ev := range events {
		ok, err := n.processOne(ctx, path, ev.kind)
		if err != nil {
			// Per-file failure: logged and skipped, batch continues (§4.3).
			logger.Warnf(ctx, "%s: normalize %s: %v", n.profile, n.relPath(path), err)
			continue
		}
		if ok {
			normalized++
		}
	}
	if normalized > 0 {
		n.tracker.OnEvent(NormalizedEvent{Count: normalized})
	}
}

func (n *Normalizer) relPath(absPath string) string {
	rel, err := filepath.Rel(n.workspace, absPath)
	if err != nil {
		return absPath
	}
	return rel
}

// processOne applies one debounced event. Returns normalized=true iff a
// file was newly hardlinked into the blob store (used for the
// normalized-count notification; deletions never count).
func (n *Normalizer) processOne(ctx context.Context, absPath string, kind Kind) (normalized bool, err error) {
	rel := n.relPath(absPath)

	if kind == Deleted {
		digest, found, lookupErr := n.store.Lookup(ctx, n.profile, rel)
		if lookupErr != nil {
			return false, lookupErr
		}
		if !found {
			return false, nil
		}
		gcEligible, rmErr := n.store.RemoveRef(ctx, digest, n.profile, rel)
		if rmErr != nil {
			return false, rmErr
		}
		if gcEligible {
			_, _ = n.store.GC(ctx, digest)
		}
		return false, nil
	}

	// Created / Modified / Renamed-to.
	if _, statErr := os.Stat(absPath); statErr != nil {
		if os.IsNotExist(statErr) {
			return false, nil
		}
		return false, statErr
	}

	digest, blobPath, err := peekDigest(n.store, absPath)
	if err != nil {
		return false, err
	}

	if fsutil.ValidFile(blobPath) && fsutil.SameFile(absPath, blobPath) {
		// Already normalized; just make sure the reference is current.
		if addErr := n.store.AddRef(ctx, digest, n.profile, rel); addErr != nil {
			return false, addErr
		}
		return false, nil
	}

	// Detach and GC the prior blob before committing the new reference,
	// so a content change never leaves the old blob dangling.
	if _, replaceErr := n.store.ReplaceRef(ctx, n.profile, rel); replaceErr != nil {
		return false, replaceErr
	}

	ensuredDigest, ensuredPath, err := n.store.Ensure(absPath)
	if err != nil {
		return false, err
	}
	if err := n.store.AddRef(ctx, ensuredDigest, n.profile, rel); err != nil {
		return false, err
	}

	// Delete-then-materialize, ordered so a crash mid-operation leaves
	// either the original file or nothing — the latter is recoverable
	// because the blob already holds the content.
	if err := os.Remove(absPath); err != nil {
		return false, err
	}
	if err := n.store.Materialize(absPath, ensuredDigest); err != nil {
		return false, err
	}
	_ = ensuredPath
	return true, nil
}

// peekDigest hashes path without mutating the store, used only to check
// the already-normalized fast path.
func peekDigest(store *blobstore.Store, path string) (blobstore.Digest, string, error) {
	digest, err := blobstore.Hash(path)
	if err != nil {
		return "", "", err
	}
	return digest, store.BlobPath(digest), nil
}

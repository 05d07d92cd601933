package normalizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deltaruntime/overlayrt/internal/blobstore"
	"github.com/deltaruntime/overlayrt/internal/eventbus"
)

func TestDebounceCoalescesBurstIntoOneBlob(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	cache := t.TempDir()
	store, err := blobstore.New(cache)
	require.NoError(t, err)

	var events []NormalizedEvent
	tracker := eventbus.NewTracker(func(e NormalizedEvent) { events = append(events, e) })

	n := New("P", workspace, store, tracker)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(runCtx) }()

	// Give the watcher a moment to establish watches before writing.
	time.Sleep(30 * time.Millisecond)

	target := filepath.Join(workspace, "config.ini")
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(target, []byte(contentFor(i)), 0o644))
		time.Sleep(15 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		digest, found, lookupErr := store.Lookup(ctx, "P", "config.ini")
		if lookupErr != nil || !found {
			return false
		}
		content, readErr := os.ReadFile(store.BlobPath(digest))
		return readErr == nil && string(content) == contentFor(9)
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func contentFor(i int) string {
	return "write-" + string(rune('0'+i))
}

func TestDeletedFileRemovesReference(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	cache := t.TempDir()
	store, err := blobstore.New(cache)
	require.NoError(t, err)

	n := New("P", workspace, store, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(runCtx) }()

	// Run only reacts to watcher events, so the file must be written after
	// the watches are established for it to be normalized at all.
	time.Sleep(30 * time.Millisecond)

	target := filepath.Join(workspace, "gone.txt")
	require.NoError(t, os.WriteFile(target, []byte("bye"), 0o644))

	require.Eventually(t, func() bool {
		_, found, lookupErr := store.Lookup(ctx, "P", "gone.txt")
		return lookupErr == nil && found
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(target))

	require.Eventually(t, func() bool {
		_, found, lookupErr := store.Lookup(ctx, "P", "gone.txt")
		return lookupErr == nil && !found
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

package runtimebuild

import (
	"context"
	goerrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltaruntime/overlayrt/internal/blobstore"
	"github.com/deltaruntime/overlayrt/internal/errs"
	"github.com/deltaruntime/overlayrt/internal/lock/flock"
	"github.com/deltaruntime/overlayrt/internal/plan"
)

// flockForTest acquires path's build lock for the duration of the test,
// simulating a concurrent in-progress build.
func flockForTest(t *testing.T, path string) *flock.Lock {
	t.Helper()
	l := flock.New(path)
	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return l
}

func TestBuildMaterializesBaseAndBlobEntries(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "base.txt"), []byte("from base"), 0o644))

	cache := t.TempDir()
	store, err := blobstore.New(cache)
	require.NoError(t, err)

	overrideSrc := filepath.Join(t.TempDir(), "handling.cfg")
	require.NoError(t, os.WriteFile(overrideSrc, []byte("v2"), 0o644))
	digest, _, err := store.Ensure(overrideSrc)
	require.NoError(t, err)
	require.NoError(t, store.AddRef(ctx, digest, "P", "data/handling.cfg"))

	runtimesDir := t.TempDir()
	b := New(base, runtimesDir, store, 2)

	p := &plan.Plan{
		ProfileName: "P",
		TotalFiles:  2,
		TotalSize:   int64(len("from base") + len("v2")),
		BaseFiles:   1,
		BlobFiles:   1,
		Entries: []plan.Entry{
			{RelPath: "base.txt", Source: plan.EntrySource{Kind: plan.SourceBase}, Size: int64(len("from base"))},
			{RelPath: "data/handling.cfg", Source: plan.EntrySource{Kind: plan.SourceBlob, Digest: digest}, Size: int64(len("v2")), IsOverride: true, HasBase: true},
		},
	}

	var phases []Phase
	result, err := b.Build(ctx, "P", p, func(pr Progress) { phases = append(phases, pr.Phase) })
	require.NoError(t, err)
	require.Equal(t, 2, result.TotalFiles)

	latest := filepath.Join(runtimesDir, "P-latest")
	content, err := os.ReadFile(filepath.Join(latest, "base.txt"))
	require.NoError(t, err)
	require.Equal(t, "from base", string(content))

	content, err = os.ReadFile(filepath.Join(latest, "data", "handling.cfg"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(content))

	// The override file must be hardlinked to the blob, not the base file.
	blobInfo, err := os.Stat(store.BlobPath(digest))
	require.NoError(t, err)
	overrideInfo, err := os.Stat(filepath.Join(latest, "data", "handling.cfg"))
	require.NoError(t, err)
	require.True(t, os.SameFile(blobInfo, overrideInfo))

	require.Contains(t, phases, PhaseComplete)

	entries, err := os.ReadDir(runtimesDir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), "-tmp")
	}
}

func TestBuildRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	cache := t.TempDir()
	store, err := blobstore.New(cache)
	require.NoError(t, err)
	runtimesDir := t.TempDir()
	b := New(base, runtimesDir, store, 1)

	p := &plan.Plan{
		ProfileName: "P", TotalFiles: 1, BaseFiles: 1,
		Entries: []plan.Entry{{RelPath: "../escape.txt", Source: plan.EntrySource{Kind: plan.SourceBase}, Size: 1}},
	}
	_, err = b.Build(ctx, "P", p, nil)
	require.Error(t, err)
	require.True(t, goerrors.Is(err, errs.ErrInvalidName))

	_, statErr := os.Stat(filepath.Join(runtimesDir, "..", "escape.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestBuildRejectsConcurrentBuildForSameProfile(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "ok.txt"), []byte("ok"), 0o644))
	cache := t.TempDir()
	store, err := blobstore.New(cache)
	require.NoError(t, err)
	runtimesDir := t.TempDir()
	b := New(base, runtimesDir, store, 1)

	p := &plan.Plan{
		ProfileName: "P", TotalFiles: 1, BaseFiles: 1,
		Entries: []plan.Entry{{RelPath: "ok.txt", Source: plan.EntrySource{Kind: plan.SourceBase}, Size: 2}},
	}

	held := flockForTest(t, b.buildLockPath("P"))
	defer held.Unlock(ctx) //nolint:errcheck

	_, err = b.Build(ctx, "P", p, nil)
	require.Error(t, err)
	require.True(t, goerrors.Is(err, errs.ErrConflict))
}

func TestBuildFailurePreservesPreviousLatest(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "ok.txt"), []byte("ok"), 0o644))

	cache := t.TempDir()
	store, err := blobstore.New(cache)
	require.NoError(t, err)

	runtimesDir := t.TempDir()
	b := New(base, runtimesDir, store, 1)

	goodPlan := &plan.Plan{
		ProfileName: "P", TotalFiles: 1, BaseFiles: 1,
		Entries: []plan.Entry{{RelPath: "ok.txt", Source: plan.EntrySource{Kind: plan.SourceBase}, Size: 2}},
	}
	_, err = b.Build(ctx, "P", goodPlan, nil)
	require.NoError(t, err)

	badPlan := &plan.Plan{
		ProfileName: "P", TotalFiles: 1, BlobFiles: 1,
		Entries: []plan.Entry{{RelPath: "missing.txt", Source: plan.EntrySource{Kind: plan.SourceBlob, Digest: "deadbeef"}, Size: 2}},
	}
	_, err = b.Build(ctx, "P", badPlan, nil)
	require.Error(t, err)

	content, err := os.ReadFile(filepath.Join(runtimesDir, "P-latest", "ok.txt"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(content))

	errs := CleanupTemp(runtimesDir)
	require.Empty(t, errs)
	remaining, err := os.ReadDir(runtimesDir)
	require.NoError(t, err)
	for _, e := range remaining {
		require.NotContains(t, e.Name(), "-tmp")
	}
}

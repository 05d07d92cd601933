package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/deltaruntime/overlayrt/internal/blobstore"
	"github.com/deltaruntime/overlayrt/internal/overlay"
)

func TestComputeOverrideEntry(t *testing.T) {
	ctx := context.Background()
	cache := t.TempDir()
	store, err := blobstore.New(cache)
	require.NoError(t, err)

	base := t.TempDir()
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "data"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(base, "data", "handling.cfg"), []byte("v1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "data"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "data", "handling.cfg"), []byte("v2"), 0o644))

	digest, _, err := store.Ensure(filepath.Join(workspace, "data", "handling.cfg"))
	require.NoError(t, err)
	require.NoError(t, store.AddRef(ctx, digest, "P", "data/handling.cfg"))

	view := overlay.New(base, workspace)
	p := New(store)
	result, err := p.Compute(ctx, "P", view)
	require.NoError(t, err)

	require.Equal(t, 1, result.TotalFiles)
	require.Equal(t, result.BaseFiles+result.BlobFiles, result.TotalFiles)
	require.Equal(t, int64(len("v2")), result.TotalSize)

	entry := result.Entries[0]
	require.True(t, entry.IsOverride)
	require.True(t, entry.HasBase)
	require.Equal(t, SourceBlob, entry.Source.Kind)
	require.Equal(t, digest, entry.Source.Digest)
}

func TestSaveLoadRoundTrips(t *testing.T) {
	p := &Plan{
		ProfileName: "P",
		TotalFiles:  2,
		TotalSize:   30,
		BaseFiles:   1,
		BlobFiles:   1,
		Entries: []Entry{
			{RelPath: "a", Source: EntrySource{Kind: SourceBase}, Size: 10},
			{RelPath: "b", Source: EntrySource{Kind: SourceBlob, Digest: "deadbeef"}, Size: 20, IsOverride: true, HasBase: true},
		},
	}
	path := filepath.Join(t.TempDir(), "runtime_plan.json")
	require.NoError(t, Save(path, p))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, p.ProfileName, loaded.ProfileName)
	if diff := cmp.Diff(p.Entries, loaded.Entries); diff != "" {
		t.Fatalf("round-tripped entries differ (-want +got):\n%s", diff)
	}
}

func TestComputeResolvesSiblingsConcurrentlyInOrder(t *testing.T) {
	ctx := context.Background()
	cache := t.TempDir()
	store, err := blobstore.New(cache)
	require.NoError(t, err)

	base := t.TempDir()
	workspace := t.TempDir()
	names := []string{"alpha.cfg", "beta.cfg", "gamma.cfg", "delta.cfg"}
	for _, name := range names {
		path := filepath.Join(workspace, name)
		require.NoError(t, os.WriteFile(path, []byte("content-"+name), 0o644))
		digest, _, err := store.Ensure(path)
		require.NoError(t, err)
		require.NoError(t, store.AddRef(ctx, digest, "P", name))
	}

	view := overlay.New(base, workspace)
	p := New(store, 2)
	result, err := p.Compute(ctx, "P", view)
	require.NoError(t, err)
	require.Equal(t, len(names), result.TotalFiles)

	var gotPaths []string
	for _, e := range result.Entries {
		gotPaths = append(gotPaths, e.RelPath)
	}
	require.Equal(t, []string{"alpha.cfg", "beta.cfg", "delta.cfg", "gamma.cfg"}, gotPaths)
}

func TestDiffClassifiesAddedRemovedChanged(t *testing.T) {
	prev := &Plan{Entries: []Entry{
		{RelPath: "unchanged", Source: EntrySource{Kind: SourceBase}, Size: 10},
		{RelPath: "removed", Source: EntrySource{Kind: SourceBase}, Size: 5},
		{RelPath: "changed", Source: EntrySource{Kind: SourceBlob, Digest: "aaa"}, Size: 1},
	}}
	next := &Plan{Entries: []Entry{
		{RelPath: "unchanged", Source: EntrySource{Kind: SourceBase}, Size: 10},
		{RelPath: "changed", Source: EntrySource{Kind: SourceBlob, Digest: "bbb"}, Size: 1},
		{RelPath: "added", Source: EntrySource{Kind: SourceBase}, Size: 2},
	}}

	diffs := Diff(prev, next)
	require.Equal(t, 3, TouchedCount(diffs))

	kinds := map[string]DiffKind{}
	for _, d := range diffs {
		kinds[d.RelPath] = d.Kind
	}
	require.Equal(t, DiffAdded, kinds["added"])
	require.Equal(t, DiffRemoved, kinds["removed"])
	require.Equal(t, DiffChanged, kinds["changed"])
	_, unchangedPresent := kinds["unchanged"]
	require.False(t, unchangedPresent)
}

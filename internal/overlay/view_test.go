package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupTree(t *testing.T) (base, workspace string) {
	t.Helper()
	base = t.TempDir()
	workspace = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "data"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(base, "data", "handling.cfg"), []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "readme.txt"), []byte("base only"), 0o644))
	return base, workspace
}

func TestResolveOverride(t *testing.T) {
	base, workspace := setupTree(t)
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "data"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "data", "handling.cfg"), []byte("v2"), 0o644))

	v := New(base, workspace)
	node, err := v.Resolve("data/handling.cfg")
	require.NoError(t, err)
	require.Equal(t, Override, node.Source)
	require.True(t, node.Writable)
	require.Equal(t, filepath.Join(workspace, "data", "handling.cfg"), node.WorkingPath)
}

func TestResolveBaseOnly(t *testing.T) {
	base, workspace := setupTree(t)
	v := New(base, workspace)
	node, err := v.Resolve("readme.txt")
	require.NoError(t, err)
	require.Equal(t, Base, node.Source)
	require.False(t, node.Writable)
}

func TestResolveWorkspaceOnlyIsNeverBase(t *testing.T) {
	base, workspace := setupTree(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "new.txt"), []byte("new"), 0o644))

	v := New(base, workspace)
	node, err := v.Resolve("new.txt")
	require.NoError(t, err)
	require.Equal(t, Workspace, node.Source)
	require.NotEqual(t, Base, node.Source)
}

func TestChildrenHidesReservedPrefix(t *testing.T) {
	base, workspace := setupTree(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, ".deltaruntime_meta.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "visible.txt"), []byte("x"), 0o644))

	v := New(base, workspace)
	nodes, err := v.Children("")
	require.NoError(t, err)
	var names []string
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	require.Contains(t, names, "visible.txt")
	require.NotContains(t, names, ".deltaruntime_meta.json")
}

func TestCopyToWorkspaceThenRevertToBase(t *testing.T) {
	base, workspace := setupTree(t)
	v := New(base, workspace)

	require.NoError(t, v.CopyToWorkspace("readme.txt"))
	node, err := v.Resolve("readme.txt")
	require.NoError(t, err)
	require.Equal(t, Override, node.Source)

	require.NoError(t, v.RevertToBase("readme.txt"))
	node, err = v.Resolve("readme.txt")
	require.NoError(t, err)
	require.Equal(t, Base, node.Source)
}

func TestRevertToBaseFailsWithoutBaseCounterpart(t *testing.T) {
	base, workspace := setupTree(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "only-mine.txt"), []byte("x"), 0o644))

	v := New(base, workspace)
	err := v.RevertToBase("only-mine.txt")
	require.Error(t, err)
}

// Package overlay exposes a merged, read-only view of base ∪ workspace
// for one profile. See SPEC_FULL.md §4.2.
package overlay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deltaruntime/overlayrt/internal/errs"
)

// reservedPrefix marks workspace entries reserved for internal metadata
// (e.g. any future sidecar files); they never appear in the virtual tree.
const reservedPrefix = ".deltaruntime_"

// Source tags where a node's content comes from. It is a small closed
// enum, not a place for polymorphism: the design explicitly rejects
// tombstones, so there are exactly three values.
type Source int

const (
	// Base means the node exists only in the base installation; read-only.
	Base Source = iota
	// Workspace means the node exists only in the workspace; additive.
	Workspace
	// Override means the node exists in both; the workspace value wins.
	Override
)

func (s Source) String() string {
	switch s {
	case Base:
		return "Base"
	case Workspace:
		return "Workspace"
	case Override:
		return "Override"
	default:
		return "Unknown"
	}
}

// Node is a logical file or directory in the virtual tree for one profile.
type Node struct {
	Name        string
	RelPath     string
	IsDir       bool
	Source      Source
	Writable    bool
	Size        int64
	WorkingPath string // absolute path that should actually be read/linked from
}

// View merges a base installation and a profile workspace into a single
// logical tree.
type View struct {
	basePath      string
	workspacePath string
}

// New creates a View over a base installation and one profile's workspace.
func New(basePath, workspacePath string) *View {
	return &View{basePath: basePath, workspacePath: workspacePath}
}

// Resolve returns the merged node for relPath, or an error if it is
// visible in neither base nor workspace.
func (v *View) Resolve(relPath string) (*Node, error) {
	basePath := filepath.Join(v.basePath, relPath)
	wsPath := filepath.Join(v.workspacePath, relPath)

	baseInfo, baseErr := os.Lstat(basePath)
	wsInfo, wsErr := os.Lstat(wsPath)
	baseExists := baseErr == nil
	wsExists := wsErr == nil

	if !baseExists && !wsExists {
		return nil, fmt.Errorf("resolve %q: not found in base or workspace", relPath)
	}

	name := filepath.Base(relPath)
	switch {
	case wsExists && baseExists:
		return &Node{
			Name: name, RelPath: relPath, IsDir: wsInfo.IsDir(),
			Source: Override, Writable: true, Size: wsInfo.Size(), WorkingPath: wsPath,
		}, nil
	case wsExists:
		return &Node{
			Name: name, RelPath: relPath, IsDir: wsInfo.IsDir(),
			Source: Workspace, Writable: true, Size: wsInfo.Size(), WorkingPath: wsPath,
		}, nil
	default:
		return &Node{
			Name: name, RelPath: relPath, IsDir: baseInfo.IsDir(),
			Source: Base, Writable: false, Size: baseInfo.Size(), WorkingPath: basePath,
		}, nil
	}
}

// Children enumerates the merged children of relPath (directories
// before files, then case-insensitive name ascending). Workspace
// entries establish presence first; base entries are appended unless
// their name was already seen. Workspace entries under reservedPrefix
// are hidden; base entries are not filtered.
func (v *View) Children(relPath string) ([]*Node, error) {
	seen := make(map[string]struct{})
	var nodes []*Node

	wsDir := filepath.Join(v.workspacePath, relPath)
	if entries, err := os.ReadDir(wsDir); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), reservedPrefix) {
				continue
			}
			child := filepath.Join(relPath, e.Name())
			node, err := v.Resolve(child)
			if err != nil {
				continue
			}
			nodes = append(nodes, node)
			seen[e.Name()] = struct{}{}
		}
	}

	baseDir := filepath.Join(v.basePath, relPath)
	if entries, err := os.ReadDir(baseDir); err == nil {
		for _, e := range entries {
			if _, ok := seen[e.Name()]; ok {
				continue
			}
			child := filepath.Join(relPath, e.Name())
			node, err := v.Resolve(child)
			if err != nil {
				continue
			}
			nodes = append(nodes, node)
		}
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
	return nodes, nil
}

// CopyToWorkspace copies the base file at relPath into the workspace,
// promoting it to Override. Used when the user intends to edit a base
// file in place.
func (v *View) CopyToWorkspace(relPath string) error {
	basePath := filepath.Join(v.basePath, relPath)
	wsPath := filepath.Join(v.workspacePath, relPath)

	if err := os.MkdirAll(filepath.Dir(wsPath), 0o750); err != nil {
		return fmt.Errorf("create workspace parent dir: %w", err)
	}
	src, err := os.Open(basePath) //nolint:gosec // relPath is validated by the caller
	if err != nil {
		return fmt.Errorf("open base file %q: %w", relPath, err)
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(wsPath) //nolint:gosec // destination under profile workspace
	if err != nil {
		return fmt.Errorf("create workspace file %q: %w", relPath, err)
	}
	defer dst.Close() //nolint:errcheck

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %q to workspace: %w", relPath, err)
	}
	return nil
}

// RevertToBase removes the workspace entry for relPath, restoring Base
// visibility. Fails if there is no base counterpart — workspace-only
// files cannot be "reverted", they must be deleted outright.
func (v *View) RevertToBase(relPath string) error {
	basePath := filepath.Join(v.basePath, relPath)
	if _, err := os.Stat(basePath); err != nil {
		return fmt.Errorf("revert %q: %w", relPath, errs.ErrNoBaseCounterpart)
	}
	wsPath := filepath.Join(v.workspacePath, relPath)
	if err := os.Remove(wsPath); err != nil {
		return fmt.Errorf("revert %q: remove workspace file: %w", relPath, err)
	}
	return nil
}

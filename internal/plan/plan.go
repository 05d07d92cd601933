// Package plan computes and persists the deterministic manifest
// describing a profile's runtime. See SPEC_FULL.md §4.4.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/deltaruntime/overlayrt/internal/blobstore"
	"github.com/deltaruntime/overlayrt/internal/fsutil"
	"github.com/deltaruntime/overlayrt/internal/overlay"
)

// SourceKind tags where a plan entry's bytes come from at materialize time.
type SourceKind string

const (
	SourceBase SourceKind = "Base"
	SourceBlob SourceKind = "Blob"
)

// EntrySource is the tagged union {Base} | {Blob(digest)}.
type EntrySource struct {
	Kind   SourceKind
	Digest blobstore.Digest // set iff Kind == SourceBlob
}

// MarshalJSON renders Base as the string "Base" and Blob as {"Blob":"<hex>"},
// matching the persisted format in SPEC_FULL.md / spec.md §6.
func (s EntrySource) MarshalJSON() ([]byte, error) {
	if s.Kind == SourceBase {
		return json.Marshal("Base")
	}
	return json.Marshal(map[string]string{"Blob": s.Digest.String()})
}

func (s *EntrySource) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString != string(SourceBase) {
			return fmt.Errorf("unexpected source string %q", asString)
		}
		*s = EntrySource{Kind: SourceBase}
		return nil
	}
	var asBlob struct {
		Blob string `json:"Blob"`
	}
	if err := json.Unmarshal(data, &asBlob); err != nil {
		return fmt.Errorf("parse entry source: %w", err)
	}
	*s = EntrySource{Kind: SourceBlob, Digest: blobstore.Digest(asBlob.Blob)}
	return nil
}

// Entry is one (relative path -> source) mapping in a RuntimePlan.
type Entry struct {
	RelPath    string      `json:"rel_path"`
	Source     EntrySource `json:"source"`
	Size       int64       `json:"size"`
	HasBase    bool        `json:"has_base"`
	IsOverride bool        `json:"is_override"`
}

// Plan is the ordered manifest describing the runtime for one profile.
type Plan struct {
	ProfileName string    `json:"profile_name"`
	GeneratedAt time.Time `json:"generated_at"`
	TotalFiles  int       `json:"total_files"`
	TotalSize   int64     `json:"total_size"`
	BaseFiles   int       `json:"base_files"`
	BlobFiles   int       `json:"blob_files"`
	Entries     []Entry   `json:"entries"`
}

// Planner traverses a profile's overlay view and produces a Plan.
type Planner struct {
	store    *blobstore.Store
	poolSize int
}

// New creates a Planner backed by store, used to resolve digests for
// workspace and override entries. poolSize bounds how many leaf entries
// within one directory are hashed/looked-up concurrently; <= 0 defaults
// to runtime.NumCPU(), matching the teacher's OCI layer-pull sizing.
func New(store *blobstore.Store, poolSize ...int) *Planner {
	size := 0
	if len(poolSize) > 0 {
		size = poolSize[0]
	}
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Planner{store: store, poolSize: size}
}

// now is overridden in tests; production callers get wall-clock time.
var now = time.Now

// Compute walks view depth-first and produces a deterministic Plan for profile.
func (p *Planner) Compute(ctx context.Context, profile string, view *overlay.View) (*Plan, error) {
	plan := &Plan{ProfileName: profile, GeneratedAt: now().UTC()}
	if err := p.walk(ctx, profile, view, "", plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Planner) walk(ctx context.Context, profile string, view *overlay.View, relPath string, plan *Plan) error {
	children, err := view.Children(relPath)
	if err != nil {
		return fmt.Errorf("enumerate %q: %w", relPath, err)
	}

	var files []*overlay.Node
	for _, child := range children {
		if child.IsDir {
			if err := p.walk(ctx, profile, view, child.RelPath, plan); err != nil {
				return err
			}
			continue
		}
		files = append(files, child)
	}
	if len(files) == 0 {
		return nil
	}

	// Leaf entries within a directory are independent (each hashes or
	// looks up its own digest), so resolve them concurrently, bounded by
	// poolSize, the same shape as the teacher's OCI layer pull.
	entries := make([]Entry, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.poolSize)
	for i, child := range files {
		idx, node := i, child
		g.Go(func() error {
			entry, err := p.leafEntry(gctx, profile, node)
			if err != nil {
				return err
			}
			entries[idx] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, entry := range entries {
		plan.Entries = append(plan.Entries, entry)
		plan.TotalFiles++
		plan.TotalSize += entry.Size
		if entry.Source.Kind == SourceBase {
			plan.BaseFiles++
		} else {
			plan.BlobFiles++
		}
	}
	return nil
}

func (p *Planner) leafEntry(ctx context.Context, profile string, node *overlay.Node) (Entry, error) {
	switch node.Source {
	case overlay.Base:
		return Entry{RelPath: node.RelPath, Source: EntrySource{Kind: SourceBase}, Size: node.Size}, nil
	case overlay.Workspace, overlay.Override:
		digest, found, err := p.store.Lookup(ctx, profile, node.RelPath)
		if err != nil {
			return Entry{}, fmt.Errorf("lookup digest for %q: %w", node.RelPath, err)
		}
		if !found {
			// The file was manually placed and not yet normalized: fall
			// back to hashing it directly, per §4.4.
			log.WithFunc("plan.leafEntry").Warnf(ctx, "%s: %q not in blob index, hashing directly", profile, node.RelPath)
			digest, err = blobstore.Hash(node.WorkingPath)
			if err != nil {
				return Entry{}, fmt.Errorf("hash unnormalized file %q: %w", node.RelPath, err)
			}
		}
		return Entry{
			RelPath:    node.RelPath,
			Source:     EntrySource{Kind: SourceBlob, Digest: digest},
			Size:       node.Size,
			HasBase:    node.Source == overlay.Override,
			IsOverride: node.Source == overlay.Override,
		}, nil
	default:
		return Entry{}, fmt.Errorf("unknown source for %q", node.RelPath)
	}
}

// Save persists plan as indented JSON at path.
func Save(path string, p *Plan) error {
	return fsutil.AtomicWriteJSON(path, p)
}

// Load reads a persisted plan from path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path) //nolint:gosec // internal metadata path
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return &p, nil
}

// DiffKind classifies one Diff entry.
type DiffKind string

const (
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffChanged DiffKind = "changed"
)

// DiffEntry describes one changed relative path between two plans.
type DiffEntry struct {
	RelPath string
	Kind    DiffKind
}

// Diff compares two plans keyed by RelPath. Entries present only in next
// are Added, only in prev are Removed, and entries whose Source or Size
// changed are Changed.
func Diff(prev, next *Plan) []DiffEntry {
	prevByPath := make(map[string]Entry, len(prev.Entries))
	for _, e := range prev.Entries {
		prevByPath[e.RelPath] = e
	}
	nextByPath := make(map[string]Entry, len(next.Entries))
	for _, e := range next.Entries {
		nextByPath[e.RelPath] = e
	}

	var diffs []DiffEntry
	for path, ne := range nextByPath {
		pe, ok := prevByPath[path]
		if !ok {
			diffs = append(diffs, DiffEntry{RelPath: path, Kind: DiffAdded})
			continue
		}
		if pe.Size != ne.Size || pe.Source != ne.Source {
			diffs = append(diffs, DiffEntry{RelPath: path, Kind: DiffChanged})
		}
	}
	for path := range prevByPath {
		if _, ok := nextByPath[path]; !ok {
			diffs = append(diffs, DiffEntry{RelPath: path, Kind: DiffRemoved})
		}
	}
	return diffs
}

// TouchedCount returns |added| + |removed| + |changed|, used as an
// incremental-rebuild indicator (current builder always rebuilds from
// scratch; see SPEC_FULL.md / spec.md §4.4).
func TouchedCount(diffs []DiffEntry) int { return len(diffs) }

// Package runtimebuild materializes a plan.Plan as a populated runtime
// directory via parallel hardlinks and an atomic publish. See
// SPEC_FULL.md §4.5.
package runtimebuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/deltaruntime/overlayrt/internal/blobstore"
	"github.com/deltaruntime/overlayrt/internal/errs"
	"github.com/deltaruntime/overlayrt/internal/fsutil"
	"github.com/deltaruntime/overlayrt/internal/lock/flock"
	"github.com/deltaruntime/overlayrt/internal/plan"
)

const (
	baseProgressEvery = 100
	blobProgressEvery = 50
)

// Result summarizes a completed build.
type Result struct {
	TotalFiles     int
	BaseFiles      int
	BlobFiles      int
	TotalBytes     int64
	BuildTimeMS    int64
	FilesPerSecond float64
	MBPerSecond    float64
}

// Builder realizes plans as runtime directories rooted under runtimesDir,
// hardlinking Base entries from basePath and Blob entries from store.
type Builder struct {
	basePath    string
	runtimesDir string
	store       *blobstore.Store
	poolSize    int
}

// New creates a Builder. poolSize <= 0 defaults to a single worker.
func New(basePath, runtimesDir string, store *blobstore.Store, poolSize int) *Builder {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Builder{basePath: basePath, runtimesDir: runtimesDir, store: store, poolSize: poolSize}
}

// unixNow is overridden in tests.
var unixNow = func() int64 { return time.Now().Unix() }

// Build materializes p as <runtimesDir>/<profile>-latest, publishing
// progress through onProgress (nil is treated as a no-op).
//
// On any failure before the publish step the staging directory is left
// intact for post-mortem and the existing -latest is not touched. The
// publish step removes the existing -latest and then renames the staging
// directory into place; if that rename fails, no -latest remains.
func (b *Builder) Build(ctx context.Context, profile string, p *plan.Plan, onProgress ProgressFunc) (Result, error) {
	if onProgress == nil {
		onProgress = noopProgress
	}
	logger := log.WithFunc("runtimebuild.Build")
	start := time.Now()

	onProgress(Progress{Phase: PhasePreflight, TotalFiles: p.TotalFiles, TotalBytes: p.TotalSize})
	if err := b.preflight(); err != nil {
		onProgress(Progress{Phase: PhaseFailed, Err: err})
		return Result{}, err
	}

	// One build per profile at a time: a second concurrent build would
	// race the first's staging-dir rename against -latest (spec §7
	// Conflict case), so fail fast instead. runtimesDir now exists
	// (preflight ensures it), so the lock file can be created.
	buildLock := flock.New(b.buildLockPath(profile))
	acquired, err := buildLock.TryLock(ctx)
	if err != nil {
		err = fmt.Errorf("acquire build lock for %q: %w", profile, err)
		onProgress(Progress{Phase: PhaseFailed, Err: err})
		return Result{}, err
	}
	if !acquired {
		err = fmt.Errorf("build %q: %w", profile, errs.ErrConflict)
		logger.Warnf(ctx, "%s: build already in progress, rejecting", profile)
		onProgress(Progress{Phase: PhaseFailed, Err: err})
		return Result{}, err
	}
	defer buildLock.Unlock(ctx) //nolint:errcheck

	logger.Infof(ctx, "%s: starting build, %d files (%d base, %d blob)", profile, p.TotalFiles, p.BaseFiles, p.BlobFiles)

	stagingDir := filepath.Join(b.runtimesDir, fmt.Sprintf("%s-%d-tmp", profile, unixNow()))
	onProgress(Progress{Phase: PhaseCreateTemp})
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		err = fmt.Errorf("create staging dir: %w", err)
		onProgress(Progress{Phase: PhaseFailed, Err: err})
		return Result{}, err
	}

	var baseEntries, blobEntries []plan.Entry
	for _, e := range p.Entries {
		if e.Source.Kind == plan.SourceBase {
			baseEntries = append(baseEntries, e)
		} else {
			blobEntries = append(blobEntries, e)
		}
	}

	pool, err := ants.NewPool(b.poolSize)
	if err != nil {
		err = fmt.Errorf("create worker pool: %w", err)
		onProgress(Progress{Phase: PhaseFailed, Err: err})
		return Result{}, err
	}
	defer pool.Release()

	onProgress(Progress{Phase: PhaseLinkBase, TotalFiles: len(baseEntries)})
	if err := b.linkEntries(ctx, pool, stagingDir, baseEntries, baseProgressEvery,
		func(e plan.Entry, dest string) error {
			return os.Link(filepath.Join(b.basePath, e.RelPath), dest)
		}, onProgress); err != nil {
		onProgress(Progress{Phase: PhaseFailed, Err: err})
		return Result{}, err
	}

	onProgress(Progress{Phase: PhaseOverlayWorkspace, TotalFiles: len(blobEntries)})
	if err := b.linkEntries(ctx, pool, stagingDir, blobEntries, blobProgressEvery,
		func(e plan.Entry, dest string) error {
			// An Override entry's relative path never appears in the base
			// pool (it is excluded there), but guard against a stray
			// pre-existing file so materialize's temp-rename step never
			// collides with it.
			if fsutil.ValidFile(dest) {
				if err := os.Remove(dest); err != nil {
					return fmt.Errorf("remove pre-existing %s: %w", dest, err)
				}
			}
			return b.store.Materialize(dest, e.Source.Digest)
		}, onProgress); err != nil {
		onProgress(Progress{Phase: PhaseFailed, Err: err})
		return Result{}, err
	}

	onProgress(Progress{Phase: PhaseFinalize})
	latestDir := filepath.Join(b.runtimesDir, profile+"-latest")
	if err := publish(stagingDir, latestDir); err != nil {
		onProgress(Progress{Phase: PhaseFailed, Err: err})
		return Result{}, err
	}

	elapsed := time.Since(start)
	result := Result{
		TotalFiles:  p.TotalFiles,
		BaseFiles:   p.BaseFiles,
		BlobFiles:   p.BlobFiles,
		TotalBytes:  p.TotalSize,
		BuildTimeMS: elapsed.Milliseconds(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		result.FilesPerSecond = float64(result.TotalFiles) / secs
		result.MBPerSecond = float64(result.TotalBytes) / (1024 * 1024) / secs
	}
	onProgress(Progress{Phase: PhaseComplete, Completed: true, FilesProcessed: p.TotalFiles, TotalFiles: p.TotalFiles,
		BytesProcessed: p.TotalSize, TotalBytes: p.TotalSize})
	logger.Infof(ctx, "%s: build complete in %dms (%.1f files/s)", profile, result.BuildTimeMS, result.FilesPerSecond)
	return result, nil
}

// buildLockPath returns the per-profile build lock path, guarding
// against two concurrent builds racing the same -latest publish.
func (b *Builder) buildLockPath(profile string) string {
	return filepath.Join(b.runtimesDir, profile+".build.lock")
}

func (b *Builder) preflight() error {
	info, err := os.Stat(b.basePath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("base path %q must exist and be a directory", b.basePath)
	}
	if err := os.MkdirAll(b.runtimesDir, 0o750); err != nil {
		return fmt.Errorf("ensure runtimes dir: %w", err)
	}
	return nil
}

// linkEntries materializes entries into stagingDir using pool, calling
// link for each entry and throttling progress every `every` entries.
func (b *Builder) linkEntries(
	ctx context.Context,
	pool *ants.Pool,
	stagingDir string,
	entries []plan.Entry,
	every int,
	link func(plan.Entry, string) error,
	onProgress ProgressFunc,
) error {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		processed int64
	)

	for _, e := range entries {
		e := e
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := errs.ValidateRelPath(e.RelPath); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("materialize %s: %w", e.RelPath, err)
				}
				mu.Unlock()
				return
			}
			dest := filepath.Join(stagingDir, e.RelPath)
			if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("create parent dir for %s: %w", e.RelPath, err)
				}
				mu.Unlock()
				return
			}
			if err := link(e, dest); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("materialize %s: %w", e.RelPath, err)
				}
				mu.Unlock()
				return
			}
			n := atomic.AddInt64(&processed, 1)
			if n%int64(every) == 0 {
				onProgress(Progress{CurrentFile: e.RelPath, FilesProcessed: int(n), TotalFiles: len(entries)})
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("submit task for %s: %w", e.RelPath, submitErr)
			}
			mu.Unlock()
		}
	}
	wg.Wait()
	return firstErr
}

// publish deletes any existing latestDir, then renames stagingDir into
// place. The rename is the single ordering fence between the old and new
// runtime being visible (spec §4.5, §5).
func publish(stagingDir, latestDir string) error {
	if _, err := os.Stat(latestDir); err == nil {
		if err := os.RemoveAll(latestDir); err != nil {
			return fmt.Errorf("remove previous runtime: %w", err)
		}
	}
	if err := os.Rename(stagingDir, latestDir); err != nil {
		return fmt.Errorf("publish runtime: %w", err)
	}
	return nil
}

// CleanupTemp scans runtimesDir and removes any directory whose name
// ends with "-tmp" — crash debris from interrupted builds (spec §4.5).
func CleanupTemp(runtimesDir string) []error {
	return fsutil.RemoveMatching(runtimesDir, func(e os.DirEntry) bool {
		return e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == "-tmp"
	}, nil)
}

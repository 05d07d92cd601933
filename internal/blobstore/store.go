// Package blobstore implements the content-addressed blob repository:
// BLAKE3-hashed files, a reference-counted index, and reference-counted
// garbage collection. See SPEC_FULL.md §4.1.
package blobstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"lukechampine.com/blake3"

	"github.com/deltaruntime/overlayrt/internal/errs"
	"github.com/deltaruntime/overlayrt/internal/fsutil"
	"github.com/deltaruntime/overlayrt/internal/lock"
	"github.com/deltaruntime/overlayrt/internal/lock/flock"
)

const hashBufSize = 8 * 1024

// Store is the content-addressed blob repository rooted at cacheDir.
// Layout: <cacheDir>/blobs/blake3/<aa>/<digest> for blob files,
// <cacheDir>/blobs/index.json for the reference index.
type Store struct {
	blobsDir  string
	indexPath string
	locker    lock.Locker
}

// New creates a Store rooted at cacheDir, creating the blob shard root
// if it does not already exist.
func New(cacheDir string) (*Store, error) {
	blobsDir := filepath.Join(cacheDir, "blobs")
	if err := fsutil.EnsureDirs(blobsDir); err != nil {
		return nil, fmt.Errorf("ensure blob store dirs: %w", err)
	}
	indexPath := filepath.Join(blobsDir, "index.json")
	return &Store{
		blobsDir:  blobsDir,
		indexPath: indexPath,
		locker:    flock.New(indexPath + ".lock"),
	}, nil
}

// BlobPath returns the sharded on-disk path for a digest.
func (s *Store) BlobPath(digest Digest) string {
	return filepath.Join(s.blobsDir, "blake3", digest.Shard(), digest.String())
}

// Hash streams path through a BLAKE3 hasher with an 8 KiB buffer.
func Hash(path string) (Digest, error) {
	f, err := os.Open(path) //nolint:gosec // caller-controlled path
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	h := blake3.New(32, nil)
	buf := make([]byte, hashBufSize)
	if _, err := io.CopyBuffer(h, bufio.NewReaderSize(f, hashBufSize), buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return Digest(fmt.Sprintf("%x", h.Sum(nil))), nil
}

// Ensure hashes path and copies it into the store under its digest if not
// already present. Idempotent: a second call for the same content is a
// no-op besides the hash.
func (s *Store) Ensure(path string) (Digest, string, error) {
	digest, err := Hash(path)
	if err != nil {
		return "", "", err
	}
	blobPath := s.BlobPath(digest)
	if fsutil.ValidFile(blobPath) {
		return digest, blobPath, nil
	}
	if err := fsutil.EnsureDirs(filepath.Dir(blobPath)); err != nil {
		return "", "", fmt.Errorf("ensure shard dir: %w", err)
	}
	if err := copyFile(path, blobPath); err != nil {
		return "", "", fmt.Errorf("copy into blob store: %w", err)
	}
	return digest, blobPath, nil
}

// Materialize creates a hardlink from the blob identified by digest to
// dest, via a temp sibling name plus rename so dest either ends up
// complete or absent. Not idempotent: dest must not already exist.
// Hardlink-only: copy fallback is forbidden by the spec, so any hardlink
// failure is reported as errs.ErrVolumeMismatch.
func (s *Store) Materialize(dest string, digest Digest) error {
	blobPath := s.BlobPath(digest)
	if !fsutil.ValidFile(blobPath) {
		return fmt.Errorf("materialize %s from %s: %w", dest, digest, errs.ErrBlobMissing)
	}
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("materialize %s from %s: destination already exists", dest, digest)
	}
	if err := fsutil.EnsureDirs(filepath.Dir(dest)); err != nil {
		return fmt.Errorf("ensure dest dir: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(dest), ".tmp_"+uuid.NewString())
	if err := os.Link(blobPath, tmp); err != nil {
		return fmt.Errorf("materialize %s from %s: %w: %w", dest, blobPath, errs.ErrVolumeMismatch, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s into place: %w", dest, err)
	}
	return nil
}

// AddRef inserts (profile, relPath) into digest's reference set if
// absent. Duplicate adds are no-ops.
func (s *Store) AddRef(ctx context.Context, digest Digest, profile, relPath string) error {
	return updateIndex(ctx, s.locker, s.indexPath, func(idx *index) error {
		idx.addRef(digest, profile, relPath)
		return nil
	})
}

// RemoveRef removes (profile, relPath) from digest's reference set.
// Returns gcEligible=true iff the set is now empty (or the digest had no
// entry to begin with).
func (s *Store) RemoveRef(ctx context.Context, digest Digest, profile, relPath string) (gcEligible bool, err error) {
	err = updateIndex(ctx, s.locker, s.indexPath, func(idx *index) error {
		gcEligible = idx.removeRef(digest, profile, relPath)
		return nil
	})
	return
}

// ReplaceRef atomically finds any digest currently referenced by
// (profile, relPath), removes that reference, and — if the resulting set
// is empty — deletes the blob file. Returns the old digest, if any.
func (s *Store) ReplaceRef(ctx context.Context, profile, relPath string) (old Digest, err error) {
	err = updateIndex(ctx, s.locker, s.indexPath, func(idx *index) error {
		digest, ok := idx.findRef(profile, relPath)
		if !ok {
			return nil
		}
		old = digest
		if idx.removeRef(digest, profile, relPath) {
			if rmErr := os.Remove(s.BlobPath(digest)); rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("remove superseded blob %s: %w", digest, rmErr)
			}
			log.WithFunc("blobstore.ReplaceRef").Infof(ctx, "%s: removed superseded blob %s for %s", profile, digest, relPath)
		}
		return nil
	})
	return
}

// GC removes the blob file for digest if it currently has no references.
func (s *Store) GC(ctx context.Context, digest Digest) (deleted bool, err error) {
	err = withIndex(ctx, s.locker, s.indexPath, func(idx *index) error {
		if !idx.gcEligible(digest) {
			return nil
		}
		path := s.BlobPath(digest)
		if rmErr := os.Remove(path); rmErr != nil {
			if os.IsNotExist(rmErr) {
				return nil
			}
			return fmt.Errorf("remove blob %s: %w", digest, rmErr)
		}
		deleted = true
		log.WithFunc("blobstore.GC").Infof(ctx, "removed unreferenced blob: %s", digest)
		return nil
	})
	return
}

// Lookup returns the digest currently referenced by (profile, relPath),
// via a linear scan of the index. Used by the planner to avoid re-hashing
// known content.
func (s *Store) Lookup(ctx context.Context, profile, relPath string) (digest Digest, found bool, err error) {
	err = withIndex(ctx, s.locker, s.indexPath, func(idx *index) error {
		digest, found = idx.findRef(profile, relPath)
		return nil
	})
	return
}

// DebugReport summarizes the blob store for the debug_blob_cache command.
type DebugReport struct {
	TotalBlobs   int
	TotalRefs    int
	OrphanBlobs  []string // on-disk blobs with no index entry
	MissingBlobs []string // index entries with no on-disk blob
}

// Debug scans the index and the on-disk blob shards and reports
// inconsistencies useful for operator diagnosis.
func (s *Store) Debug(ctx context.Context) (report DebugReport, err error) {
	err = withIndex(ctx, s.locker, s.indexPath, func(idx *index) error {
		report.TotalBlobs = len(idx.Refs)
		for digestHex, refs := range idx.Refs {
			report.TotalRefs += len(refs)
			if !fsutil.ValidFile(s.BlobPath(Digest(digestHex))) {
				report.MissingBlobs = append(report.MissingBlobs, digestHex)
			}
		}
		shardRoot := filepath.Join(s.blobsDir, "blake3")
		shards, _ := os.ReadDir(shardRoot)
		for _, shard := range shards {
			if !shard.IsDir() {
				continue
			}
			files, _ := os.ReadDir(filepath.Join(shardRoot, shard.Name()))
			for _, f := range files {
				if _, ok := idx.Refs[f.Name()]; !ok {
					report.OrphanBlobs = append(report.OrphanBlobs, f.Name())
				}
			}
		}
		return nil
	})
	return
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // caller-controlled path
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	tmp := dst + ".tmp_" + uuid.NewString()
	out, err := os.Create(tmp) //nolint:gosec // destination is store-managed
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

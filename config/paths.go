package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Derived path helpers. All cache/profile/runtime state lives under
// DataRoot; BasePath is never written to.

// CacheDir is the root of the content-addressed blob store.
func (c *Config) CacheDir() string { return filepath.Join(c.DataRoot, "cache") }

// BlobsDir is the sharded blob storage root: blobs/blake3/<aa>/<digest>.
func (c *Config) BlobsDir() string { return filepath.Join(c.CacheDir(), "blobs") }

// BlobShardDir returns the two-character shard directory for a hex digest.
func (c *Config) BlobShardDir(digestHex string) string {
	return filepath.Join(c.BlobsDir(), "blake3", digestHex[:2])
}

// BlobPath returns the on-disk path of the blob file for a hex digest.
func (c *Config) BlobPath(digestHex string) string {
	return filepath.Join(c.BlobShardDir(digestHex), digestHex)
}

// BlobIndexFile is the persistent digest -> refs index.
func (c *Config) BlobIndexFile() string { return filepath.Join(c.BlobsDir(), "index.json") }

// BlobIndexLock guards reads/writes of BlobIndexFile.
func (c *Config) BlobIndexLock() string { return filepath.Join(c.BlobsDir(), "index.json.lock") }

// ProfilesDir is the root of all profile workspaces.
func (c *Config) ProfilesDir() string { return filepath.Join(c.DataRoot, "profiles") }

// ProfileDir returns the root directory for one profile.
func (c *Config) ProfileDir(profile string) string {
	return filepath.Join(c.ProfilesDir(), profile)
}

// ProfileWorkspaceDir returns the workspace directory for one profile.
func (c *Config) ProfileWorkspaceDir(profile string) string {
	return filepath.Join(c.ProfileDir(profile), "workspace")
}

// RuntimesDir is the root under which materialized runtimes live.
func (c *Config) RuntimesDir() string { return filepath.Join(c.DataRoot, "runtimes") }

// RuntimeLatestDir is the published runtime directory for a profile.
func (c *Config) RuntimeLatestDir(profile string) string {
	return filepath.Join(c.RuntimesDir(), profile+"-latest")
}

// RuntimeStagingDir returns a fresh staging directory name for a build,
// keyed by a unix timestamp as required by §4.5.
func (c *Config) RuntimeStagingDir(profile string, unixTS int64) string {
	return filepath.Join(c.RuntimesDir(), fmt.Sprintf("%s-%d-tmp", profile, unixTS))
}

// RuntimePlanFile returns the path of the persisted plan for a profile's
// latest runtime.
func (c *Config) RuntimePlanFile(profile string) string {
	return filepath.Join(c.RuntimeLatestDir(profile), "runtime_plan.json")
}

// RegistryFile is the profile registry document.
func (c *Config) RegistryFile() string { return filepath.Join(c.DataRoot, "profiles.json") }

// RegistryLock guards reads/writes of RegistryFile.
func (c *Config) RegistryLock() string { return filepath.Join(c.DataRoot, "profiles.lock") }

// EnsureDataDirs creates all persistent directories required by the core.
func (c *Config) EnsureDataDirs() error {
	for _, dir := range []string{c.BlobsDir(), c.ProfilesDir(), c.RuntimesDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

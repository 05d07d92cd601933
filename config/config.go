// Package config holds the settings this core reads from the
// (externally owned) settings layer, plus the directory layout derived
// from them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds the subset of application settings the core consumes.
// Everything else (drive detection, profile metadata, long-path
// prefixing, ...) lives in the settings layer and is out of scope here.
type Config struct {
	// BasePath is the read-only base game installation.
	BasePath string `json:"base_path" mapstructure:"base_path"`
	// DataRoot is the writable root under which cache/, profiles/, and
	// runtimes/ are derived.
	DataRoot string `json:"data_root" mapstructure:"data_root"`
	// OverlayMode is carried through for forward compatibility; the core
	// only implements "hardlink".
	OverlayMode string `json:"overlay_mode" mapstructure:"overlay_mode"`
	// SchemaVersion of the settings file.
	SchemaVersion int `json:"schema_version" mapstructure:"schema_version"`

	// PoolSize is the worker-pool size used by the Runtime Builder.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`

	// Log configuration, reusing eru core's ServerLogConfig shape.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults. BasePath and
// DataRoot must still be set by the caller (they come from settings).
func DefaultConfig() *Config {
	return &Config{
		OverlayMode:   "hardlink",
		SchemaVersion: 1,
		PoolSize:      runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from a JSON file, falling back to
// defaults for a missing file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path supplied by caller
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	if cfg.OverlayMode == "" {
		cfg.OverlayMode = "hardlink"
	}
	return cfg, nil
}

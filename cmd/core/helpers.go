// Package core holds plumbing shared by every overlayctl command group:
// config access, command context, and construction of the three core
// components (blob store, overlay view, runtime builder) from config.
package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/deltaruntime/overlayrt/config"
	"github.com/deltaruntime/overlayrt/internal/blobstore"
	"github.com/deltaruntime/overlayrt/internal/overlay"
	"github.com/deltaruntime/overlayrt/internal/plan"
	"github.com/deltaruntime/overlayrt/internal/registry"
	"github.com/deltaruntime/overlayrt/internal/runtimebuild"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitStore opens the blob store rooted at conf's cache directory.
func InitStore(conf *config.Config) (*blobstore.Store, error) {
	store, err := blobstore.New(conf.CacheDir())
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	return store, nil
}

// InitView builds the overlay view for profile.
func InitView(conf *config.Config, profile string) *overlay.View {
	return overlay.New(conf.BasePath, conf.ProfileWorkspaceDir(profile))
}

// InitBuilder constructs a Builder wired to store, using conf.PoolSize
// worker goroutines.
func InitBuilder(conf *config.Config, store *blobstore.Store) *runtimebuild.Builder {
	return runtimebuild.New(conf.BasePath, conf.RuntimesDir(), store, conf.PoolSize)
}

// InitPlanner constructs a Planner wired to store, bounding concurrent
// leaf-entry resolution to conf.PoolSize.
func InitPlanner(conf *config.Config, store *blobstore.Store) *plan.Planner {
	return plan.New(store, conf.PoolSize)
}

// FormatSize renders a byte count the way docker/go-units does elsewhere
// in this tree, keeping CLI output consistent.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

// InitRegistry opens the profile registry rooted at conf's data root.
func InitRegistry(conf *config.Config) *registry.Registry {
	return registry.New(conf.RegistryLock(), conf.RegistryFile())
}

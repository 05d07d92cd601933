// Package registry tracks the set of known profiles and their metadata
// (created/last-used timestamps), backed by a single JSON document.
// Grounded on the original implementation's ProfileMetadata/list_profiles
// (original_source/src-tauri/src/profiles.rs); not carried over verbatim
// since profile directory creation itself belongs to the overlay/plan
// layers here, not to the registry.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deltaruntime/overlayrt/internal/errs"
	"github.com/deltaruntime/overlayrt/internal/storage"
)

// Entry is one profile's registry record.
type Entry struct {
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	Description string    `json:"description,omitempty"`
}

// document is the on-disk shape, keyed by profile name.
type document struct {
	Profiles map[string]Entry `json:"profiles"`
}

// Init satisfies storage.Initer, fixing up a nil map on first load.
func (d *document) Init() {
	if d.Profiles == nil {
		d.Profiles = make(map[string]Entry)
	}
}

// Registry is a JSON-file-backed directory of known profiles.
type Registry struct {
	store *storage.Store[document]
}

// New creates a Registry persisted at dataPath, guarded by lockPath.
func New(lockPath, dataPath string) *Registry {
	return &Registry{store: storage.New[document](lockPath, dataPath)}
}

// Create registers a new profile, failing if the name is invalid or
// already registered.
func (r *Registry) Create(ctx context.Context, name, description string) (Entry, error) {
	if err := errs.ValidateProfileName(name); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := r.store.Update(ctx, func(d *document) error {
		if _, exists := d.Profiles[name]; exists {
			return fmt.Errorf("profile %q already registered", name)
		}
		now := time.Now().UTC()
		entry = Entry{Name: name, CreatedAt: now, LastUsedAt: now, Description: description}
		d.Profiles[name] = entry
		return nil
	})
	return entry, err
}

// Touch updates a profile's last-used timestamp.
func (r *Registry) Touch(ctx context.Context, name string) error {
	return r.store.Update(ctx, func(d *document) error {
		entry, ok := d.Profiles[name]
		if !ok {
			return fmt.Errorf("profile %q: %w", name, errs.ErrProfileNotFound)
		}
		entry.LastUsedAt = time.Now().UTC()
		d.Profiles[name] = entry
		return nil
	})
}

// Get returns one profile's registry entry.
func (r *Registry) Get(ctx context.Context, name string) (entry Entry, err error) {
	err = r.store.With(ctx, func(d *document) error {
		var ok bool
		entry, ok = d.Profiles[name]
		if !ok {
			return fmt.Errorf("profile %q: %w", name, errs.ErrProfileNotFound)
		}
		return nil
	})
	return
}

// List returns every registered profile, ordered by name.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := r.store.With(ctx, func(d *document) error {
		for _, e := range d.Profiles {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Remove deregisters a profile. It does not touch the profile's
// workspace, blob references, or materialized runtime; those are left
// in place.
func (r *Registry) Remove(ctx context.Context, name string) error {
	return r.store.Update(ctx, func(d *document) error {
		if _, ok := d.Profiles[name]; !ok {
			return fmt.Errorf("profile %q: %w", name, errs.ErrProfileNotFound)
		}
		delete(d.Profiles, name)
		return nil
	})
}

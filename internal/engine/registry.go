package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/roach88/confine/internal/schema"
	"github.com/roach88/confine/internal/store"
	"github.com/roach88/confine/internal/store/sqlite"
)

// storeExt is appended to the model name to form the store file name.
const storeExt = ".sqlite"

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Dir holds one store file per model.
	Dir string

	// Models maps model names to compiled models.
	Models map[string]*schema.Model

	// Open, Remove and Probe default to the SQLite store.
	Open   store.Opener
	Remove store.Remover
	Probe  store.VersionProbe

	// Options apply to every Manager the Registry creates.
	Options []ManagerOption
}

// Registry holds at most one Manager per model name. Create it once at
// startup and Close it at shutdown.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

// NewRegistry returns a Registry for cfg.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Open == nil {
		cfg.Open = sqlite.OpenStore
	}
	if cfg.Remove == nil {
		cfg.Remove = sqlite.Remove
	}
	if cfg.Probe == nil {
		cfg.Probe = sqlite.ReadSchemaVersion
	}
	return &Registry{
		cfg:      cfg,
		managers: make(map[string]*Manager),
	}
}

// Path returns the store path for model name.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.cfg.Dir, name+storeExt)
}

// Models returns the configured model names in sorted order.
func (r *Registry) Models() []string {
	names := make([]string, 0, len(r.cfg.Models))
	for name := range r.cfg.Models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) model(name string) (*schema.Model, error) {
	m, ok := r.cfg.Models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// GetOrCreate returns the Manager for model name, opening its store on first
// use. Concurrent callers get the same Manager. Fails with *StoreOpenError
// when the store cannot be opened.
//
// After the Manager is closed or its store deleted, the next call creates a
// new one.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if m, ok := r.managers[name]; ok {
		return m, nil
	}
	model, err := r.model(name)
	if err != nil {
		return nil, err
	}

	m, err := NewManager(ctx, ManagerConfig{
		Name:   name,
		Model:  model,
		Path:   r.Path(name),
		Open:   r.cfg.Open,
		Remove: r.cfg.Remove,
	}, r.cfg.Options...)
	if err != nil {
		return nil, err
	}
	m.release = r.forget
	r.managers[name] = m
	return m, nil
}

func (r *Registry) forget(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.managers[m.name] == m {
		delete(r.managers, m.name)
	}
}

// RequiresMigration reports whether the store of model name was written by
// a different model version. A live Manager is asked directly; otherwise the
// store is probed without being opened for writing. A missing store needs no
// migration.
func (r *Registry) RequiresMigration(ctx context.Context, name string) (bool, error) {
	model, err := r.model(name)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	m, live := r.managers[name]
	r.mu.Unlock()
	if live {
		return m.RequiresMigration(ctx)
	}

	got, err := r.cfg.Probe(ctx, r.Path(name))
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", name, err)
	}
	return got != "" && got != model.Version(), nil
}

// Close closes every Manager. The Registry is unusable afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	r.closed = true
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	var firstErr error
	for _, m := range managers {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

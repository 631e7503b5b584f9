package launcher

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
)

// Registry maps launcher ids to factories. It is populated at startup and
// passed explicitly to the dispatcher.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates a factory with id. Ids are unique.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return fmt.Errorf("launcher registry: empty id")
	}
	if factory == nil {
		return fmt.Errorf("launcher registry: nil factory for %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("launcher registry: %s already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// Lookup returns the factory registered under id.
func (r *Registry) Lookup(id string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[id]
	if !ok {
		return nil, errdefs.LauncherNotFoundError{Name: id}
	}
	return factory, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Package registry holds named module instances shared between the
// orchestrator and the components it boots.
package registry

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps names to opaque module instances. A second Register for the
// same name replaces the first one; there is no versioning.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]any
	logger  *slog.Logger
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]any),
		logger:  slog.Default(),
	}
}

// Register stores instance under name, overwriting any previous entry.
func (r *Registry) Register(name string, instance any) {
	r.mu.Lock()
	_, existed := r.entries[name]
	r.entries[name] = instance
	r.mu.Unlock()

	if existed {
		r.logger.Debug("registry entry overwritten", "name", name)
	}
}

// Resolve returns the instance registered under name, or nil.
func (r *Registry) Resolve(name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// ListNames returns all registered names in sorted order.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Reset removes every entry except those listed in preserve.
func (r *Registry) Reset(preserve ...string) {
	keep := make(map[string]bool, len(preserve))
	for _, name := range preserve {
		keep[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.entries {
		if !keep[name] {
			delete(r.entries, name)
		}
	}
}

// ResolveAs returns the instance registered under name when it has type T.
func ResolveAs[T any](r *Registry, name string) (T, bool) {
	v, ok := r.Resolve(name).(T)
	return v, ok
}

// Package registry maps configuration names to capabilities such as
// downloaders and transform functions.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a name-keyed set of capabilities. It is safe for concurrent
// use; registration normally happens once at startup.
type Registry[T any] struct {
	kind string

	mu      sync.RWMutex
	entries map[string]T
}

// New creates an empty registry. kind is used in error messages
// ("downloader", "transform", ...).
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, entries: make(map[string]T)}
}

// Register adds a capability under name. Registering the same name twice
// is an error.
func (r *Registry[T]) Register(name string, v T) error {
	if name == "" {
		return fmt.Errorf("registry: empty %s name", r.kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("registry: %s %q already registered", r.kind, name)
	}
	r.entries[name] = v
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry[T]) MustRegister(name string, v T) {
	if err := r.Register(name, v); err != nil {
		panic(err)
	}
}

// Lookup returns the capability registered under name.
func (r *Registry[T]) Lookup(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("registry: unknown %s %q", r.kind, name)
	}
	return v, nil
}

// Has reports whether name is registered.
func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind returns the capability kind this registry holds.
func (r *Registry[T]) Kind() string { return r.kind }

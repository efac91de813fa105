// Package registry maps provider names to their upstream adapters.
//
// Adapters register eagerly at bootstrap or lazily through factories that are
// invoked on first demand and memoized. Derived, request-scoped adapters are
// produced with DeriveWithKey so tenant credentials never leak across
// requests.
package registry

import (
	"fmt"
	"sync"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
)

// Factory builds an adapter on first demand.
type Factory func() (adapters.Adapter, error)

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[string]adapters.Adapter
	factories map[string]Factory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		adapters:  make(map[string]adapters.Adapter),
		factories: make(map[string]Factory),
	}
}

// Register installs an adapter eagerly under its own name.
func (r *Registry) Register(a adapters.Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// RegisterFactory installs a lazy constructor for name. The factory runs on
// first Get and its result is memoized; a failing factory is retried on the
// next Get.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Get returns the adapter registered under name, instantiating a factory if
// one is pending.
func (r *Registry) Get(name string) (adapters.Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check: another goroutine may have built it while we upgraded.
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("registry: no adapter registered for %q", name)
	}
	a, err := f()
	if err != nil {
		return nil, fmt.Errorf("registry: build adapter %q: %w", name, err)
	}
	r.adapters[name] = a
	delete(r.factories, name)
	return a, nil
}

// Names returns every registered adapter name, built or pending.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters)+len(r.factories))
	for n := range r.adapters {
		names = append(names, n)
	}
	for n := range r.factories {
		if _, built := r.adapters[n]; !built {
			names = append(names, n)
		}
	}
	return names
}

// Has reports whether name is registered, built or pending.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.adapters[name]; ok {
		return true
	}
	_, ok := r.factories[name]
	return ok
}

// DeriveWithKey returns a request-scoped adapter bound to the given decrypted
// credential and model mapping. With an empty key the shared adapter is
// returned as-is.
func (r *Registry) DeriveWithKey(name, apiKey string, mapping map[string]string) (adapters.Adapter, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if apiKey == "" && len(mapping) == 0 {
		return a, nil
	}
	return a.WithKey(apiKey, mapping), nil
}

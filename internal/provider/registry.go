package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider ids to implementations. It is built once at
// startup and passed explicitly to the engine.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under p.ID(). Duplicate ids are rejected.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("provider must be non-nil with a non-empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("provider %q already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// MustRegister is Register for wiring code where a duplicate is a bug.
func (r *Registry) MustRegister(p Provider) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the provider for id, or a provider_not_found error.
func (r *Registry) Lookup(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, NewError(KindProviderNotFound, id, "no provider registered", nil)
	}
	return p, nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package providers wires resource kinds to the Provider implementations
// that provision them. The engine resolves providers through the Registry
// and never branches on kind itself.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meadowops/meadow/pkg/engine"
)

// Registry maps resource kinds to providers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[engine.ResourceKind]engine.Provider
}

var _ engine.ProviderRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[engine.ResourceKind]engine.Provider),
	}
}

// Register binds a provider to a kind, replacing any previous binding.
func (r *Registry) Register(kind engine.ResourceKind, p engine.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
}

// Resolve returns the provider for a kind, or a validation error.
func (r *Registry) Resolve(kind engine.ResourceKind) (engine.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("no provider registered for kind %q", kind))
	}
	return p, nil
}

// Kinds lists the registered kinds in ascending order.
func (r *Registry) Kinds() []engine.ResourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]engine.ResourceKind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

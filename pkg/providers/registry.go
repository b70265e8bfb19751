package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/provseq/pkg/engine"
)

// Factory creates a provider instance. It is called at most once per
// registry, the first time a workflow uses the provider.
type Factory func(ctx context.Context) (engine.Provider, error)

// Registry maps provider names such as "aws.vpc" to providers.
type Registry struct {
	// mu protects the registry state.
	mu sync.Mutex

	// factories maps provider name to factory.
	factories map[string]Factory

	// providers caches instantiated providers by name.
	providers map[string]engine.Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]engine.Provider),
	}
}

// Register registers a provider factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if factory == nil {
		return fmt.Errorf("provider %s: factory is required", name)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.factories[name] = factory
	return nil
}

// RegisterProvider registers an already built provider.
func (r *Registry) RegisterProvider(name string, provider engine.Provider) error {
	return r.Register(name, func(context.Context) (engine.Provider, error) { return provider, nil })
}

// Get returns the provider registered under name, creating it on first use.
func (r *Registry) Get(ctx context.Context, name string) (engine.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check if provider is already loaded
	if provider, exists := r.providers[name]; exists {
		return provider, nil
	}

	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found (registered: %v)", name, r.namesLocked())
	}

	provider, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", name, err)
	}

	r.providers[name] = provider
	return provider, nil
}

// Has reports whether a provider is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.factories[name]
	return ok
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

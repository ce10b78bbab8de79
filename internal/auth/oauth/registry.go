package oauth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/zovohq/zovo/pkg/errors"
)

// ErrProviderExists is returned when registering a provider name twice.
var ErrProviderExists = errors.New("oauth registry: provider already registered")

// Registry maintains the catalogue of configured identity providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, enforcing uniqueness by name.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return errors.New("oauth registry: provider is required")
	}
	name := strings.ToLower(strings.TrimSpace(provider.Name()))
	if name == "" {
		return errors.New("oauth registry: provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, name)
	}
	r.providers[name] = provider
	return nil
}

// Get resolves a provider by name. Unknown names surface as an API error so
// handlers can pass it straight through.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, apperrors.ErrUnknownProvider
	}
	return provider, nil
}

// Names lists the registered provider names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

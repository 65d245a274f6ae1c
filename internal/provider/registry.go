package provider

import (
	"sort"
	"strings"
	"sync"

	"github.com/sleepysoong/codial/internal/apperr"
)

// Registry maps provider names to shared, immutable adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: make(map[string]Adapter)}
	for _, adapter := range adapters {
		registry.Register(adapter)
	}
	return registry
}

func (r *Registry) Register(adapter Adapter) {
	if r == nil || adapter == nil {
		return
	}
	key := normalizeProviderName(adapter.Name())
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key] = adapter
}

// Resolve returns the adapter for a provider name or PROVIDER_NOT_ENABLED.
func (r *Registry) Resolve(name string) (Adapter, error) {
	key := normalizeProviderName(name)

	r.mu.RLock()
	adapter, ok := r.adapters[key]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.CodeProviderNotEnabled, false,
			"provider %q is not enabled (enabled: %s)", name, strings.Join(r.Names(), ", "))
	}
	return adapter, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

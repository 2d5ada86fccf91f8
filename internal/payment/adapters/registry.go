package adapters

import (
	"strings"
	"sync"

	"github.com/smallbiznis/bookpay/internal/payment/domain"
)

// Registry resolves gateway adapters by provider name. Factories are registered
// once at startup; Configure builds the long-lived adapter for a provider.
type Registry struct {
	factories map[string]domain.AdapterFactory

	mu         sync.RWMutex
	configured map[string]domain.PaymentAdapter
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories:  map[string]domain.AdapterFactory{},
		configured: map[string]domain.PaymentAdapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	factory, ok := r.factories[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}

// Configure builds and caches the adapter for cfg.Provider, replacing any
// previous one.
func (r *Registry) Configure(cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	adapter, err := r.NewAdapter(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.configured[normalize(cfg.Provider)] = adapter
	r.mu.Unlock()
	return adapter, nil
}

// Adapter returns the configured adapter for provider.
func (r *Registry) Adapter(provider string) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	r.mu.RLock()
	adapter, ok := r.configured[normalize(provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}

// Use registers an already built adapter. Tests use it to install fakes.
func (r *Registry) Use(adapter domain.PaymentAdapter) {
	if r == nil || adapter == nil {
		return
	}
	r.mu.Lock()
	r.configured[normalize(adapter.Provider())] = adapter
	r.mu.Unlock()
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

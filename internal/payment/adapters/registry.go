package adapters

import (
	"sort"
	"strings"

	"github.com/smallbiznis/bookshelf/internal/payment/domain"
)

// Registry holds the configured providers keyed by name.
type Registry struct {
	adapters        map[string]domain.ProviderAdapter
	defaultProvider string
}

var _ domain.GatewayResolver = (*Registry)(nil)

func NewRegistry(defaultProvider string, adapters ...domain.ProviderAdapter) *Registry {
	registry := &Registry{
		adapters:        map[string]domain.ProviderAdapter{},
		defaultProvider: normalize(defaultProvider),
	}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := normalize(adapter.Provider())
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.adapters[normalize(provider)]
	return ok
}

func (r *Registry) Gateway(provider string) (domain.Gateway, error) {
	adapter, err := r.lookup(provider)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

func (r *Registry) Webhook(provider string) (domain.WebhookAdapter, error) {
	adapter, err := r.lookup(provider)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

func (r *Registry) DefaultProvider() string {
	if r == nil {
		return ""
	}
	return r.defaultProvider
}

func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(provider string) (domain.ProviderAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

package channel

import (
	"github.com/smallbiznis/dunning/internal/channel/domain"
)

type Registry struct {
	adapters map[domain.Channel]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[domain.Channel]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		ch := adapter.Channel()
		if !ch.Valid() {
			continue
		}
		registry.adapters[ch] = adapter
	}
	return registry
}

func (r *Registry) Supports(ch domain.Channel) bool {
	if r == nil {
		return false
	}
	_, ok := r.adapters[ch]
	return ok
}

func (r *Registry) Adapter(ch domain.Channel) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrAdapterNotFound
	}
	adapter, ok := r.adapters[ch]
	if !ok {
		return nil, domain.ErrAdapterNotFound
	}
	return adapter, nil
}

package core

import (
	"fmt"
	"sync"
)

type PlatformAdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[Platform]ProviderAdapter
}

func NewPlatformAdapterRegistry() *PlatformAdapterRegistry {
	return &PlatformAdapterRegistry{adapters: make(map[Platform]ProviderAdapter)}
}

func (r *PlatformAdapterRegistry) Register(platform Platform, adapter ProviderAdapter) error {
	if adapter == nil {
		return fmt.Errorf("core: adapter is nil")
	}
	switch platform {
	case PlatformA, PlatformB:
	default:
		return fmt.Errorf("core: unknown platform %q", platform)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[platform]; exists {
		return fmt.Errorf("core: adapter already registered for platform: %s", platform)
	}
	r.adapters[platform] = adapter
	return nil
}

func (r *PlatformAdapterRegistry) Get(platform Platform) (ProviderAdapter, bool) {
	r.mu.RLock()
	adapter, ok := r.adapters[platform]
	r.mu.RUnlock()
	return adapter, ok
}

var _ AdapterRegistry = (*PlatformAdapterRegistry)(nil)

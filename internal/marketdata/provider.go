package marketdata

import (
	"fmt"
	"sync"
)

// PollTransportFactory builds a PollTransport for a provider.
type PollTransportFactory func() (PollTransport, error)

// ProviderRegistry maps provider names to transport factories. It is
// constructed at startup and passed by reference to whatever needs it.
type ProviderRegistry struct {
	mu        sync.RWMutex
	factories map[Provider]PollTransportFactory
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{factories: make(map[Provider]PollTransportFactory)}
}

// Register installs a factory for name, replacing any previous one.
func (pr *ProviderRegistry) Register(name Provider, factory PollTransportFactory) {
	pr.mu.Lock()
	pr.factories[name] = factory
	pr.mu.Unlock()
}

// New builds a transport for name. Unknown providers are an error at the
// call site, not a silent fallback.
func (pr *ProviderRegistry) New(name Provider) (PollTransport, error) {
	pr.mu.RLock()
	factory, ok := pr.factories[name]
	pr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider registry: unknown provider %q", name)
	}
	return factory()
}

// Providers lists the registered provider names.
func (pr *ProviderRegistry) Providers() []Provider {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	out := make([]Provider, 0, len(pr.factories))
	for name := range pr.factories {
		out = append(out, name)
	}
	return out
}

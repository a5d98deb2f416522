package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// ErrGatewayNotRegistered is returned by [Registry.CreateGateway] when no
// factory has been registered under the requested name.
var ErrGatewayNotRegistered = errors.New("config: gateway not registered")

// GatewayFactory builds a gateway from its configuration block.
type GatewayFactory func(GatewayConfig) (live.Gateway, error)

// Registry maps gateway names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]GatewayFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]GatewayFactory)}
}

// RegisterGateway registers a gateway factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterGateway(name string, factory GatewayFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[name] = factory
}

// CreateGateway instantiates a gateway using the factory registered under
// cfg.Name. Returns [ErrGatewayNotRegistered] if there is none.
func (r *Registry) CreateGateway(cfg GatewayConfig) (live.Gateway, error) {
	r.mu.RLock()
	factory, ok := r.gateways[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrGatewayNotRegistered, cfg.Name, r.Names())
	}
	return factory(cfg)
}

// Names returns the registered gateway names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

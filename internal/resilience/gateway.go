package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/livecritic/pkg/provider/live"
)

// Compile-time interface assertion.
var _ live.Gateway = (*GuardedGateway)(nil)

// GuardedGateway wraps a [live.Gateway] so that Connect runs through a
// [CircuitBreaker]. Only handshake failures trip the breaker; a dial abandoned
// because the caller cancelled its context is neutral. While the breaker is
// open Connect returns an error wrapping both [live.ErrHandshakeFailure] and
// [ErrCircuitOpen] without dialling.
type GuardedGateway struct {
	inner live.Gateway
	cb    *CircuitBreaker
}

// GuardOption configures a [GuardedGateway].
type GuardOption func(*CircuitBreakerConfig)

// WithMaxFailures sets how many consecutive handshake failures open the breaker.
func WithMaxFailures(n int) GuardOption {
	return func(c *CircuitBreakerConfig) { c.MaxFailures = n }
}

// WithResetTimeout sets how long the breaker stays open before admitting a probe.
func WithResetTimeout(d time.Duration) GuardOption {
	return func(c *CircuitBreakerConfig) { c.ResetTimeout = d }
}

// WithGuardLogger sets the logger for breaker transitions.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(c *CircuitBreakerConfig) { c.Logger = l }
}

// WithClock replaces the breaker clock. Intended for tests.
func WithClock(now func() time.Time) GuardOption {
	return func(c *CircuitBreakerConfig) { c.Now = now }
}

// Guard wraps inner with a handshake circuit breaker.
func Guard(inner live.Gateway, opts ...GuardOption) *GuardedGateway {
	cfg := CircuitBreakerConfig{
		Name:      inner.Name(),
		IsFailure: isHandshakeFailure,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &GuardedGateway{inner: inner, cb: NewCircuitBreaker(cfg)}
}

func isHandshakeFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Connect implements [live.Gateway].
func (g *GuardedGateway) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.SessionHandle, error) {
	var handle live.SessionHandle
	err := g.cb.Execute(func() error {
		var err error
		handle, err = g.inner.Connect(ctx, cfg, cb)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %s: %w", live.ErrHandshakeFailure, g.inner.Name(), err)
	}
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Name implements [live.Gateway].
func (g *GuardedGateway) Name() string { return g.inner.Name() }

// State reports the breaker state.
func (g *GuardedGateway) State() State { return g.cb.State() }

// Reset closes the breaker, e.g. after the operator fixed credentials.
func (g *GuardedGateway) Reset() { g.cb.Reset() }

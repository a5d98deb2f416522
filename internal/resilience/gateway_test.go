package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/livecritic/pkg/provider/live"
	"github.com/MrWong99/livecritic/pkg/provider/live/mock"
)

func TestGuard_OpensAfterHandshakeFailures(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	inner := &mock.Gateway{ConnectErr: fmt.Errorf("%w: 401", live.ErrHandshakeFailure)}
	g := Guard(inner, WithMaxFailures(2), WithResetTimeout(time.Minute), WithClock(clk.Now))

	if g.Name() != "mock" {
		t.Errorf("Name = %q, want mock", g.Name())
	}
	for range 2 {
		if _, err := g.Connect(context.Background(), live.Config{}, live.Callbacks{}); !errors.Is(err, live.ErrHandshakeFailure) {
			t.Fatalf("Connect err = %v, want ErrHandshakeFailure", err)
		}
	}
	if g.State() != StateOpen {
		t.Fatalf("state = %v, want open", g.State())
	}

	_, err := g.Connect(context.Background(), live.Config{}, live.Callbacks{})
	if !errors.Is(err, live.ErrHandshakeFailure) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Connect err = %v, want ErrHandshakeFailure and ErrCircuitOpen", err)
	}
	if n := inner.ConnectCount(); n != 2 {
		t.Fatalf("inner connects = %d, want 2", n)
	}
}

func TestGuard_RecoversAfterResetTimeout(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	inner := &mock.Gateway{ConnectErr: live.ErrHandshakeFailure}
	g := Guard(inner, WithMaxFailures(1), WithResetTimeout(time.Minute), WithClock(clk.Now))
	_, _ = g.Connect(context.Background(), live.Config{}, live.Callbacks{})

	inner.ConnectErr = nil
	clk.Advance(time.Minute)

	h, err := g.Connect(context.Background(), live.Config{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()
	if g.State() != StateClosed {
		t.Fatalf("state = %v, want closed", g.State())
	}
}

func TestGuard_CancellationIsNeutral(t *testing.T) {
	t.Parallel()

	inner := &mock.Gateway{ConnectHook: func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("%w: %w", live.ErrHandshakeFailure, ctx.Err())
	}}
	g := Guard(inner, WithMaxFailures(1))

	for range 3 {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := g.Connect(ctx, live.Config{}, live.Callbacks{}); !errors.Is(err, context.Canceled) {
			t.Fatalf("Connect err = %v, want context.Canceled", err)
		}
	}
	if g.State() != StateClosed {
		t.Fatalf("state = %v, want closed", g.State())
	}
}

func TestGuard_Reset(t *testing.T) {
	t.Parallel()

	inner := &mock.Gateway{ConnectErr: live.ErrHandshakeFailure}
	g := Guard(inner, WithMaxFailures(1), WithResetTimeout(time.Hour))
	_, _ = g.Connect(context.Background(), live.Config{}, live.Callbacks{})
	g.Reset()
	if g.State() != StateClosed {
		t.Fatalf("state = %v, want closed", g.State())
	}
}

package resilience

import (
	"context"
	"fmt"

	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// Guard wraps a chat provider with a circuit breaker. While the breaker is
// open, calls fail fast with an error satisfying
// errors.Is(err, chat.ErrProviderUnavailable) instead of hammering a
// backend that is already refusing work.
//
// Streaming responses count as a success once the provider hands back the
// stream; mid-stream errors are the caller's to observe and do not feed
// the breaker.
type Guard struct {
	inner   chat.Provider
	breaker *Breaker
}

var _ chat.Provider = (*Guard)(nil)

// NewGuard wraps provider with a breaker configured by cfg.
func NewGuard(provider chat.Provider, cfg BreakerConfig) *Guard {
	return &Guard{
		inner:   provider,
		breaker: NewBreaker(cfg),
	}
}

// HealthCheck probes the wrapped provider through the breaker, so a probe
// against a recovering backend also helps close the circuit.
func (g *Guard) HealthCheck(ctx context.Context) error {
	return g.guarded(func() error { return g.inner.HealthCheck(ctx) })
}

// ListModels forwards to the wrapped provider through the breaker.
func (g *Guard) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	var models []types.ModelInfo
	err := g.guarded(func() error {
		var err error
		models, err = g.inner.ListModels(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return models, nil
}

// Chat forwards to the wrapped provider through the breaker. Cancellation
// by the caller does not count as a backend failure.
func (g *Guard) Chat(ctx context.Context, req chat.Request) (*chat.Response, error) {
	var resp *chat.Response
	var callErr error
	err := g.breaker.Do(func() error {
		resp, callErr = g.inner.Chat(ctx, req)
		if callErr != nil && ctx.Err() != nil {
			// The caller walked away; the backend is not to blame.
			return nil
		}
		return callErr
	})
	if err != nil {
		return nil, g.translate(err)
	}
	if callErr != nil {
		return nil, callErr
	}
	return resp, nil
}

// guarded runs fn through the breaker and translates a tripped circuit.
func (g *Guard) guarded(fn func() error) error {
	if err := g.breaker.Do(fn); err != nil {
		return g.translate(err)
	}
	return nil
}

// translate maps a rejected call onto the shared provider error taxonomy.
func (g *Guard) translate(err error) error {
	if err == ErrOpen {
		return fmt.Errorf("%w: circuit open, backend cooling down", chat.ErrProviderUnavailable)
	}
	return err
}

// State exposes the breaker state for health reporting.
func (g *Guard) State() State {
	return g.breaker.State()
}

package embedding

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/resilience"
)

// Guarded routes calls to a primary provider through a circuit breaker.
// While the circuit is open, calls short-circuit to the fallback provider
// when one is configured.
type Guarded struct {
	primary  Provider
	fallback Provider
	breaker  *resilience.Breaker
	logger   *slog.Logger
	observer func(from, to resilience.State)
}

// GuardedOption configures a Guarded provider.
type GuardedOption func(*Guarded)

// WithObserver registers fn to be called on every breaker transition, after
// the transition has been logged.
func WithObserver(fn func(from, to resilience.State)) GuardedOption {
	return func(g *Guarded) { g.observer = fn }
}

// NewGuarded wraps primary with breaker. fallback may be nil.
func NewGuarded(primary, fallback Provider, breaker *resilience.Breaker, logger *slog.Logger, opts ...GuardedOption) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guarded{primary: primary, fallback: fallback, breaker: breaker, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	breaker.OnStateChange(func(from, to resilience.State) {
		g.logger.Warn("embedding circuit breaker transition",
			"provider", primary.Name(),
			"from", from.String(),
			"to", to.String(),
		)
		if g.observer != nil {
			g.observer(from, to)
		}
	})
	return g
}

func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := g.call(ctx, text)
	if errors.Is(err, resilience.ErrCircuitOpen) && g.fallback != nil {
		g.logger.Debug("embedding via fallback provider", "provider", g.fallback.Name())
		return g.fallback.Embed(ctx, text)
	}
	return v, err
}

func (g *Guarded) call(ctx context.Context, text string) ([]float32, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, &domain.TransientProviderError{Provider: g.primary.Name(), Err: err}
	}
	v, err := g.primary.Embed(ctx, text)
	switch {
	case err == nil:
		g.breaker.Record(nil)
	case errors.Is(err, context.Canceled), !domain.IsTransient(err):
		// Caller cancellation and rejected input leave provider health unknown.
		g.breaker.Release()
	default:
		g.breaker.Record(err)
	}
	return v, err
}

func (g *Guarded) Dimension() int { return g.primary.Dimension() }

func (g *Guarded) Name() string { return g.primary.Name() }

// FallbackName returns the fallback provider's name, or "" when none is set.
func (g *Guarded) FallbackName() string {
	if g.fallback == nil {
		return ""
	}
	return g.fallback.Name()
}

// State reports the breaker state.
func (g *Guarded) State() resilience.State { return g.breaker.State() }

// Strict returns a view sharing the same breaker that never falls back.
// Query embeddings must come from the primary model or not at all.
func (g *Guarded) Strict() Provider { return strict{g} }

type strict struct{ g *Guarded }

func (s strict) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.g.call(ctx, text)
}

func (s strict) Dimension() int { return s.g.Dimension() }

func (s strict) Name() string { return s.g.Name() }

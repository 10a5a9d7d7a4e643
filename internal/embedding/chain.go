package embedding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/circuitbreaker"
)

// ErrAllBackendsDown reports that every remote backend failed or was skipped
// and the deterministic fallback produced the vector. Callers treat this as
// a soft warning, never a request failure.
var ErrAllBackendsDown = errors.New("embedding: all remote backends unavailable")

// Chain tries remote backends in order and falls through to the
// deterministic backend. Each remote backend sits behind its own circuit
// breaker: after a few consecutive failures the backend is skipped entirely
// until the cooldown elapses.
type Chain struct {
	remotes  []guardedBackend
	fallback *Deterministic
	logger   *slog.Logger
}

type guardedBackend struct {
	backend Backend
	breaker *circuitbreaker.Breaker
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) ChainOption {
	return func(c *Chain) { c.logger = lg }
}

// NewChain builds the chain. dim fixes the output dimension; every remote
// backend must agree with it. Remote backends may be empty, in which case
// every embedding is deterministic.
func NewChain(dim int, remotes []Backend, opts ...ChainOption) *Chain {
	c := &Chain{
		fallback: NewDeterministic(dim),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, b := range remotes {
		c.remotes = append(c.remotes, guardedBackend{
			backend: b,
			breaker: circuitbreaker.New(
				circuitbreaker.WithThreshold(3),
				circuitbreaker.WithCooldown(30*time.Second),
			),
		})
	}
	return c
}

// Dim returns the chain's output dimension.
func (c *Chain) Dim() int { return c.fallback.Dim() }

// Embed returns a vector for text, the name of the backend that produced it,
// and ErrAllBackendsDown when the deterministic fallback was used despite
// remote backends being configured. The vector itself is always valid.
func (c *Chain) Embed(ctx context.Context, text string) ([]float32, string, error) {
	for _, g := range c.remotes {
		if !g.breaker.Allow() {
			continue
		}
		vec, err := g.backend.Embed(ctx, text)
		if err == nil {
			g.breaker.RecordSuccess()
			return vec, g.backend.Name(), nil
		}
		g.breaker.RecordFailure()
		c.logger.Debug("embedding backend failed",
			slog.String("backend", g.backend.Name()),
			slog.String("error", err.Error()))
		if ctx.Err() != nil {
			break // budget exhausted; do not try further remotes
		}
	}

	// The deterministic path ignores the context: it is pure CPU work and
	// must succeed even after the deadline fired.
	vec, err := c.fallback.Embed(context.Background(), text)
	if err != nil {
		// Unreachable with a sane dim; kept for the error contract.
		return make([]float32, c.fallback.Dim()), c.fallback.Name(), err
	}
	if len(c.remotes) > 0 {
		return vec, c.fallback.Name(), ErrAllBackendsDown
	}
	return vec, c.fallback.Name(), nil
}

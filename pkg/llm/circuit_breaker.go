package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/resilience"
	"github.com/harunnryd/sawt/pkg/session"
)

// CircuitBreakerGenerator stops calling a vendor that keeps rate limiting us,
// so callers fall back to the apology immediately instead of waiting.
type CircuitBreakerGenerator struct {
	inner   Generator
	breaker *resilience.CircuitBreaker
}

func NewCircuitBreakerGenerator(inner Generator, breaker *resilience.CircuitBreaker) *CircuitBreakerGenerator {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerGenerator{inner: inner, breaker: breaker}
}

func (g *CircuitBreakerGenerator) Name() string { return g.inner.Name() }

func (g *CircuitBreakerGenerator) GenerateReply(ctx context.Context, history []session.Turn, text string) (string, error) {
	var reply string
	err := g.breaker.Execute(func() error {
		var err error
		reply, err = g.inner.GenerateReply(ctx, history, text)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "", errorsx.Wrap(fmt.Errorf("%s: %w", g.Name(), err), errorsx.ReasonLLMCircuitOpen)
	}
	if resilience.IsRateLimit(err) {
		return "", errorsx.Wrap(err, errorsx.ReasonLLMRateLimit)
	}
	return reply, err
}

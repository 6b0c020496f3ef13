package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/sawt/pkg/resilience"
	"github.com/harunnryd/sawt/pkg/session"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
}

// Retry calls fn until it succeeds, the error is not retryable, attempts run
// out or ctx ends. Backoff waits are interrupted by ctx.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) (string, error)) (string, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	var lastErr error
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < cfg.MaxAttempts; i++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				break
			}
			return "", ctx.Err()
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !cfg.IsRetryable(err) || i == cfg.MaxAttempts-1 {
			break
		}
		timer := time.NewTimer(backoffDelay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, i, r))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("llm retry interrupted: %w", lastErr)
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("llm retry failed: %w", lastErr)
}

// DefaultIsRetryable retries everything except cancellation, deadlines and
// rate limits (those are the breaker's job).
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !resilience.IsRateLimit(err)
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := time.Duration(float64(d) * jitter * r.Float64())
		return d + j
	}
	return d
}

// RetryGenerator retries transient generator failures.
type RetryGenerator struct {
	inner Generator
	cfg   RetryConfig
}

func NewRetryGenerator(inner Generator, cfg RetryConfig) *RetryGenerator {
	return &RetryGenerator{inner: inner, cfg: cfg}
}

func (g *RetryGenerator) Name() string { return g.inner.Name() }

func (g *RetryGenerator) GenerateReply(ctx context.Context, history []session.Turn, text string) (string, error) {
	return Retry(ctx, g.cfg, func(ctx context.Context) (string, error) {
		return g.inner.GenerateReply(ctx, history, text)
	})
}

package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by guarded calls while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker blocks requests after repeated tripping failures.
// By default only rate limits trip it; Trip widens that.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time

	// Trip decides whether an error counts toward opening the breaker.
	Trip func(error) bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now, Trip: IsRateLimit}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if err == nil || c.Trip == nil || !c.Trip(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = c.now().Add(c.cooldown)
		c.failures = 0
	}
}

// Execute runs fn when the breaker allows it and records the outcome.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		c.OnError(err)
		return err
	}
	c.OnSuccess()
	return nil
}

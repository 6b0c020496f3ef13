package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// Retryable filters which errors get another attempt; nil retries everything.
	Retryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff < 0 {
		backoff = 0
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn up to MaxRetries+1 times, stopping early when ctx is done.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || (r.Retryable != nil && !r.Retryable(err)) {
			return err
		}
		if r.Backoff > 0 {
			timer := time.NewTimer(r.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}
	return err
}

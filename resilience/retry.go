package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/paygate-io/paygate/provider"
)

// RetryPolicy controls how provider calls are retried. Only errors the
// provider package classifies as retryable are attempted again.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the gateway defaults: three attempts with a
// two second backoff base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or the context is cancelled.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !provider.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.backoffDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// backoffDelay draws a full-jitter delay: uniform over (0, base·2^(attempt−1)).
// Jitter spreads correlated retries from many gateway instances apart.
func (p RetryPolicy) backoffDelay(attempt int) time.Duration {
	ceiling := p.BaseDelay
	for i := 1; i < attempt; i++ {
		ceiling *= 2
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

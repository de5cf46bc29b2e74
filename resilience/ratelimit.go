package resilience

import (
	"sync"
	"time"
)

// TokenBucket throttles outbound calls to one provider. Tokens refill
// continuously at the configured rate up to the burst ceiling.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewTokenBucket creates a full bucket. A rate of zero or less disables
// throttling entirely; callers should not construct a bucket for it.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	tb := &TokenBucket{
		rate:  rps,
		burst: float64(burst),
		now:   time.Now,
	}
	tb.tokens = tb.burst
	tb.last = tb.now()
	return tb
}

// Allow takes one token, reporting false when the bucket is empty.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.last = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

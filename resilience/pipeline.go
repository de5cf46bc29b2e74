package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/infra/metrics"
	"github.com/paygate-io/paygate/provider"
)

// ErrRateLimited marks a call refused by the local token bucket. It is
// wrapped in a retryable provider error so the retry loop backs off into
// the next refill instead of failing the payment.
var ErrRateLimited = errors.New("resilience: provider rate limit exceeded")

// PipelineConfig carries the per-call protections around provider calls.
type PipelineConfig struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// DefaultPipelineConfig matches the gateway defaults: a 30 second call
// timeout around the default retry policy.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{Timeout: 30 * time.Second, Retry: DefaultRetryPolicy()}
}

// Pipeline composes retry, circuit breaking, rate limiting and a
// per-attempt timeout around every provider call. The breaker observes
// individual attempt outcomes, and the timeout wraps each attempt so a
// stuck call cannot stall the retry loop.
type Pipeline struct {
	config  PipelineConfig
	breaker *Breaker
	latency LatencyTracker

	mu       sync.RWMutex
	limiters map[string]*TokenBucket
	timeouts map[string]time.Duration
}

// NewPipeline creates a pipeline over the shared breaker and latency
// tracker.
func NewPipeline(config PipelineConfig, breaker *Breaker, latency LatencyTracker) *Pipeline {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry = DefaultRetryPolicy()
	}
	return &Pipeline{
		config:   config,
		breaker:  breaker,
		latency:  latency,
		limiters: make(map[string]*TokenBucket),
		timeouts: make(map[string]time.Duration),
	}
}

// Breaker exposes the underlying breaker for state queries and transition
// hooks.
func (p *Pipeline) Breaker() *Breaker {
	return p.breaker
}

// Latency exposes the shared latency tracker for routing decisions.
func (p *Pipeline) Latency() LatencyTracker {
	return p.latency
}

// SetRateLimit installs or replaces the provider's outbound token bucket.
// A rate of zero or less removes the limit.
func (p *Pipeline) SetRateLimit(name string, rps float64, burst int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rps <= 0 {
		delete(p.limiters, name)
		return
	}
	p.limiters[name] = NewTokenBucket(rps, burst)
}

// SetTimeout overrides the per-attempt timeout for one provider.
func (p *Pipeline) SetTimeout(name string, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeout <= 0 {
		delete(p.timeouts, name)
		return
	}
	p.timeouts[name] = timeout
}

func (p *Pipeline) limiter(name string) *TokenBucket {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limiters[name]
}

func (p *Pipeline) timeout(name string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t, ok := p.timeouts[name]; ok {
		return t
	}
	return p.config.Timeout
}

// Execute runs fn against the named provider under the full protection
// stack. The operation label only feeds metrics.
func (p *Pipeline) Execute(ctx context.Context, name, operation string, fn func(ctx context.Context) error) error {
	return p.config.Retry.Do(ctx, func(attempt int) error {
		if err := p.breaker.Allow(ctx, name); err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				return err
			}
			// Breaker store outage: fail open rather than refusing payments.
			logger.Warn("breaker store unavailable, allowing call", logger.LogContext{
				Provider: name,
				Fields:   map[string]any{"error": err.Error(), "attempt": attempt},
			})
		}

		if tb := p.limiter(name); tb != nil && !tb.Allow() {
			return &provider.Error{
				Provider: name,
				Kind:     provider.ErrorKindRateLimited,
				Message:  "outbound rate limit exceeded",
				Err:      ErrRateLimited,
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout(name))
		defer cancel()

		start := time.Now()
		err := fn(attemptCtx)
		elapsed := time.Since(start)

		metrics.ProviderCallDuration.WithLabelValues(name, operation).Observe(elapsed.Seconds())

		if err != nil {
			if recErr := p.breaker.RecordFailure(ctx, name); recErr != nil {
				logger.Warn("failed to record breaker failure", logger.LogContext{
					Provider: name,
					Fields:   map[string]any{"error": recErr.Error()},
				})
			}
			return err
		}

		if recErr := p.breaker.RecordSuccess(ctx, name); recErr != nil {
			logger.Warn("failed to record breaker success", logger.LogContext{
				Provider: name,
				Fields:   map[string]any{"error": recErr.Error()},
			})
		}
		if p.latency != nil {
			if obsErr := p.latency.Observe(ctx, name, elapsed); obsErr != nil {
				logger.Debug("failed to record provider latency", logger.LogContext{
					Provider: name,
					Fields:   map[string]any{"error": obsErr.Error()},
				})
			}
		}
		return nil
	})
}

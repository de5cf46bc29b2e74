// Package resilience is the protection stack around outbound provider
// calls: bounded retry, per-provider circuit breaking, optional outbound
// rate limiting and a per-attempt timeout, composed by Pipeline.Execute.
//
// # Composition
//
// The retry loop is outermost. Inside each attempt the breaker is consulted
// first, then the provider's token bucket, then the call runs under its own
// timeout so a stuck attempt cannot stall the loop. The breaker observes
// individual attempt outcomes, not the loop's final result. A token bucket
// denial surfaces as a retryable rate_limited provider error and is never
// counted against the breaker.
//
// # Retry
//
// RetryPolicy retries only errors the provider layer classifies as
// retryable, sleeping with full jitter over a capped exponential schedule
// and honoring context cancellation between attempts. Auth and
// invalid_request failures return immediately; replaying a rejected charge
// cannot succeed.
//
// # Circuit breaker
//
// One logical breaker exists per provider across all gateway instances.
// State lives in a BreakerStore (Redis in production, in-memory in tests)
// and moves closed, open, half_open, closed. It trips on consecutive
// failures or on failure ratio over a sliding window, stays open for a
// fixed interval, then admits exactly one fleet-wide probe. Updates go
// through a versioned compare-and-set so concurrent instances converge on
// one transition, and transition hooks feed provider health events. A
// store outage fails open: the gateway keeps calling providers it cannot
// coordinate about.
//
// # Latency
//
// LatencyTracker keeps an exponentially weighted moving average of call
// durations per provider, shared through Redis. The router uses it to
// break priority ties in favor of the provider answering fastest.
package resilience

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/resilience"
	"github.com/paygate-io/paygate/store"
)

// Router selects the provider for a submission. Candidates come from the
// provider registry filtered by currency support; the live circuit breaker
// state and the latency tracker refine the choice.
type Router struct {
	providers ProviderStore
	breaker   *resilience.Breaker
	latency   resilience.LatencyTracker
}

// NewRouter creates a Router over the registry, breaker and latency tracker.
func NewRouter(providers ProviderStore, breaker *resilience.Breaker, latency resilience.LatencyTracker) *Router {
	return &Router{providers: providers, breaker: breaker, latency: latency}
}

// Route picks the provider for a payment in the given currency. A non-empty
// preferred name wins when that provider is routable, active and its breaker
// is not open; otherwise selection falls through to ranking. Ranking
// considers active providers before degraded ones, lower priority values
// first, and breaks priority ties with the lower observed latency.
func (r *Router) Route(ctx context.Context, currency, preferred string) (*store.PaymentProvider, error) {
	currency = strings.ToUpper(currency)
	candidates, err := r.providers.ListRoutable(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to list routable providers: %w", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for currency %s", ErrNoProviderAvailable, currency)
	}

	if preferred != "" {
		for i := range candidates {
			c := &candidates[i]
			if c.Name == preferred && c.Status == store.ProviderActive && !r.breakerOpen(ctx, c.Name) {
				return c, nil
			}
		}
		logger.Warn("preferred provider not routable, falling back to ranking",
			logger.LogContext{Provider: preferred, Fields: map[string]any{"currency": currency}})
	}

	if best := r.pick(ctx, candidates, store.ProviderActive); best != nil {
		return best, nil
	}
	// Degraded providers are a last resort ahead of rejecting the payment.
	if best := r.pick(ctx, candidates, store.ProviderDegraded); best != nil {
		return best, nil
	}
	return nil, fmt.Errorf("%w for currency %s", ErrNoProviderAvailable, currency)
}

// pick returns the best candidate with the given status whose breaker is
// not open, or nil when none qualifies.
func (r *Router) pick(ctx context.Context, candidates []store.PaymentProvider, status store.ProviderStatus) *store.PaymentProvider {
	var (
		best        *store.PaymentProvider
		bestLatency time.Duration
	)
	for i := range candidates {
		c := &candidates[i]
		if c.Status != status || r.breakerOpen(ctx, c.Name) {
			continue
		}
		lat := r.average(ctx, c.Name)
		switch {
		case best == nil:
			best, bestLatency = c, lat
		case c.Priority < best.Priority:
			best, bestLatency = c, lat
		case c.Priority == best.Priority && lat < bestLatency:
			best, bestLatency = c, lat
		}
	}
	return best
}

// breakerOpen treats a breaker store outage as closed: routing keeps
// working and the pipeline still refuses calls to a provider it knows is
// open.
func (r *Router) breakerOpen(ctx context.Context, name string) bool {
	state, err := r.breaker.State(ctx, name)
	if err != nil {
		logger.Warn("breaker state unavailable during routing, assuming closed",
			logger.LogContext{Provider: name, Fields: map[string]any{"error": err.Error()}})
		return false
	}
	return state == resilience.StateOpen
}

func (r *Router) average(ctx context.Context, name string) time.Duration {
	avg, err := r.latency.Average(ctx, name)
	if err != nil {
		return 0
	}
	return avg
}

package orchestrator

import (
	"context"
	"time"

	"github.com/paygate-io/paygate/bus"
	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/infra/metrics"
	"github.com/paygate-io/paygate/resilience"
	"github.com/paygate-io/paygate/store"
)

// healthHookTimeout caps the registry write from a breaker transition; the
// hook runs inline on a payment path.
const healthHookTimeout = 5 * time.Second

// HealthWatcher mirrors circuit breaker transitions into the provider
// registry and onto the event bus, so routing skips a tripped provider at
// the candidate query and operators see the trip without consulting the
// breaker store.
type HealthWatcher struct {
	providers ProviderStore
	publisher bus.Publisher
}

// NewHealthWatcher creates a HealthWatcher. Register BreakerTransition with
// the breaker's OnTransition.
func NewHealthWatcher(providers ProviderStore, publisher bus.Publisher) *HealthWatcher {
	return &HealthWatcher{providers: providers, publisher: publisher}
}

// BreakerTransition implements resilience.TransitionFunc.
//
// An open breaker parks the provider at circuit_open, which removes it from
// routing candidates. Half-open moves it to degraded instead: degraded rows
// are routable as a last resort, and that trickle of traffic is what feeds
// the probe. Closing restores active.
func (w *HealthWatcher) BreakerTransition(name string, from, to resilience.State) {
	metrics.BreakerTransitions.WithLabelValues(name, string(to)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), healthHookTimeout)
	defer cancel()

	switch to {
	case resilience.StateOpen:
		w.setStatus(ctx, name, store.ProviderCircuitOpen)
		w.publish(ctx, bus.NewProviderEvent(bus.EventProviderDegraded, name, string(to), "circuit breaker opened"))
	case resilience.StateHalfOpen:
		w.setStatus(ctx, name, store.ProviderDegraded)
	case resilience.StateClosed:
		w.setStatus(ctx, name, store.ProviderActive)
		w.publish(ctx, bus.NewProviderEvent(bus.EventProviderRecovered, name, string(to), "circuit breaker closed"))
	}

	logger.Info("provider breaker transition",
		logger.LogContext{Provider: name, Fields: map[string]any{"from": string(from), "to": string(to)}})
}

func (w *HealthWatcher) setStatus(ctx context.Context, name string, status store.ProviderStatus) {
	if err := w.providers.UpdateStatus(ctx, name, status); err != nil {
		logger.Error("failed to update provider status", err,
			logger.LogContext{Provider: name, Fields: map[string]any{"status": string(status)}})
	}
}

func (w *HealthWatcher) publish(ctx context.Context, ev bus.Event) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(ctx, ev); err != nil {
		logger.Error("failed to publish event", err,
			logger.LogContext{Fields: map[string]any{"event": ev.Key()}})
	}
}

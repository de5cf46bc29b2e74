package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PaymentsSubmitted counts payment submissions by provider and outcome
	PaymentsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_payments_submitted_total",
		Help: "Payment submissions by provider and outcome.",
	}, []string{"provider", "outcome"})

	// RefundsSubmitted counts refund submissions by provider and outcome
	RefundsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_refunds_submitted_total",
		Help: "Refund submissions by provider and outcome.",
	}, []string{"provider", "outcome"})

	// idempotent replays served without touching a provider
	IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_idempotent_replays_total",
		Help: "Requests answered from an existing transaction for the same idempotency key.",
	}, []string{"operation"})

	// ProviderCallDuration observes provider call latency
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_provider_call_duration_seconds",
		Help:    "Provider call latency by provider and operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	// BreakerTransitions counts circuit breaker state changes
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_breaker_transitions_total",
		Help: "Circuit breaker transitions by provider and new state.",
	}, []string{"provider", "state"})

	// WebhooksReceived counts webhook deliveries by provider and result
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_webhooks_received_total",
		Help: "Webhook deliveries by provider and result (accepted, duplicate, rejected).",
	}, []string{"provider", "result"})

	// WebhookSignatureFailures counts rejected webhook signatures
	WebhookSignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_webhook_signature_failures_total",
		Help: "Webhook deliveries rejected for an invalid signature.",
	}, []string{"provider"})

	// StatusCacheLookups counts status cache lookups by tier and result
	StatusCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_status_cache_lookups_total",
		Help: "Status cache lookups by tier (local, redis) and result (hit, miss).",
	}, []string{"tier", "result"})

	// EventsPublished counts lifecycle events published to the bus
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_events_published_total",
		Help: "Lifecycle events published to the message bus by event name.",
	}, []string{"event"})

	// ReconcileOutcomes counts stale transactions checked by the
	// reconciliation sweep, by outcome
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_reconcile_outcomes_total",
		Help: "Stale transactions checked against the provider by outcome (repaired, confirmed, discrepancy, error).",
	}, []string{"provider", "outcome"})
)

// Handler returns the Prometheus scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

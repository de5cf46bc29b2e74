// Package paygate is a payment gateway orchestrator: one API surface in
// front of multiple payment providers, with idempotent submission, health
// aware routing, asynchronous webhook processing and reconciliation.
//
// Instead of integrating each provider's dialect into every application,
// callers submit payments to one normalized API and the gateway decides
// which provider executes them:
//
//	┌─────────────────┐    ┌─────────────────┐    ┌─────────────────┐
//	│                 │    │                 │    │  Stripe         │
//	│   Your Apps     │◄──►│    Paygate      │◄──►│  PayPal         │
//	│                 │    │                 │    │  Omise          │
//	└─────────────────┘    └─────────────────┘    │  SCB            │
//	                                              └─────────────────┘
//
// # Submission path
//
// A POST /v1/payments request carries an Idempotency-Key header. The
// orchestrator replays the stored result if the key has been seen, otherwise
// it persists a pending transaction, routes to a healthy provider and calls
// it through a resilience pipeline (timeout, classified retry, per-provider
// circuit breaker). Every status change commits atomically with an
// append-only audit entry and is published to RabbitMQ for downstream
// consumers.
//
// # Asynchronous paths
//
// Provider webhooks are verified and persisted at the intake endpoint, then
// applied to payment state by asynq workers, so a provider retrying a
// delivery gets an answer in milliseconds regardless of database load.
// Scheduled sweeps reconcile stale pending payments against provider status
// endpoints, re-enqueue stuck webhook events and purge expired records.
//
// # Package layout
//
//   - provider: the adapter contract, normalized types, error
//     classification and the per-provider adapters (stripe, paypal, omise,
//     scb)
//   - orchestrator: payment and refund lifecycle, the state machine,
//     routing and tiered status reads
//   - webhook: webhook intake, verification and asynchronous application
//   - reconcile: scheduled sweeps for stale payments, stuck webhook events
//     and data retention
//   - resilience: circuit breaker, retry policy, latency tracking and the
//     call pipeline
//   - idempotency: Redis-backed idempotency locks and result replay
//   - store: PostgreSQL persistence and embedded migrations
//   - bus: RabbitMQ event publishing
//   - handler, router: the HTTP surface
//   - infra: configuration, logging, metrics, middleware, validation and
//     the OpenSearch call-log sink
//
// # Running
//
// cmd/main.go wires the whole system from environment configuration:
//
//	DB_HOST=localhost REDIS_ADDR=localhost:6379 RABBITMQ_URL=amqp://... ./paygate
//
// Provider credentials come from per-provider environment variables
// (STRIPE_SECRET_KEY, PAYPAL_CLIENT_ID, ...) or from rows managed through
// the /v1/providers admin API; stored credentials take precedence, and a
// restart picks up rotated keys.
package paygate

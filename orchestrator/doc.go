// Package orchestrator coordinates the lifecycle of payments and refunds:
// idempotent submission, provider routing, the state machine, status reads
// and provider health bookkeeping.
//
// # Submission
//
// Submit and SubmitRefund are the only entry points that create money
// movement. Both follow the same discipline: check for an existing
// transaction under the idempotency key, take a short distributed lock,
// persist the pending row together with its audit entry, then call the
// provider through the resilience pipeline. Whatever the outcome, the row
// ends in a definite state and the result is cached for replays.
//
// # State machine
//
// Payment status only moves along the edges in ValidTransition: pending to
// processing, completed or failed; processing to completed or failed;
// completed through the refund states. Terminal states never regress, and
// every transition lands in the transaction log in the same database
// transaction as the status write.
//
// # Routing
//
// Router picks the provider for a submission from the routable rows in
// PostgreSQL, skipping providers whose circuit breaker is open and
// preferring lower priority values, then lower observed latency. A caller
// supplied provider is honored only while it is active and its breaker is
// closed.
//
// # Status reads
//
// StatusService answers status lookups from a small in-process cache, then
// Redis, then PostgreSQL, and rewrites the outer tiers on the way back.
// Writers invalidate both tiers after every status change.
package orchestrator

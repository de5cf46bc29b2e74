// Package webhook receives provider notifications and settles them against
// transaction state.
//
// Handling is split in two. The Ingestor runs inside the HTTP request:
// resolve the provider, enforce its delivery budget, check the signature,
// record the event exactly once under the (provider_id, provider_event_id)
// constraint, and enqueue an asynq task. The Processor runs in the worker
// pool: it maps the provider's event name onto the payment or refund state
// machine and applies the transition in the same database transaction as the
// audit entry.
//
// # At-least-once safety
//
// Providers redeliver, queues redeliver, and sweeps re-enqueue, so every
// step tolerates running twice. The insert constraint collapses repeated
// deliveries to one row, the task id collapses repeated enqueues to one
// task, and the transition table turns a replayed or out-of-order event into
// a link-only no-op. At most one state transition results from any number of
// identical deliveries.
//
// # Retries
//
// A failed attempt parks the event as failed with a next_retry_at on the
// 1, 5, 15, 60, 360 minute staircase. asynq retries on the same staircase;
// the persisted timestamp exists for the scheduler sweep, which re-enqueues
// events whose worker died before reporting back.
package webhook

// Package reconcile repairs state the hot paths could not settle. It runs
// three scheduled sweeps: stale payments are re-checked against provider
// truth, parked webhook events are put back on the queue, and expired
// webhook rows are purged.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/paygate-io/paygate/bus"
	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/infra/metrics"
	"github.com/paygate-io/paygate/orchestrator"
	"github.com/paygate-io/paygate/provider"
	"github.com/paygate-io/paygate/resilience"
	"github.com/paygate-io/paygate/store"
)

// Task types the scheduler registers. The sweeps are idempotent, so a
// missed or doubled tick is harmless and the tasks carry no retries.
const (
	TypeStalePayments  = "reconcile:stale_payments"
	TypeWebhookRetries = "reconcile:webhook_retries"
	TypeWebhookPurge   = "reconcile:webhook_purge"
)

// Queue is the asynq queue the maintenance tasks run on, separate from the
// webhook queue so a webhook backlog cannot starve reconciliation.
const Queue = "maintenance"

// Defaults for the sweep knobs.
const (
	DefaultStaleAfter = 15 * time.Minute
	DefaultRetention  = 30 * 24 * time.Hour
	DefaultBatchSize  = 100
)

// NewStalePaymentsTask builds the scheduler task for the stale payment sweep.
func NewStalePaymentsTask() *asynq.Task {
	return asynq.NewTask(TypeStalePayments, nil, asynq.Queue(Queue), asynq.MaxRetry(0))
}

// NewWebhookRetriesTask builds the scheduler task for the webhook retry sweep.
func NewWebhookRetriesTask() *asynq.Task {
	return asynq.NewTask(TypeWebhookRetries, nil, asynq.Queue(Queue), asynq.MaxRetry(0))
}

// NewWebhookPurgeTask builds the scheduler task for webhook retention cleanup.
func NewWebhookPurgeTask() *asynq.Task {
	return asynq.NewTask(TypeWebhookPurge, nil, asynq.Queue(Queue), asynq.MaxRetry(0))
}

// PaymentStore lists and reads stale transactions. *store.PaymentRepo
// satisfies it.
type PaymentStore interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]store.PaymentTransaction, error)
}

// TxStore commits a repair together with its audit entry. *store.Store
// satisfies it.
type TxStore interface {
	UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.PaymentUpdate, entry *store.TransactionLog) (*store.PaymentTransaction, error)
}

// EventStore is the webhook-table surface the sweeps need. *store.WebhookRepo
// satisfies it.
type EventStore interface {
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]store.WebhookEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AdapterResolver returns the initialized adapter for a provider name.
type AdapterResolver func(name string) (provider.PaymentProvider, error)

// Enqueuer puts a stored webhook event back on the processing queue.
// *webhook.AsynqEnqueuer satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventID uuid.UUID) error
}

// StatusInvalidator drops cached status entries after a repair.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID)
}

// Config wires a Reconciler.
type Config struct {
	Payments  PaymentStore
	Tx        TxStore
	Events    EventStore
	Adapters  AdapterResolver
	Pipeline  *resilience.Pipeline
	Publisher bus.Publisher
	Enqueuer  Enqueuer
	Cache     StatusInvalidator

	// StaleAfter is how long a pending or processing row may sit untouched
	// before the sweep re-checks it against the provider.
	StaleAfter time.Duration
	// Retention bounds how long processed webhook rows are kept.
	Retention time.Duration
	// BatchSize caps the rows one sweep run touches.
	BatchSize int
}

// Reconciler runs the scheduled sweeps.
type Reconciler struct {
	payments  PaymentStore
	tx        TxStore
	events    EventStore
	adapters  AdapterResolver
	pipeline  *resilience.Pipeline
	publisher bus.Publisher
	enqueuer  Enqueuer
	cache     StatusInvalidator

	staleAfter time.Duration
	retention  time.Duration
	batchSize  int
}

// New creates a Reconciler from the config, applying defaults for unset
// knobs.
func New(cfg Config) *Reconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Reconciler{
		payments:   cfg.Payments,
		tx:         cfg.Tx,
		events:     cfg.Events,
		adapters:   cfg.Adapters,
		pipeline:   cfg.Pipeline,
		publisher:  cfg.Publisher,
		enqueuer:   cfg.Enqueuer,
		cache:      cfg.Cache,
		staleAfter: cfg.StaleAfter,
		retention:  cfg.Retention,
		batchSize:  cfg.BatchSize,
	}
}

// HandleStalePayments is the asynq handler for TypeStalePayments.
func (r *Reconciler) HandleStalePayments(ctx context.Context, _ *asynq.Task) error {
	_, err := r.SweepStalePayments(ctx)
	return err
}

// HandleWebhookRetries is the asynq handler for TypeWebhookRetries.
func (r *Reconciler) HandleWebhookRetries(ctx context.Context, _ *asynq.Task) error {
	_, err := r.SweepWebhookRetries(ctx)
	return err
}

// HandleWebhookPurge is the asynq handler for TypeWebhookPurge.
func (r *Reconciler) HandleWebhookPurge(ctx context.Context, _ *asynq.Task) error {
	_, err := r.PurgeExpiredWebhooks(ctx)
	return err
}

// SweepStats summarizes one stale payment sweep.
type SweepStats struct {
	Checked       int
	Repaired      int
	Confirmed     int
	Discrepancies int
	Errors        int
}

// SweepStalePayments re-checks pending and processing rows that have not
// moved within the stale horizon. Provider truth wins where the transition
// is legal; everything else becomes a reconciliation.discrepancy event.
// Rows flagged inconsistent by the orchestrator sit in this window too and
// are repaired the same way.
func (r *Reconciler) SweepStalePayments(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	before := time.Now().UTC().Add(-r.staleAfter)
	txs, err := r.payments.ListStale(ctx, before, r.batchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list stale transactions: %w", err)
	}

	for i := range txs {
		tx := &txs[i]
		stats.Checked++
		outcome := r.reconcile(ctx, tx)
		metrics.ReconcileOutcomes.WithLabelValues(tx.ProviderName, outcome).Inc()
		switch outcome {
		case "repaired":
			stats.Repaired++
		case "confirmed":
			stats.Confirmed++
		case "discrepancy":
			stats.Discrepancies++
		default:
			stats.Errors++
		}
	}

	if stats.Checked > 0 {
		logger.Info("stale payment sweep finished", logger.LogContext{Fields: map[string]any{
			"checked":       stats.Checked,
			"repaired":      stats.Repaired,
			"confirmed":     stats.Confirmed,
			"discrepancies": stats.Discrepancies,
			"errors":        stats.Errors,
		}})
	}
	return stats, nil
}

// reconcile settles one stale transaction and returns the outcome label.
func (r *Reconciler) reconcile(ctx context.Context, tx *store.PaymentTransaction) string {
	// Without a provider reference there is no provider truth to ask for.
	// The row cannot settle on its own, so it is failed with a discrepancy
	// event carrying the uncertainty.
	if tx.ProviderTransactionID == "" {
		r.publish(ctx, bus.NewDiscrepancyEvent(tx, "unknown",
			"no provider reference to reconcile against"))
		if err := r.repair(ctx, tx, store.PaymentFailed, nil,
			"reconciliation: no provider reference after stale horizon"); err != nil {
			if errors.Is(err, store.ErrConcurrencyConflict) {
				return "confirmed"
			}
			r.logRowError(tx, err)
			return "error"
		}
		return "discrepancy"
	}

	adapter, err := r.adapters(tx.ProviderName)
	if err != nil {
		r.logRowError(tx, err)
		return "error"
	}

	var resp *provider.StatusResponse
	err = r.pipeline.Execute(ctx, tx.ProviderName, "status", func(ctx context.Context) error {
		s, callErr := adapter.GetStatus(ctx, tx.ProviderTransactionID)
		if callErr != nil {
			return callErr
		}
		resp = s
		return nil
	})
	if err != nil {
		// Unreachable provider; the next sweep retries.
		r.logRowError(tx, err)
		return "error"
	}

	target, known := repairTarget(resp.Status)
	switch {
	case known && target == tx.Status:
		return "confirmed"
	case !known, !orchestrator.ValidTransition(tx.Status, target):
		r.publish(ctx, bus.NewDiscrepancyEvent(tx, string(resp.Status),
			"provider state not reachable from local state"))
		return "discrepancy"
	}

	if err := r.repair(ctx, tx, target, resp.RawResponse,
		fmt.Sprintf("reconciliation: provider reports %s", resp.Status)); err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			// Another writer, most likely a webhook, settled the row
			// between the read and the repair.
			return "confirmed"
		}
		r.logRowError(tx, err)
		return "error"
	}
	return "repaired"
}

// repair applies one legal transition with its audit entry, then publishes
// the matching lifecycle event and drops the cached status.
func (r *Reconciler) repair(ctx context.Context, tx *store.PaymentTransaction, target store.PaymentStatus, raw []byte, message string) error {
	upd := store.PaymentUpdate{Status: target}
	if target == store.PaymentCompleted {
		now := time.Now().UTC()
		upd.CompletedAt = &now
	}
	if target == store.PaymentFailed {
		upd.ErrorMessage = message
	}

	eventType := orchestrator.AuditPaymentProcessing
	switch target {
	case store.PaymentCompleted:
		eventType = orchestrator.AuditPaymentCompleted
	case store.PaymentFailed:
		eventType = orchestrator.AuditPaymentFailed
	}
	entry := &store.TransactionLog{
		PreviousStatus:   string(tx.Status),
		NewStatus:        string(target),
		EventType:        eventType,
		Message:          message,
		ProviderResponse: raw,
	}

	updated, err := r.tx.UpdatePaymentWithLog(ctx, tx.ID, tx.RowVersion, upd, entry)
	if err != nil {
		return err
	}

	if r.cache != nil {
		r.cache.Invalidate(ctx, updated.ID)
	}
	switch target {
	case store.PaymentCompleted:
		r.publish(ctx, bus.NewPaymentEvent(bus.EventPaymentCompleted, updated))
	case store.PaymentFailed:
		r.publish(ctx, bus.NewPaymentEvent(bus.EventPaymentFailed, updated))
	}
	return nil
}

// SweepWebhookRetries re-enqueues parked webhook events whose retry slot has
// arrived. Task id dedupe makes this safe against asynq's own retry of the
// same event.
func (r *Reconciler) SweepWebhookRetries(ctx context.Context) (int, error) {
	due, err := r.events.ListDueRetries(ctx, time.Now().UTC(), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due webhook retries: %w", err)
	}

	requeued := 0
	for i := range due {
		if err := r.enqueuer.Enqueue(ctx, due[i].ID); err != nil {
			logger.Error("failed to requeue webhook event", err,
				logger.LogContext{Fields: map[string]any{"event_id": due[i].ID.String()}})
			continue
		}
		requeued++
	}

	if requeued > 0 {
		logger.Info("webhook retry sweep finished", logger.LogContext{Fields: map[string]any{
			"due":      len(due),
			"requeued": requeued,
		}})
	}
	return requeued, nil
}

// PurgeExpiredWebhooks deletes webhook rows past the retention window.
func (r *Reconciler) PurgeExpiredWebhooks(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.retention)
	deleted, err := r.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired webhook events: %w", err)
	}
	if deleted > 0 {
		logger.Info("webhook retention purge finished", logger.LogContext{Fields: map[string]any{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		}})
	}
	return deleted, nil
}

func (r *Reconciler) publish(ctx context.Context, ev bus.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		logger.Error("failed to publish event", err,
			logger.LogContext{Fields: map[string]any{"event": ev.Key()}})
	}
}

func (r *Reconciler) logRowError(tx *store.PaymentTransaction, err error) {
	logger.Error("failed to reconcile transaction", err,
		logger.LogContext{Provider: tx.ProviderName, CorrelationID: tx.CorrelationID,
			Fields: map[string]any{"transaction_id": tx.ID.String()}})
}

// repairTarget maps a provider-side status to the local status it implies.
// Refunded is deliberately absent: refund settlement belongs to the refund
// aggregate, and a stale row reporting refunded is a discrepancy.
func repairTarget(s provider.PaymentStatus) (store.PaymentStatus, bool) {
	switch s {
	case provider.StatusPending:
		return store.PaymentPending, true
	case provider.StatusProcessing:
		return store.PaymentProcessing, true
	case provider.StatusCompleted:
		return store.PaymentCompleted, true
	case provider.StatusFailed:
		return store.PaymentFailed, true
	}
	return "", false
}

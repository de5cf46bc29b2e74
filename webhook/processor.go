package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/paygate-io/paygate/bus"
	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/orchestrator"
	"github.com/paygate-io/paygate/store"
)

// PaymentStore is the payment lookup surface the processor needs.
// *store.PaymentRepo satisfies it.
type PaymentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.PaymentTransaction, error)
	GetByProviderTransactionID(ctx context.Context, providerID uuid.UUID, providerTxID string) (*store.PaymentTransaction, error)
}

// RefundStore is the refund lookup surface. *store.RefundRepo satisfies it.
type RefundStore interface {
	GetByProviderRefundID(ctx context.Context, providerID uuid.UUID, providerRefundID string) (*store.RefundTransaction, error)
	ListByPayment(ctx context.Context, paymentTxID uuid.UUID) ([]store.RefundTransaction, error)
}

// TxStore commits a payment state change together with its audit entry.
// *store.Store satisfies it.
type TxStore interface {
	UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.PaymentUpdate, entry *store.TransactionLog) (*store.PaymentTransaction, error)
}

// RefundSettler settles asynchronous refunds against the refund aggregate.
// *orchestrator.RefundOrchestrator satisfies it.
type RefundSettler interface {
	Complete(ctx context.Context, rf *store.RefundTransaction, providerRefundID string) (*store.RefundTransaction, error)
	Fail(ctx context.Context, rf *store.RefundTransaction, message string) (*store.RefundTransaction, error)
}

// StatusInvalidator drops cached status entries after a write.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID)
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Events    EventStore
	Payments  PaymentStore
	Refunds   RefundStore
	Providers ProviderDirectory
	Tx        TxStore
	Settler   RefundSettler
	Publisher bus.Publisher
	Cache     StatusInvalidator
}

// Processor settles stored webhook events against transaction state. It runs
// as the asynq handler for TypeProcessWebhook; each run is one attempt, and
// failed attempts are retried on the staircase both by asynq and, for
// attempts a crashed worker never reported, by the scheduler sweep over
// next_retry_at.
type Processor struct {
	events    EventStore
	payments  PaymentStore
	refunds   RefundStore
	providers ProviderDirectory
	tx        TxStore
	settler   RefundSettler
	publisher bus.Publisher
	cache     StatusInvalidator
}

// NewProcessor creates a Processor from the config.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		events:    cfg.Events,
		payments:  cfg.Payments,
		refunds:   cfg.Refunds,
		providers: cfg.Providers,
		tx:        cfg.Tx,
		settler:   cfg.Settler,
		publisher: cfg.Publisher,
		cache:     cfg.Cache,
	}
}

// ProcessTask is the asynq handler entry point.
func (p *Processor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to decode webhook task payload: %v: %w", err, asynq.SkipRetry)
	}
	return p.Process(ctx, payload.EventID)
}

// Process runs one processing attempt for the stored event. A returned error
// tells asynq to retry; everything already settled returns nil.
func (p *Processor) Process(ctx context.Context, eventID uuid.UUID) error {
	ev, err := p.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Purged by retention before the task ran.
			return nil
		}
		return err
	}

	switch ev.ProcessingStatus {
	case store.WebhookCompleted, store.WebhookDuplicate:
		// A previous delivery of this task already settled the event.
		return nil
	}

	// The unique constraint normally guarantees one row per provider event;
	// the re-check keeps backfilled or migrated duplicates from producing a
	// second transition.
	if canonical, derr := p.events.GetByProviderEvent(ctx, ev.ProviderID, ev.ProviderEventID); derr == nil {
		if canonical.ID != ev.ID {
			return p.events.MarkDuplicate(ctx, ev.ID)
		}
	} else if !errors.Is(derr, store.ErrNotFound) {
		return derr
	}

	attempts, err := p.events.MarkProcessing(ctx, ev.ID)
	if err != nil {
		return err
	}

	paymentID, refundID, perr := p.apply(ctx, ev)
	if perr != nil {
		p.parkFailure(ctx, ev, attempts, perr)
		return perr
	}

	return p.events.MarkCompleted(ctx, ev.ID, paymentID, refundID)
}

// apply settles the event against the transaction it reports on and returns
// the resolved links.
func (p *Processor) apply(ctx context.Context, ev *store.WebhookEvent) (*uuid.UUID, *uuid.UUID, error) {
	prov, err := p.providers.GetByID(ctx, ev.ProviderID)
	if err != nil {
		return nil, nil, err
	}

	eventType := ev.EventType
	if eventType == "" {
		eventType = ExtractEventType(prov.Name, ev.RawPayload)
	}

	if isRefundEvent(eventType) {
		return p.applyRefund(ctx, prov, ev, eventType)
	}
	return p.applyPayment(ctx, prov, ev, eventType)
}

// applyPayment moves the payment to the state the event reports, when that
// move is legal. Redelivered and out-of-order events fall through to linking
// only, which is what makes at-least-once delivery safe.
func (p *Processor) applyPayment(ctx context.Context, prov *store.PaymentProvider, ev *store.WebhookEvent, eventType string) (*uuid.UUID, *uuid.UUID, error) {
	tx, ref, err := p.locatePayment(ctx, prov, ev)
	if err != nil {
		return nil, nil, err
	}

	target := paymentTarget(eventType)
	switch {
	case tx.Status == target:
		// Nothing to move; link the event and finish.
	case !orchestrator.ValidTransition(tx.Status, target):
		logger.Warn("webhook reports unreachable payment state",
			logger.LogContext{Provider: prov.Name, CorrelationID: tx.CorrelationID, Fields: map[string]any{
				"transaction_id": tx.ID.String(),
				"status":         string(tx.Status),
				"target":         string(target),
				"event_type":     eventType,
			}})
	default:
		upd := store.PaymentUpdate{Status: target}
		if tx.ProviderTransactionID == "" {
			upd.ProviderTransactionID = ref
		}
		if target == store.PaymentCompleted {
			now := time.Now().UTC()
			upd.CompletedAt = &now
		}
		entry := &store.TransactionLog{
			PreviousStatus:   string(tx.Status),
			NewStatus:        string(target),
			EventType:        auditEventFor(target),
			Message:          fmt.Sprintf("provider webhook %s", eventType),
			ProviderResponse: ev.ParsedPayload,
		}
		updated, uerr := p.tx.UpdatePaymentWithLog(ctx, tx.ID, tx.RowVersion, upd, entry)
		if uerr != nil {
			// ErrConcurrencyConflict retries the task against fresh state.
			return nil, nil, uerr
		}
		tx = updated

		p.invalidate(ctx, tx.ID)
		switch target {
		case store.PaymentCompleted:
			p.publish(ctx, bus.NewPaymentEvent(bus.EventPaymentCompleted, tx))
		case store.PaymentFailed:
			p.publish(ctx, bus.NewPaymentEvent(bus.EventPaymentFailed, tx))
		}
	}

	id := tx.ID
	return &id, nil, nil
}

// applyRefund finds the refund the event reports on and settles it through
// the refund aggregate, which also moves the parent payment.
func (p *Processor) applyRefund(ctx context.Context, prov *store.PaymentProvider, ev *store.WebhookEvent, eventType string) (*uuid.UUID, *uuid.UUID, error) {
	rf, refundRef, err := p.locateRefund(ctx, prov, ev)
	if err != nil {
		return nil, nil, err
	}

	switch rf.Status {
	case store.RefundCompleted, store.RefundFailed:
		// Already settled; link only.
	default:
		if refundFailed(eventType) {
			rf, err = p.settler.Fail(ctx, rf, fmt.Sprintf("provider webhook %s", eventType))
		} else {
			rf, err = p.settler.Complete(ctx, rf, refundRef)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	paymentID := rf.PaymentTransactionID
	refundID := rf.ID
	return &paymentID, &refundID, nil
}

// locatePayment resolves the transaction the event refers to: the gateway's
// own transaction id from the conventional payload fields first, then the
// provider-side reference. A miss is retryable because providers can deliver
// a webhook before the submission that created the reference has committed.
func (p *Processor) locatePayment(ctx context.Context, prov *store.PaymentProvider, ev *store.WebhookEvent) (*store.PaymentTransaction, string, error) {
	ref := ExtractProviderReference(prov.Name, ev.RawPayload)

	if id, ok := ExtractTransactionID(ev.RawPayload); ok {
		tx, err := p.payments.GetByID(ctx, id)
		if err == nil {
			return tx, ref, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
	}

	if ref != "" {
		tx, err := p.payments.GetByProviderTransactionID(ctx, ev.ProviderID, ref)
		if err == nil {
			return tx, ref, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
	}

	return nil, "", fmt.Errorf("no transaction matches event %s from %s", ev.ProviderEventID, prov.Name)
}

// locateRefund resolves the refund the event refers to: by the provider-side
// refund id when the payload carries one we know, else the open refund of
// the referenced payment. The returned reference is non-empty only when it
// is the refund's own provider id.
func (p *Processor) locateRefund(ctx context.Context, prov *store.PaymentProvider, ev *store.WebhookEvent) (*store.RefundTransaction, string, error) {
	ref := ExtractProviderReference(prov.Name, ev.RawPayload)

	if ref != "" {
		rf, err := p.refunds.GetByProviderRefundID(ctx, ev.ProviderID, ref)
		if err == nil {
			return rf, ref, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
	}

	// The payload may only name the parent charge, e.g. stripe
	// charge.refunded; settle that payment's open refund.
	tx, _, err := p.locatePayment(ctx, prov, ev)
	if err != nil {
		return nil, "", err
	}
	open, err := p.refunds.ListByPayment(ctx, tx.ID)
	if err != nil {
		return nil, "", err
	}
	for i := range open {
		switch open[i].Status {
		case store.RefundPending, store.RefundProcessing:
			return &open[i], "", nil
		}
	}
	return nil, "", fmt.Errorf("no open refund matches event %s from %s", ev.ProviderEventID, prov.Name)
}

// parkFailure records the failure and the staircase retry slot. asynq drives
// the actual retry; the persisted next_retry_at lets the scheduler sweep
// recover events whose worker died before reporting back.
func (p *Processor) parkFailure(ctx context.Context, ev *store.WebhookEvent, attempts int, cause error) {
	var next *time.Time
	if attempts <= MaxRetries {
		at := time.Now().UTC().Add(Delay(attempts))
		next = &at
	}
	if err := p.events.MarkFailed(ctx, ev.ID, cause.Error(), next); err != nil {
		logger.Error("failed to record webhook failure", err,
			logger.LogContext{Fields: map[string]any{"event_id": ev.ID.String()}})
	}
}

func (p *Processor) publish(ctx context.Context, ev bus.Event) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		logger.Error("failed to publish event", err,
			logger.LogContext{Fields: map[string]any{"event": ev.Key()}})
	}
}

func (p *Processor) invalidate(ctx context.Context, id uuid.UUID) {
	if p.cache != nil {
		p.cache.Invalidate(ctx, id)
	}
}

// Event name classification shared across provider dialects. Providers
// disagree on vocabulary but agree on these substrings.

func isRefundEvent(eventType string) bool {
	return strings.Contains(strings.ToLower(eventType), "refund")
}

func refundFailed(eventType string) bool {
	return containsAny(strings.ToLower(eventType), "failed", "failure", "declined", "cancelled", "canceled")
}

// paymentTarget maps an event name to the payment status it reports.
// Unrecognized names conservatively map to processing, which the transition
// table turns into a no-op for settled payments.
func paymentTarget(eventType string) store.PaymentStatus {
	t := strings.ToLower(eventType)
	switch {
	case containsAny(t, "completed", "complete", "succeeded", "success", "paid"):
		return store.PaymentCompleted
	case containsAny(t, "failed", "failure", "declined", "cancelled", "canceled", "expired", "denied"):
		return store.PaymentFailed
	default:
		return store.PaymentProcessing
	}
}

func auditEventFor(target store.PaymentStatus) string {
	switch target {
	case store.PaymentCompleted:
		return orchestrator.AuditPaymentCompleted
	case store.PaymentFailed:
		return orchestrator.AuditPaymentFailed
	default:
		return orchestrator.AuditPaymentProcessing
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paygate-io/paygate/bus"
	"github.com/paygate-io/paygate/idempotency"
	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/infra/metrics"
	"github.com/paygate-io/paygate/provider"
	"github.com/paygate-io/paygate/resilience"
	"github.com/paygate-io/paygate/store"
)

// RefundConfig wires a RefundOrchestrator.
type RefundConfig struct {
	Tx        TxStore
	Payments  PaymentStore
	Refunds   RefundStore
	Locker    Locker
	Pipeline  *resilience.Pipeline
	Adapters  AdapterResolver
	Publisher bus.Publisher
	Cache     StatusInvalidator
	LockTTL   time.Duration
	ResultTTL time.Duration
}

// RefundOrchestrator owns refund submission and the parent payment's
// refund-state bookkeeping.
type RefundOrchestrator struct {
	tx        TxStore
	payments  PaymentStore
	refunds   RefundStore
	locker    Locker
	pipeline  *resilience.Pipeline
	adapters  AdapterResolver
	publisher bus.Publisher
	cache     StatusInvalidator
	lockTTL   time.Duration
	resultTTL time.Duration
}

// NewRefundOrchestrator creates a RefundOrchestrator from the config,
// applying the default idempotency windows where unset.
func NewRefundOrchestrator(cfg RefundConfig) *RefundOrchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	return &RefundOrchestrator{
		tx:        cfg.Tx,
		payments:  cfg.Payments,
		refunds:   cfg.Refunds,
		locker:    cfg.Locker,
		pipeline:  cfg.Pipeline,
		adapters:  cfg.Adapters,
		publisher: cfg.Publisher,
		cache:     cfg.Cache,
		lockTTL:   cfg.LockTTL,
		resultTTL: cfg.ResultTTL,
	}
}

// SubmitRefundInput is a validated refund submission. An empty RefundType
// is inferred from the amount against the refundable remainder.
type SubmitRefundInput struct {
	PaymentTransactionID uuid.UUID
	IdempotencyKey       string
	Amount               decimal.Decimal
	RefundType           store.RefundType
	Reason               string
	CorrelationID        string
}

func (in *SubmitRefundInput) validate() error {
	switch {
	case in.IdempotencyKey == "" || len(in.IdempotencyKey) > 100:
		return fmt.Errorf("%w: idempotency key must be 1-100 characters", ErrInvalidInput)
	case in.PaymentTransactionID == uuid.Nil:
		return fmt.Errorf("%w: payment transaction id is required", ErrInvalidInput)
	case !in.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	switch in.RefundType {
	case "", store.RefundTypeFull, store.RefundTypePartial:
	default:
		return fmt.Errorf("%w: refund type must be full or partial", ErrInvalidInput)
	}
	return nil
}

// RefundResult is the outcome of a refund submission.
type RefundResult struct {
	Refund   *store.RefundTransaction
	Replayed bool
}

// Submit runs one refund end to end: validation against the parent payment,
// the provider call, and on completion the parent's move to refunded or
// partially refunded. As with payments, a provider rejection is reported
// through the refund's failed status, not through the error return.
func (o *RefundOrchestrator) Submit(ctx context.Context, in SubmitRefundInput) (*RefundResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}

	if res, ok, err := o.replay(ctx, in.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	acquired, err := o.locker.AcquireLock(ctx, idempotency.OpRefund, in.IdempotencyKey, o.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire idempotency lock: %w", err)
	}
	if !acquired {
		return nil, idempotency.ErrConcurrentRequest
	}
	defer func() {
		if err := o.locker.ReleaseLock(ctx, idempotency.OpRefund, in.IdempotencyKey); err != nil {
			logger.Warn("failed to release idempotency lock",
				logger.LogContext{Fields: map[string]any{"idempotency_key": in.IdempotencyKey, "error": err.Error()}})
		}
	}()

	if res, ok, err := o.replay(ctx, in.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	parent, err := o.payments.GetByID(ctx, in.PaymentTransactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("payment %s: %w", in.PaymentTransactionID, ErrPaymentNotFound)
		}
		return nil, err
	}

	refundType, err := o.validateAgainstParent(ctx, parent, &in)
	if err != nil {
		return nil, err
	}

	adapter, err := o.adapters(parent.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve adapter for %s: %w", parent.ProviderName, err)
	}

	rf := &store.RefundTransaction{
		IdempotencyKey:       in.IdempotencyKey,
		PaymentTransactionID: parent.ID,
		ProviderID:           parent.ProviderID,
		Amount:               in.Amount,
		Currency:             parent.Currency,
		Status:               store.RefundPending,
		RefundType:           refundType,
		Reason:               in.Reason,
		CorrelationID:        in.CorrelationID,
	}
	entry := &store.TransactionLog{
		PreviousStatus: string(parent.Status),
		NewStatus:      string(parent.Status),
		EventType:      AuditRefundInitiated,
		Message:        fmt.Sprintf("%s refund of %s %s initiated", refundType, in.Amount, parent.Currency),
	}
	if err := o.tx.CreateRefundWithLog(ctx, rf, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			if res, ok, rerr := o.replay(ctx, in.IdempotencyKey); rerr == nil && ok {
				return res, nil
			}
		}
		return nil, err
	}
	defer func() {
		if err := o.locker.StoreResult(ctx, idempotency.OpRefund, in.IdempotencyKey, rf.ID.String(), o.resultTTL); err != nil {
			logger.Warn("failed to store idempotency result",
				logger.LogContext{Fields: map[string]any{"refund_id": rf.ID.String(), "error": err.Error()}})
		}
	}()

	o.publish(ctx, bus.NewRefundEvent(bus.EventRefundInitiated, rf, parent))

	resp, callErr := o.refundCall(ctx, parent, adapter, in)

	var final *store.RefundTransaction
	switch {
	case callErr != nil || (resp != nil && !resp.Success):
		final, err = o.Fail(ctx, rf, refundFailureMessage(resp, callErr))
	case resp.Status == provider.StatusCompleted || resp.Status == provider.StatusRefunded:
		final, err = o.Complete(ctx, rf, resp.ProviderRefundID)
	default:
		// Provider accepted the refund asynchronously; a webhook settles it.
		final, err = o.markProcessing(ctx, rf, resp.ProviderRefundID)
	}
	if err != nil {
		return nil, err
	}

	metrics.RefundsSubmitted.WithLabelValues(parent.ProviderName, string(final.Status)).Inc()
	return &RefundResult{Refund: final}, nil
}

// List returns a payment's refunds, oldest first.
func (o *RefundOrchestrator) List(ctx context.Context, paymentTxID uuid.UUID) ([]store.RefundTransaction, error) {
	if _, err := o.payments.GetByID(ctx, paymentTxID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("payment %s: %w", paymentTxID, ErrPaymentNotFound)
		}
		return nil, err
	}
	return o.refunds.ListByPayment(ctx, paymentTxID)
}

// validateAgainstParent checks the refund against the parent's state and
// refundable remainder and returns the normalized refund type.
func (o *RefundOrchestrator) validateAgainstParent(ctx context.Context, parent *store.PaymentTransaction, in *SubmitRefundInput) (store.RefundType, error) {
	switch parent.Status {
	case store.PaymentCompleted, store.PaymentPartiallyRefunded:
	default:
		return "", fmt.Errorf("%w: payment in status %s is not refundable", ErrInvalidRefund, parent.Status)
	}
	if parent.ProviderTransactionID == "" {
		return "", fmt.Errorf("%w: payment has no provider transaction id", ErrInvalidRefund)
	}

	refunded, err := o.refunds.SumCompleted(ctx, parent.ID)
	if err != nil {
		return "", err
	}
	remaining := parent.Amount.Sub(refunded)
	if in.Amount.GreaterThan(remaining) {
		return "", fmt.Errorf("%w: amount %s exceeds refundable remainder %s", ErrInvalidRefund, in.Amount, remaining)
	}

	isFull := in.Amount.Equal(remaining)
	switch in.RefundType {
	case "":
		if isFull {
			return store.RefundTypeFull, nil
		}
		return store.RefundTypePartial, nil
	case store.RefundTypeFull:
		if !isFull {
			return "", fmt.Errorf("%w: full refund must equal the refundable remainder %s", ErrInvalidRefund, remaining)
		}
		return store.RefundTypeFull, nil
	default:
		if isFull {
			return "", fmt.Errorf("%w: refund of the entire remainder must use type full", ErrInvalidRefund)
		}
		return store.RefundTypePartial, nil
	}
}

// refundCall issues the refund through the resilience pipeline.
func (o *RefundOrchestrator) refundCall(ctx context.Context, parent *store.PaymentTransaction, adapter provider.PaymentProvider, in SubmitRefundInput) (*provider.RefundResponse, error) {
	req := provider.RefundRequest{
		IdempotencyKey:        in.IdempotencyKey,
		ProviderTransactionID: parent.ProviderTransactionID,
		Amount:                in.Amount,
		Currency:              parent.Currency,
		Reason:                in.Reason,
	}
	var resp *provider.RefundResponse
	err := o.pipeline.Execute(ctx, parent.ProviderName, "refund", func(ctx context.Context) error {
		r, callErr := adapter.ProcessRefund(ctx, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	return resp, err
}

// Complete marks a refund completed and moves the parent payment to
// refunded or partially refunded from the new completed total. It is called
// from the synchronous path here and from webhook processing for
// asynchronous refunds.
func (o *RefundOrchestrator) Complete(ctx context.Context, rf *store.RefundTransaction, providerRefundID string) (*store.RefundTransaction, error) {
	upd := store.RefundUpdate{
		Status:           store.RefundCompleted,
		ProviderRefundID: providerRefundID,
	}
	entry := &store.TransactionLog{
		NewStatus: string(store.RefundCompleted),
		EventType: AuditRefundCompleted,
		Message:   "provider completed refund",
	}
	updated, err := o.applyRefundUpdate(ctx, rf, upd, entry)
	if err != nil {
		return nil, err
	}

	parent, err := o.applyParentRefundState(ctx, updated.PaymentTransactionID)
	if err != nil {
		// The refund itself is committed; the parent sweep repairs the
		// aggregate if this write never lands.
		logger.Error("failed to update parent payment after refund", err,
			logger.LogContext{Fields: map[string]any{"refund_id": updated.ID.String()}})
	}

	o.invalidate(ctx, updated.PaymentTransactionID)
	if parent != nil {
		o.publish(ctx, bus.NewRefundEvent(bus.EventRefundCompleted, updated, parent))
	}
	return updated, nil
}

// Fail marks a refund failed. The parent payment keeps its state.
func (o *RefundOrchestrator) Fail(ctx context.Context, rf *store.RefundTransaction, message string) (*store.RefundTransaction, error) {
	upd := store.RefundUpdate{
		Status:       store.RefundFailed,
		ErrorMessage: message,
	}
	entry := &store.TransactionLog{
		NewStatus:    string(store.RefundFailed),
		EventType:    AuditRefundFailed,
		Message:      "refund failed",
		ErrorDetails: message,
	}
	updated, err := o.applyRefundUpdate(ctx, rf, upd, entry)
	if err != nil {
		return nil, err
	}

	if parent, perr := o.payments.GetByID(ctx, updated.PaymentTransactionID); perr == nil {
		o.publish(ctx, bus.NewRefundEvent(bus.EventRefundFailed, updated, parent))
	}
	return updated, nil
}

func (o *RefundOrchestrator) markProcessing(ctx context.Context, rf *store.RefundTransaction, providerRefundID string) (*store.RefundTransaction, error) {
	upd := store.RefundUpdate{
		Status:           store.RefundProcessing,
		ProviderRefundID: providerRefundID,
	}
	entry := &store.TransactionLog{
		NewStatus: string(store.RefundProcessing),
		EventType: AuditRefundProcessing,
		Message:   "provider accepted refund",
	}
	return o.applyRefundUpdate(ctx, rf, upd, entry)
}

// applyRefundUpdate is the refund counterpart of applyPaymentUpdate: write
// under the row_version, re-read on conflict, accept a racing writer that
// landed the same status.
func (o *RefundOrchestrator) applyRefundUpdate(ctx context.Context, rf *store.RefundTransaction, upd store.RefundUpdate, entry *store.TransactionLog) (*store.RefundTransaction, error) {
	current := rf
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if current.Status == upd.Status {
			return current, nil
		}
		if !ValidRefundTransition(current.Status, upd.Status) {
			return current, fmt.Errorf("refund %s: illegal transition %s to %s", current.ID, current.Status, upd.Status)
		}

		entry.PreviousStatus = string(current.Status)
		updated, err := o.tx.UpdateRefundWithLog(ctx, current.ID, current.RowVersion, upd, entry)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return nil, err
		}

		current, err = o.refunds.GetByID(ctx, current.ID)
		if err != nil {
			return nil, err
		}
	}
	return nil, store.ErrConcurrencyConflict
}

// applyParentRefundState recomputes the parent's refund state from the
// completed total and writes it when it changed. Concurrent refund
// completions race on the parent row; the loser re-reads and recomputes, so
// the final state reflects every committed refund.
func (o *RefundOrchestrator) applyParentRefundState(ctx context.Context, paymentTxID uuid.UUID) (*store.PaymentTransaction, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		parent, err := o.payments.GetByID(ctx, paymentTxID)
		if err != nil {
			return nil, err
		}
		refunded, err := o.refunds.SumCompleted(ctx, paymentTxID)
		if err != nil {
			return nil, err
		}

		target := store.PaymentPartiallyRefunded
		eventType := AuditPaymentPartiallyRefunded
		if refunded.GreaterThanOrEqual(parent.Amount) {
			target = store.PaymentRefunded
			eventType = AuditPaymentRefunded
		}
		if parent.Status == target {
			return parent, nil
		}
		if !ValidTransition(parent.Status, target) {
			logger.Warn("parent payment cannot take refund state",
				logger.LogContext{Fields: map[string]any{
					"transaction_id": parent.ID.String(),
					"status":         string(parent.Status),
					"target":         string(target),
				}})
			return parent, nil
		}

		entry := &store.TransactionLog{
			PreviousStatus: string(parent.Status),
			NewStatus:      string(target),
			EventType:      eventType,
			Message:        fmt.Sprintf("refunded %s of %s %s", refunded, parent.Amount, parent.Currency),
		}
		updated, err := o.tx.UpdatePaymentWithLog(ctx, parent.ID, parent.RowVersion, store.PaymentUpdate{Status: target}, entry)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return nil, err
		}
	}
	return nil, store.ErrConcurrencyConflict
}

func (o *RefundOrchestrator) replay(ctx context.Context, key string) (*RefundResult, bool, error) {
	if id, err := o.locker.GetResult(ctx, idempotency.OpRefund, key); err == nil {
		if refundID, perr := uuid.Parse(id); perr == nil {
			if rf, gerr := o.refunds.GetByID(ctx, refundID); gerr == nil {
				metrics.IdempotentReplays.WithLabelValues(idempotency.OpRefund).Inc()
				return &RefundResult{Refund: rf, Replayed: true}, true, nil
			}
		}
	} else if !errors.Is(err, idempotency.ErrNoResult) {
		logger.Warn("idempotency result lookup failed",
			logger.LogContext{Fields: map[string]any{"idempotency_key": key, "error": err.Error()}})
	}

	rf, err := o.refunds.GetByIdempotencyKey(ctx, key)
	if err == nil {
		metrics.IdempotentReplays.WithLabelValues(idempotency.OpRefund).Inc()
		return &RefundResult{Refund: rf, Replayed: true}, true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	return nil, false, err
}

// refundFailureMessage mirrors describeFailure for refund responses.
func refundFailureMessage(resp *provider.RefundResponse, callErr error) string {
	if callErr != nil {
		var perr *provider.Error
		if errors.As(callErr, &perr) && perr.Message != "" {
			return perr.Message
		}
		return callErr.Error()
	}
	if resp != nil && resp.Message != "" {
		return resp.Message
	}
	return "provider rejected refund"
}

func (o *RefundOrchestrator) publish(ctx context.Context, ev bus.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		logger.Error("failed to publish event", err,
			logger.LogContext{Fields: map[string]any{"event": ev.Key()}})
	}
}

func (o *RefundOrchestrator) invalidate(ctx context.Context, id uuid.UUID) {
	if o.cache != nil {
		o.cache.Invalidate(ctx, id)
	}
}

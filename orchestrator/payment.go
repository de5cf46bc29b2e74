package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// conflictRetries bounds the re-read-and-retry loop after a row_version
// race. Losing that many times means another writer owns the row right now;
// the caller surfaces the conflict instead of spinning.
const conflictRetries = 3

// PaymentConfig wires a PaymentOrchestrator.
type PaymentConfig struct {
	Tx        TxStore
	Payments  PaymentStore
	Locker    Locker
	Router    *Router
	Pipeline  *resilience.Pipeline
	Adapters  AdapterResolver
	Publisher bus.Publisher
	Cache     StatusInvalidator
	LockTTL   time.Duration
	ResultTTL time.Duration
}

// PaymentOrchestrator owns payment submission: idempotency, routing, the
// provider call and the resulting state transition.
type PaymentOrchestrator struct {
	tx        TxStore
	payments  PaymentStore
	locker    Locker
	router    *Router
	pipeline  *resilience.Pipeline
	adapters  AdapterResolver
	publisher bus.Publisher
	cache     StatusInvalidator
	lockTTL   time.Duration
	resultTTL time.Duration
}

// NewPaymentOrchestrator creates a PaymentOrchestrator from the config,
// applying the default idempotency windows where unset.
func NewPaymentOrchestrator(cfg PaymentConfig) *PaymentOrchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	return &PaymentOrchestrator{
		tx:        cfg.Tx,
		payments:  cfg.Payments,
		locker:    cfg.Locker,
		router:    cfg.Router,
		pipeline:  cfg.Pipeline,
		adapters:  cfg.Adapters,
		publisher: cfg.Publisher,
		cache:     cfg.Cache,
		lockTTL:   cfg.LockTTL,
		resultTTL: cfg.ResultTTL,
	}
}

// SubmitPaymentInput is a validated payment submission.
type SubmitPaymentInput struct {
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	CustomerID     string
	OrderID        string
	Provider       string // optional preferred provider
	Description    string
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
	CorrelationID  string
}

func (in *SubmitPaymentInput) validate() error {
	switch {
	case in.IdempotencyKey == "" || len(in.IdempotencyKey) > 100:
		return fmt.Errorf("%w: idempotency key must be 1-100 characters", ErrInvalidInput)
	case !in.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	case len(in.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidInput)
	case in.CustomerID == "":
		return fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	case in.OrderID == "":
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	return nil
}

// SubmitResult is the outcome of a payment submission. Replayed is true
// when the idempotency key matched an earlier submission and Transaction is
// that submission's row.
type SubmitResult struct {
	Transaction *store.PaymentTransaction
	Replayed    bool
}

// Submit runs one payment end to end. A payment the provider rejected is
// not an error: the result carries the transaction in failed status and the
// caller reads the outcome from it. Errors are reserved for requests that
// produced no definite outcome, e.g. validation failures, no routable
// provider, or a concurrent in-flight submission with the same key.
func (o *PaymentOrchestrator) Submit(ctx context.Context, in SubmitPaymentInput) (*SubmitResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	in.Currency = strings.ToUpper(in.Currency)
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}

	if res, ok, err := o.replay(ctx, in.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	acquired, err := o.locker.AcquireLock(ctx, idempotency.OpPayment, in.IdempotencyKey, o.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire idempotency lock: %w", err)
	}
	if !acquired {
		return nil, idempotency.ErrConcurrentRequest
	}
	defer func() {
		if err := o.locker.ReleaseLock(ctx, idempotency.OpPayment, in.IdempotencyKey); err != nil {
			logger.Warn("failed to release idempotency lock",
				logger.LogContext{Fields: map[string]any{"idempotency_key": in.IdempotencyKey, "error": err.Error()}})
		}
	}()

	// A racing submission may have landed between the first lookup and the
	// lock.
	if res, ok, err := o.replay(ctx, in.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	prov, err := o.router.Route(ctx, in.Currency, in.Provider)
	if err != nil {
		return nil, err
	}
	adapter, err := o.adapters(prov.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve adapter for %s: %w", prov.Name, err)
	}

	tx := &store.PaymentTransaction{
		IdempotencyKey: in.IdempotencyKey,
		Amount:         in.Amount,
		Currency:       in.Currency,
		CustomerID:     in.CustomerID,
		OrderID:        in.OrderID,
		ProviderID:     prov.ID,
		ProviderName:   prov.Name,
		Status:         store.PaymentPending,
		Description:    in.Description,
		ReturnURL:      in.ReturnURL,
		CancelURL:      in.CancelURL,
		Metadata:       in.Metadata,
		CorrelationID:  in.CorrelationID,
	}
	entry := &store.TransactionLog{
		NewStatus: string(store.PaymentPending),
		EventType: AuditPaymentCreated,
		Message:   "payment created, routed to " + prov.Name,
	}
	if err := o.tx.CreatePaymentWithLog(ctx, tx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// The unique constraint beat the advisory lock: another
			// instance inserted first, so replay its row.
			if res, ok, rerr := o.replay(ctx, in.IdempotencyKey); rerr == nil && ok {
				return res, nil
			}
		}
		return nil, err
	}
	defer func() {
		if err := o.locker.StoreResult(ctx, idempotency.OpPayment, in.IdempotencyKey, tx.ID.String(), o.resultTTL); err != nil {
			logger.Warn("failed to store idempotency result",
				logger.LogContext{Fields: map[string]any{"transaction_id": tx.ID.String(), "error": err.Error()}})
		}
	}()

	o.publish(ctx, bus.NewPaymentEvent(bus.EventPaymentCreated, tx))

	resp, callErr := o.charge(ctx, prov.Name, adapter, in)

	var final *store.PaymentTransaction
	if callErr != nil || (resp != nil && !resp.Success) {
		final, err = o.failPayment(ctx, tx, resp, callErr)
	} else {
		final, err = o.acceptPayment(ctx, tx, resp)
	}
	if err != nil {
		return nil, err
	}

	metrics.PaymentsSubmitted.WithLabelValues(prov.Name, string(final.Status)).Inc()
	return &SubmitResult{Transaction: final}, nil
}

// replay returns the stored transaction for an idempotency key when one
// exists. The durable row is authoritative; the Redis result entry is only
// a fast path to its id.
func (o *PaymentOrchestrator) replay(ctx context.Context, key string) (*SubmitResult, bool, error) {
	if id, err := o.locker.GetResult(ctx, idempotency.OpPayment, key); err == nil {
		if txID, perr := uuid.Parse(id); perr == nil {
			if tx, gerr := o.payments.GetByID(ctx, txID); gerr == nil {
				metrics.IdempotentReplays.WithLabelValues(idempotency.OpPayment).Inc()
				return &SubmitResult{Transaction: tx, Replayed: true}, true, nil
			}
		}
	} else if !errors.Is(err, idempotency.ErrNoResult) {
		logger.Warn("idempotency result lookup failed",
			logger.LogContext{Fields: map[string]any{"idempotency_key": key, "error": err.Error()}})
	}

	tx, err := o.payments.GetByIdempotencyKey(ctx, key)
	if err == nil {
		metrics.IdempotentReplays.WithLabelValues(idempotency.OpPayment).Inc()
		return &SubmitResult{Transaction: tx, Replayed: true}, true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	return nil, false, err
}

// charge calls the provider through the resilience pipeline.
func (o *PaymentOrchestrator) charge(ctx context.Context, name string, adapter provider.PaymentProvider, in SubmitPaymentInput) (*provider.PaymentResponse, error) {
	req := provider.PaymentRequest{
		IdempotencyKey: in.IdempotencyKey,
		Amount:         in.Amount,
		Currency:       in.Currency,
		CustomerID:     in.CustomerID,
		OrderID:        in.OrderID,
		Description:    in.Description,
		ReturnURL:      in.ReturnURL,
		CancelURL:      in.CancelURL,
		Metadata:       in.Metadata,
		CorrelationID:  in.CorrelationID,
	}
	var resp *provider.PaymentResponse
	err := o.pipeline.Execute(ctx, name, "payment", func(ctx context.Context) error {
		r, callErr := adapter.ProcessPayment(ctx, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	return resp, err
}

// acceptPayment records a successful provider call: processing for an
// asynchronous accept, completed for a synchronous one. A persistence
// failure here means the provider holds a charge the database does not
// reflect, so the row is flagged for reconciliation before the error is
// surfaced.
func (o *PaymentOrchestrator) acceptPayment(ctx context.Context, tx *store.PaymentTransaction, resp *provider.PaymentResponse) (*store.PaymentTransaction, error) {
	target := store.PaymentProcessing
	eventType := AuditPaymentProcessing
	message := "provider accepted payment"
	var completedAt *time.Time
	if resp.Status == provider.StatusCompleted {
		now := time.Now().UTC()
		target, eventType, completedAt = store.PaymentCompleted, AuditPaymentCompleted, &now
		message = "provider completed payment synchronously"
	}

	upd := store.PaymentUpdate{
		Status:                target,
		ProviderTransactionID: resp.ProviderTransactionID,
		PaymentURL:            resp.PaymentURL,
		CompletedAt:           completedAt,
	}
	entry := &store.TransactionLog{
		NewStatus:        string(target),
		EventType:        eventType,
		Message:          message,
		ProviderResponse: resp.RawResponse,
	}
	updated, err := o.applyPaymentUpdate(ctx, tx, upd, entry)
	if err != nil {
		o.markInconsistent(ctx, tx, err)
		return nil, fmt.Errorf("provider accepted payment but the outcome was not persisted: %w", err)
	}

	o.invalidate(ctx, updated.ID)
	if updated.Status == store.PaymentCompleted {
		o.publish(ctx, bus.NewPaymentEvent(bus.EventPaymentCompleted, updated))
	}
	return updated, nil
}

// failPayment records a provider rejection or an exhausted pipeline as a
// terminal failure.
func (o *PaymentOrchestrator) failPayment(ctx context.Context, tx *store.PaymentTransaction, resp *provider.PaymentResponse, callErr error) (*store.PaymentTransaction, error) {
	message, code := describeFailure(resp, callErr)
	upd := store.PaymentUpdate{
		Status:            store.PaymentFailed,
		ErrorMessage:      message,
		ProviderErrorCode: code,
	}
	entry := &store.TransactionLog{
		NewStatus:    string(store.PaymentFailed),
		EventType:    AuditPaymentFailed,
		Message:      "payment failed",
		ErrorDetails: message,
	}
	if resp != nil {
		entry.ProviderResponse = resp.RawResponse
	}
	updated, err := o.applyPaymentUpdate(ctx, tx, upd, entry)
	if err != nil {
		// No charge exists; a stuck pending row is picked up by the stale
		// payment sweep.
		return nil, fmt.Errorf("failed to persist payment failure: %w", err)
	}

	o.invalidate(ctx, updated.ID)
	o.publish(ctx, bus.NewPaymentEvent(bus.EventPaymentFailed, updated))
	return updated, nil
}

// describeFailure extracts a human-readable message and provider error code
// from whichever of the response or the call error carries them.
func describeFailure(resp *provider.PaymentResponse, callErr error) (message, code string) {
	if callErr != nil {
		var perr *provider.Error
		if errors.As(callErr, &perr) {
			message = perr.Message
			if message == "" {
				message = perr.Error()
			}
			return message, perr.Code
		}
		return callErr.Error(), ""
	}
	if resp != nil {
		message = resp.Message
		if message == "" {
			message = "provider rejected payment"
		}
		return message, resp.ErrorCode
	}
	return "provider call failed", ""
}

// applyPaymentUpdate writes a status change with its audit entry, re-reading
// and retrying when a concurrent writer moved the row first. When the row
// already carries the target status the racing write is accepted as the
// outcome; when it moved somewhere the target cannot follow, only provider
// identifiers are attached and the racing status stands.
func (o *PaymentOrchestrator) applyPaymentUpdate(ctx context.Context, tx *store.PaymentTransaction, upd store.PaymentUpdate, entry *store.TransactionLog) (*store.PaymentTransaction, error) {
	current := tx
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if current.Status == upd.Status {
			return current, nil
		}
		if !ValidTransition(current.Status, upd.Status) {
			return o.attachProviderRefs(ctx, current, upd)
		}

		entry.PreviousStatus = string(current.Status)
		updated, err := o.tx.UpdatePaymentWithLog(ctx, current.ID, current.RowVersion, upd, entry)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return nil, err
		}

		current, err = o.payments.GetByID(ctx, current.ID)
		if err != nil {
			return nil, err
		}
	}
	return nil, store.ErrConcurrencyConflict
}

// attachProviderRefs keeps a racing writer's status and only fills in the
// provider identifiers from our call, so a webhook that won the race does
// not cost us the provider transaction id.
func (o *PaymentOrchestrator) attachProviderRefs(ctx context.Context, current *store.PaymentTransaction, upd store.PaymentUpdate) (*store.PaymentTransaction, error) {
	if upd.ProviderTransactionID == "" && upd.PaymentURL == "" {
		return current, nil
	}
	attach := store.PaymentUpdate{
		Status:                current.Status,
		ProviderTransactionID: upd.ProviderTransactionID,
		PaymentURL:            upd.PaymentURL,
	}
	updated, err := o.payments.UpdateStatus(ctx, current.ID, current.RowVersion, attach)
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			// Yet another writer; the identifiers also arrive in webhook
			// payloads, so give up rather than fight for the row.
			return current, nil
		}
		return nil, err
	}
	return updated, nil
}

// markInconsistent flags a row whose provider call succeeded but whose
// outcome could not be persisted. Reconciliation repairs it from provider
// truth.
func (o *PaymentOrchestrator) markInconsistent(ctx context.Context, tx *store.PaymentTransaction, cause error) {
	upd := store.PaymentUpdate{
		Status:       tx.Status,
		ErrorMessage: "inconsistent: provider outcome not persisted",
	}
	entry := &store.TransactionLog{
		PreviousStatus: string(tx.Status),
		NewStatus:      string(tx.Status),
		EventType:      AuditPaymentInconsistent,
		Message:        "provider call succeeded but the outcome could not be persisted",
		ErrorDetails:   cause.Error(),
	}

	current := tx
	for attempt := 0; attempt < 2; attempt++ {
		_, err := o.tx.UpdatePaymentWithLog(ctx, current.ID, current.RowVersion, upd, entry)
		if err == nil {
			return
		}
		if errors.Is(err, store.ErrConcurrencyConflict) {
			if fresh, gerr := o.payments.GetByID(ctx, current.ID); gerr == nil {
				current = fresh
				continue
			}
		}
		logger.Error("failed to mark transaction inconsistent", err,
			logger.LogContext{Fields: map[string]any{"transaction_id": tx.ID.String()}})
		return
	}
	logger.Error("failed to mark transaction inconsistent", store.ErrConcurrencyConflict,
		logger.LogContext{Fields: map[string]any{"transaction_id": tx.ID.String()}})
}

func (o *PaymentOrchestrator) publish(ctx context.Context, ev bus.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		logger.Error("failed to publish event", err,
			logger.LogContext{Fields: map[string]any{"event": ev.Key()}})
	}
}

func (o *PaymentOrchestrator) invalidate(ctx context.Context, id uuid.UUID) {
	if o.cache != nil {
		o.cache.Invalidate(ctx, id)
	}
}

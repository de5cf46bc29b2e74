package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paygate-io/paygate/provider"
	"github.com/paygate-io/paygate/store"
)

var (
	// ErrNoProviderAvailable is returned when no routable provider can take
	// a payment in the requested currency.
	ErrNoProviderAvailable = errors.New("orchestrator: no provider available")

	// ErrPaymentNotFound is returned for lookups of unknown transactions.
	ErrPaymentNotFound = errors.New("orchestrator: payment not found")

	// ErrRefundNotFound is returned for lookups of unknown refunds.
	ErrRefundNotFound = errors.New("orchestrator: refund not found")

	// ErrInvalidRefund is returned when a refund request fails validation
	// against its parent payment, e.g. the amount exceeds the refundable
	// remainder or the payment is not in a refundable state.
	ErrInvalidRefund = errors.New("orchestrator: invalid refund")

	// ErrInvalidInput is returned when a submission fails field validation.
	ErrInvalidInput = errors.New("orchestrator: invalid input")
)

// Audit event types recorded in the transaction log.
const (
	AuditPaymentCreated           = "payment.created"
	AuditPaymentProcessing        = "payment.processing"
	AuditPaymentCompleted         = "payment.completed"
	AuditPaymentFailed            = "payment.failed"
	AuditPaymentInconsistent      = "payment.inconsistent"
	AuditPaymentRefunded          = "payment.refunded"
	AuditPaymentPartiallyRefunded = "payment.partially_refunded"
	AuditRefundInitiated          = "refund.initiated"
	AuditRefundProcessing         = "refund.processing"
	AuditRefundCompleted          = "refund.completed"
	AuditRefundFailed             = "refund.failed"
)

// Default idempotency windows.
const (
	DefaultLockTTL   = 30 * time.Second
	DefaultResultTTL = 24 * time.Hour
)

// PaymentStore is the row surface for payments. *store.PaymentRepo
// satisfies it. UpdateStatus is used only for writes that do not change the
// status, e.g. attaching provider identifiers to a row a concurrent webhook
// already moved; transitions go through TxStore so they carry an audit entry.
type PaymentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.PaymentTransaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*store.PaymentTransaction, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.PaymentUpdate) (*store.PaymentTransaction, error)
}

// RefundStore is the read surface for refund rows. *store.RefundRepo
// satisfies it.
type RefundStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.RefundTransaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*store.RefundTransaction, error)
	SumCompleted(ctx context.Context, paymentTxID uuid.UUID) (decimal.Decimal, error)
	ListByPayment(ctx context.Context, paymentTxID uuid.UUID) ([]store.RefundTransaction, error)
}

// ProviderStore is the provider registry surface used for routing and
// health bookkeeping. *store.ProviderRepo satisfies it.
type ProviderStore interface {
	ListRoutable(ctx context.Context, currency string) ([]store.PaymentProvider, error)
	UpdateStatus(ctx context.Context, name string, status store.ProviderStatus) error
}

// TxStore is the transactional write surface: each call commits a state
// change together with its audit entry. *store.Store satisfies it.
type TxStore interface {
	CreatePaymentWithLog(ctx context.Context, p *store.PaymentTransaction, entry *store.TransactionLog) error
	UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.PaymentUpdate, entry *store.TransactionLog) (*store.PaymentTransaction, error)
	CreateRefundWithLog(ctx context.Context, rf *store.RefundTransaction, entry *store.TransactionLog) error
	UpdateRefundWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.RefundUpdate, entry *store.TransactionLog) (*store.RefundTransaction, error)
}

// Locker is the distributed idempotency guard. *idempotency.Store
// satisfies it.
type Locker interface {
	AcquireLock(ctx context.Context, operation, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, operation, key string) error
	StoreResult(ctx context.Context, operation, key, transactionID string, ttl time.Duration) error
	GetResult(ctx context.Context, operation, key string) (string, error)
}

// AdapterResolver returns the initialized adapter for a provider name.
type AdapterResolver func(name string) (provider.PaymentProvider, error)

// StatusInvalidator drops cached status entries after a write. Implemented
// by StatusService.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID)
}

// ValidTransition reports whether a payment may move from one status to
// another. Same-status writes are not transitions and are rejected here;
// callers skip the write instead.
func ValidTransition(from, to store.PaymentStatus) bool {
	return paymentTransitions[from][to]
}

var paymentTransitions = map[store.PaymentStatus]map[store.PaymentStatus]bool{
	store.PaymentPending: {
		store.PaymentProcessing: true,
		store.PaymentCompleted:  true,
		store.PaymentFailed:     true,
	},
	store.PaymentProcessing: {
		store.PaymentCompleted: true,
		store.PaymentFailed:    true,
	},
	store.PaymentCompleted: {
		store.PaymentPartiallyRefunded: true,
		store.PaymentRefunded:          true,
	},
	store.PaymentPartiallyRefunded: {
		store.PaymentRefunded: true,
	},
}

// ValidRefundTransition reports whether a refund may move from one status
// to another.
func ValidRefundTransition(from, to store.RefundStatus) bool {
	return refundTransitions[from][to]
}

var refundTransitions = map[store.RefundStatus]map[store.RefundStatus]bool{
	store.RefundPending: {
		store.RefundProcessing: true,
		store.RefundCompleted:  true,
		store.RefundFailed:     true,
	},
	store.RefundProcessing: {
		store.RefundCompleted: true,
		store.RefundFailed:    true,
	},
}

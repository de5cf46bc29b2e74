package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// RefundStatus is the lifecycle state of a refund transaction.
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

// RefundType distinguishes a refund of the full remaining amount from a
// partial one.
type RefundType string

const (
	RefundTypeFull    RefundType = "full"
	RefundTypePartial RefundType = "partial"
)

// RefundTransaction references its parent payment; amount and currency are
// validated against the parent before insert.
type RefundTransaction struct {
	ID                   uuid.UUID
	IdempotencyKey       string
	PaymentTransactionID uuid.UUID
	ProviderID           uuid.UUID
	Amount               decimal.Decimal
	Currency             string
	Status               RefundStatus
	RefundType           RefundType
	ProviderRefundID     string
	Reason               string
	ErrorMessage         string
	RowVersion           int64
	CorrelationID        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RefundRepo persists refund transactions.
type RefundRepo struct {
	db querier
}

const refundColumns = `id, idempotency_key, payment_transaction_id, provider_id, amount,
	currency, status, refund_type, provider_refund_id, reason, error_message,
	row_version, correlation_id, created_at, updated_at`

func scanRefund(row pgx.Row) (*RefundTransaction, error) {
	var rf RefundTransaction
	err := row.Scan(
		&rf.ID, &rf.IdempotencyKey, &rf.PaymentTransactionID, &rf.ProviderID, &rf.Amount,
		&rf.Currency, &rf.Status, &rf.RefundType, &rf.ProviderRefundID, &rf.Reason, &rf.ErrorMessage,
		&rf.RowVersion, &rf.CorrelationID, &rf.CreatedAt, &rf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rf, nil
}

// Create inserts a pending refund. A reused idempotency key returns
// ErrDuplicateKey.
func (r *RefundRepo) Create(ctx context.Context, rf *RefundTransaction) error {
	query := `INSERT INTO refund_transactions
		(idempotency_key, payment_transaction_id, provider_id, amount, currency,
		 status, refund_type, reason, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, row_version, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		rf.IdempotencyKey, rf.PaymentTransactionID, rf.ProviderID, rf.Amount, rf.Currency,
		rf.Status, rf.RefundType, rf.Reason, rf.CorrelationID,
	).Scan(&rf.ID, &rf.RowVersion, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency key %q already used: %w", rf.IdempotencyKey, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create refund transaction: %w", err)
	}
	return nil
}

// GetByID fetches a refund snapshot.
func (r *RefundRepo) GetByID(ctx context.Context, id uuid.UUID) (*RefundTransaction, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_transactions WHERE id = $1`
	rf, err := scanRefund(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("refund %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund transaction: %w", err)
	}
	return rf, nil
}

// GetByIdempotencyKey fetches by the client natural key.
func (r *RefundRepo) GetByIdempotencyKey(ctx context.Context, key string) (*RefundTransaction, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_transactions WHERE idempotency_key = $1`
	rf, err := scanRefund(r.db.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund transaction: %w", err)
	}
	return rf, nil
}

// GetByProviderRefundID resolves a provider refund reference, used when a
// webhook reports an asynchronous refund outcome.
func (r *RefundRepo) GetByProviderRefundID(ctx context.Context, providerID uuid.UUID, providerRefundID string) (*RefundTransaction, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_transactions
		WHERE provider_id = $1 AND provider_refund_id = $2`
	rf, err := scanRefund(r.db.QueryRow(ctx, query, providerID, providerRefundID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund transaction: %w", err)
	}
	return rf, nil
}

// RefundUpdate carries the mutable fields of a refund status write.
type RefundUpdate struct {
	Status           RefundStatus
	ProviderRefundID string
	ErrorMessage     string
}

// UpdateStatus applies upd under the same row_version discipline as payments.
func (r *RefundRepo) UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, upd RefundUpdate) (*RefundTransaction, error) {
	query := `UPDATE refund_transactions SET
			status = $3,
			provider_refund_id = COALESCE(NULLIF($4, ''), provider_refund_id),
			error_message = COALESCE(NULLIF($5, ''), error_message),
			row_version = row_version + 1,
			updated_at = now()
		WHERE id = $1 AND row_version = $2
		RETURNING ` + refundColumns
	rf, err := scanRefund(r.db.QueryRow(ctx, query, id, expectedVersion, upd.Status, upd.ProviderRefundID, upd.ErrorMessage))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("refund %s version %d: %w", id, expectedVersion, ErrConcurrencyConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update refund transaction: %w", err)
	}
	return rf, nil
}

// SumCompleted returns the total of completed refunds against a payment.
// The refundable remainder is parent amount minus this sum.
func (r *RefundRepo) SumCompleted(ctx context.Context, paymentTxID uuid.UUID) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM refund_transactions
		WHERE payment_transaction_id = $1 AND status = $2`
	var sum decimal.Decimal
	if err := r.db.QueryRow(ctx, query, paymentTxID, RefundCompleted).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum completed refunds: %w", err)
	}
	return sum, nil
}

// ListByPayment returns all refunds against a payment, oldest first.
func (r *RefundRepo) ListByPayment(ctx context.Context, paymentTxID uuid.UUID) ([]RefundTransaction, error) {
	query := `SELECT ` + refundColumns + ` FROM refund_transactions
		WHERE payment_transaction_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, paymentTxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refund transactions: %w", err)
	}
	defer rows.Close()

	var result []RefundTransaction
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund transaction: %w", err)
		}
		result = append(result, *rf)
	}
	return result, rows.Err()
}

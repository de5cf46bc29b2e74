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

// PaymentStatus is the lifecycle state of a payment transaction.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Terminal reports whether no further provider activity is expected.
// Completed is terminal modulo refunds.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// PaymentTransaction is the primary aggregate. The idempotency key is the
// client-side natural key; row_version serializes concurrent writers.
type PaymentTransaction struct {
	ID                    uuid.UUID
	IdempotencyKey        string
	Amount                decimal.Decimal
	Currency              string
	CustomerID            string
	OrderID               string
	ProviderID            uuid.UUID
	ProviderName          string
	Status                PaymentStatus
	ProviderTransactionID string
	PaymentURL            string
	Description           string
	ReturnURL             string
	CancelURL             string
	Metadata              map[string]string
	ErrorMessage          string
	ProviderErrorCode     string
	RetryCount            int
	RowVersion            int64
	CorrelationID         string
	CompletedAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PaymentRepo persists payment transactions.
type PaymentRepo struct {
	db querier
}

const paymentColumns = `id, idempotency_key, amount, currency, customer_id, order_id,
	provider_id, provider_name, status, provider_transaction_id, payment_url,
	description, return_url, cancel_url, metadata, error_message,
	provider_error_code, retry_count, row_version, correlation_id,
	completed_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*PaymentTransaction, error) {
	var p PaymentTransaction
	err := row.Scan(
		&p.ID, &p.IdempotencyKey, &p.Amount, &p.Currency, &p.CustomerID, &p.OrderID,
		&p.ProviderID, &p.ProviderName, &p.Status, &p.ProviderTransactionID, &p.PaymentURL,
		&p.Description, &p.ReturnURL, &p.CancelURL, &p.Metadata, &p.ErrorMessage,
		&p.ProviderErrorCode, &p.RetryCount, &p.RowVersion, &p.CorrelationID,
		&p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new pending transaction and fills the generated fields.
// A reused idempotency key returns ErrDuplicateKey.
func (r *PaymentRepo) Create(ctx context.Context, p *PaymentTransaction) error {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	query := `INSERT INTO payment_transactions
		(idempotency_key, amount, currency, customer_id, order_id, provider_id,
		 provider_name, status, description, return_url, cancel_url, metadata,
		 correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, row_version, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		p.IdempotencyKey, p.Amount, p.Currency, p.CustomerID, p.OrderID, p.ProviderID,
		p.ProviderName, p.Status, p.Description, p.ReturnURL, p.CancelURL, p.Metadata,
		p.CorrelationID,
	).Scan(&p.ID, &p.RowVersion, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency key %q already used: %w", p.IdempotencyKey, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create payment transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction snapshot.
func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment transaction: %w", err)
	}
	return p, nil
}

// GetByIdempotencyKey fetches by the client natural key.
func (r *PaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE idempotency_key = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment transaction: %w", err)
	}
	return p, nil
}

// GetByProviderTransactionID resolves a provider's own reference back to the
// local transaction. Used by webhook processing when the payload carries no
// local id.
func (r *PaymentRepo) GetByProviderTransactionID(ctx context.Context, providerID uuid.UUID, providerTxID string) (*PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions
		WHERE provider_id = $1 AND provider_transaction_id = $2`
	p, err := scanPayment(r.db.QueryRow(ctx, query, providerID, providerTxID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment transaction: %w", err)
	}
	return p, nil
}

// PaymentUpdate carries the mutable fields of a status write. Empty strings
// leave the stored value untouched; a nil CompletedAt leaves the timestamp.
type PaymentUpdate struct {
	Status                PaymentStatus
	ProviderTransactionID string
	PaymentURL            string
	ErrorMessage          string
	ProviderErrorCode     string
	CompletedAt           *time.Time
	IncrementRetry        bool
}

// UpdateStatus applies upd if and only if the stored row_version still equals
// expectedVersion, bumping the version. A version mismatch returns
// ErrConcurrencyConflict; the caller re-reads and decides again.
func (r *PaymentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, upd PaymentUpdate) (*PaymentTransaction, error) {
	retryInc := 0
	if upd.IncrementRetry {
		retryInc = 1
	}
	query := `UPDATE payment_transactions SET
			status = $3,
			provider_transaction_id = COALESCE(NULLIF($4, ''), provider_transaction_id),
			payment_url = COALESCE(NULLIF($5, ''), payment_url),
			error_message = COALESCE(NULLIF($6, ''), error_message),
			provider_error_code = COALESCE(NULLIF($7, ''), provider_error_code),
			completed_at = COALESCE($8, completed_at),
			retry_count = retry_count + $9,
			row_version = row_version + 1,
			updated_at = now()
		WHERE id = $1 AND row_version = $2
		RETURNING ` + paymentColumns
	p, err := scanPayment(r.db.QueryRow(ctx, query,
		id, expectedVersion, upd.Status,
		upd.ProviderTransactionID, upd.PaymentURL,
		upd.ErrorMessage, upd.ProviderErrorCode,
		upd.CompletedAt, retryInc,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing row and stale version look the same to the UPDATE.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("payment %s version %d: %w", id, expectedVersion, ErrConcurrencyConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update payment transaction: %w", err)
	}
	return p, nil
}

// ListStale returns non-terminal transactions untouched since before. The
// reconciliation job re-checks these against the provider.
func (r *PaymentRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`
	rows, err := r.db.Query(ctx, query, PaymentPending, PaymentProcessing, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payment transactions: %w", err)
	}
	defer rows.Close()

	var result []PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment transaction: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionLog is one append-only audit entry. Entries are written in the
// same transaction as the state change they record and are never updated or
// deleted by application code.
type TransactionLog struct {
	ID                   int64
	PaymentTransactionID uuid.UUID
	RefundTransactionID  *uuid.UUID
	PreviousStatus       string
	NewStatus            string
	EventType            string
	Message              string
	ProviderResponse     json.RawMessage
	ErrorDetails         string
	CorrelationID        string
	CreatedAt            time.Time
}

// TransactionLogRepo appends and reads the audit trail.
type TransactionLogRepo struct {
	db querier
}

// Append inserts an audit entry. Call inside the same Store.WithTx as the
// status write it records.
func (r *TransactionLogRepo) Append(ctx context.Context, entry *TransactionLog) error {
	query := `INSERT INTO transaction_logs
		(payment_transaction_id, refund_transaction_id, previous_status, new_status,
		 event_type, message, provider_response, error_details, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`
	err := r.db.QueryRow(ctx, query,
		entry.PaymentTransactionID, entry.RefundTransactionID, entry.PreviousStatus, entry.NewStatus,
		entry.EventType, entry.Message, entry.ProviderResponse, entry.ErrorDetails, entry.CorrelationID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction log: %w", err)
	}
	return nil
}

// ListByPayment returns the audit trail for a payment, oldest first.
func (r *TransactionLogRepo) ListByPayment(ctx context.Context, paymentTxID uuid.UUID) ([]TransactionLog, error) {
	query := `SELECT id, payment_transaction_id, refund_transaction_id, previous_status,
			new_status, event_type, message, provider_response, error_details,
			correlation_id, created_at
		FROM transaction_logs
		WHERE payment_transaction_id = $1
		ORDER BY id ASC`
	rows, err := r.db.Query(ctx, query, paymentTxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction logs: %w", err)
	}
	defer rows.Close()

	var result []TransactionLog
	for rows.Next() {
		var entry TransactionLog
		err := rows.Scan(
			&entry.ID, &entry.PaymentTransactionID, &entry.RefundTransactionID, &entry.PreviousStatus,
			&entry.NewStatus, &entry.EventType, &entry.Message, &entry.ProviderResponse, &entry.ErrorDetails,
			&entry.CorrelationID, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction log: %w", err)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

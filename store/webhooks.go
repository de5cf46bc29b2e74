package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WebhookProcessingStatus tracks the lifecycle of an ingested webhook event.
type WebhookProcessingStatus string

const (
	WebhookPending    WebhookProcessingStatus = "pending"
	WebhookProcessing WebhookProcessingStatus = "processing"
	WebhookCompleted  WebhookProcessingStatus = "completed"
	WebhookFailed     WebhookProcessingStatus = "failed"
	WebhookDuplicate  WebhookProcessingStatus = "duplicate"
)

// WebhookEvent is a received provider notification. The unique
// (provider_id, provider_event_id) pair is the at-least-once dedup boundary.
type WebhookEvent struct {
	ID                   uuid.UUID
	ProviderID           uuid.UUID
	ProviderEventID      string
	EventType            string
	RawPayload           []byte
	ParsedPayload        json.RawMessage
	Signature            string
	SignatureValidated   bool
	IPAddress            string
	ProcessingStatus     WebhookProcessingStatus
	ProcessingAttempts   int
	NextRetryAt          *time.Time
	FailureReason        string
	PaymentTransactionID *uuid.UUID
	RefundTransactionID  *uuid.UUID
	ProcessedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// WebhookRepo persists webhook events.
type WebhookRepo struct {
	db querier
}

const webhookColumns = `id, provider_id, provider_event_id, event_type, raw_payload,
	parsed_payload, signature, signature_validated, ip_address, processing_status,
	processing_attempts, next_retry_at, failure_reason, payment_transaction_id,
	refund_transaction_id, processed_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*WebhookEvent, error) {
	var e WebhookEvent
	err := row.Scan(
		&e.ID, &e.ProviderID, &e.ProviderEventID, &e.EventType, &e.RawPayload,
		&e.ParsedPayload, &e.Signature, &e.SignatureValidated, &e.IPAddress, &e.ProcessingStatus,
		&e.ProcessingAttempts, &e.NextRetryAt, &e.FailureReason, &e.PaymentTransactionID,
		&e.RefundTransactionID, &e.ProcessedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Insert persists a freshly validated event in pending state. A second
// delivery of the same provider event returns ErrDuplicateKey, which makes
// the dedup race-safe even when two deliveries arrive together.
func (r *WebhookRepo) Insert(ctx context.Context, e *WebhookEvent) error {
	query := `INSERT INTO webhook_events
		(provider_id, provider_event_id, event_type, raw_payload, parsed_payload,
		 signature, signature_validated, ip_address, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		e.ProviderID, e.ProviderEventID, e.EventType, e.RawPayload, e.ParsedPayload,
		e.Signature, e.SignatureValidated, e.IPAddress, e.ProcessingStatus,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("webhook event %q from provider %s: %w", e.ProviderEventID, e.ProviderID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

// GetByID fetches an event snapshot.
func (r *WebhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE id = $1`
	e, err := scanWebhook(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("webhook event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return e, nil
}

// GetByProviderEvent is the dedup lookup preceding insert.
func (r *WebhookRepo) GetByProviderEvent(ctx context.Context, providerID uuid.UUID, providerEventID string) (*WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events
		WHERE provider_id = $1 AND provider_event_id = $2`
	e, err := scanWebhook(r.db.QueryRow(ctx, query, providerID, providerEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return e, nil
}

// MarkProcessing flips the event to processing and counts the attempt,
// returning the new attempt number.
func (r *WebhookRepo) MarkProcessing(ctx context.Context, id uuid.UUID) (int, error) {
	query := `UPDATE webhook_events SET
			processing_status = $2,
			processing_attempts = processing_attempts + 1,
			next_retry_at = NULL,
			updated_at = now()
		WHERE id = $1
		RETURNING processing_attempts`
	var attempts int
	err := r.db.QueryRow(ctx, query, id, WebhookProcessing).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("webhook event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark webhook event processing: %w", err)
	}
	return attempts, nil
}

// MarkCompleted records a successful processing run and links the resolved
// transactions.
func (r *WebhookRepo) MarkCompleted(ctx context.Context, id uuid.UUID, paymentTxID, refundTxID *uuid.UUID) error {
	query := `UPDATE webhook_events SET
			processing_status = $2,
			payment_transaction_id = COALESCE($3, payment_transaction_id),
			refund_transaction_id = COALESCE($4, refund_transaction_id),
			failure_reason = '',
			next_retry_at = NULL,
			processed_at = now(),
			updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, WebhookCompleted, paymentTxID, refundTxID)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed records a failed run. A nil nextRetry means the event is out of
// retries and stays failed for operator attention.
func (r *WebhookRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextRetry *time.Time) error {
	query := `UPDATE webhook_events SET
			processing_status = $2,
			failure_reason = $3,
			next_retry_at = $4,
			updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, WebhookFailed, reason, nextRetry)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDuplicate closes an event that re-reported an already processed
// provider event id.
func (r *WebhookRepo) MarkDuplicate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE webhook_events SET
			processing_status = $2,
			processed_at = now(),
			updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, WebhookDuplicate)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event duplicate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDueRetries returns failed events whose retry time has come. The
// scheduler sweep re-enqueues them, catching work a crashed worker dropped.
func (r *WebhookRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events
		WHERE processing_status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, WebhookFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due webhook retries: %w", err)
	}
	defer rows.Close()

	var result []WebhookEvent
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// DeleteOlderThan purges events past the retention horizon and reports how
// many were removed.
func (r *WebhookRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

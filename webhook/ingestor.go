package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/infra/metrics"
	"github.com/paygate-io/paygate/provider"
	"github.com/paygate-io/paygate/store"
)

var (
	// ErrUnknownProvider is returned for deliveries addressed to a provider
	// name that is not configured.
	ErrUnknownProvider = errors.New("webhook: unknown provider")

	// ErrInvalidSignature is returned when a delivery fails the provider's
	// signature scheme. Nothing is persisted for such deliveries.
	ErrInvalidSignature = errors.New("webhook: invalid signature")

	// ErrMissingEventID is returned for payloads without a provider event
	// id; without one the delivery cannot be deduplicated.
	ErrMissingEventID = errors.New("webhook: missing event id")

	// ErrRateLimited is returned when the provider's delivery window is
	// exhausted. Mapped to HTTP 429.
	ErrRateLimited = errors.New("webhook: rate limited")
)

// DefaultRateLimit is the per-provider delivery budget per minute.
const DefaultRateLimit = 100

// ProviderDirectory resolves provider rows. *store.ProviderRepo satisfies
// it; GetByID tolerates soft-deleted rows because stored events may outlive
// their provider.
type ProviderDirectory interface {
	GetByName(ctx context.Context, name string) (*store.PaymentProvider, error)
	GetByID(ctx context.Context, id uuid.UUID) (*store.PaymentProvider, error)
}

// EventStore is the webhook event persistence surface shared by the
// ingestor and processor. *store.WebhookRepo satisfies it.
type EventStore interface {
	Insert(ctx context.Context, e *store.WebhookEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*store.WebhookEvent, error)
	GetByProviderEvent(ctx context.Context, providerID uuid.UUID, providerEventID string) (*store.WebhookEvent, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (int, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, paymentTxID, refundTxID *uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextRetry *time.Time) error
	MarkDuplicate(ctx context.Context, id uuid.UUID) error
}

// AdapterResolver returns the initialized adapter for a provider name.
type AdapterResolver func(name string) (provider.PaymentProvider, error)

// RateLimiter admits or rejects a delivery for a provider's current window.
type RateLimiter interface {
	Allow(ctx context.Context, providerName string) (bool, error)
}

// RedisRateLimiter is a fixed-window counter per provider and minute. It
// fails open: webhook loss hurts more than a burst over budget, and the
// window key expires on its own.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
}

// NewRedisRateLimiter creates a limiter allowing limit deliveries per
// provider per minute.
func NewRedisRateLimiter(client *redis.Client, limit int) *RedisRateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &RedisRateLimiter{client: client, limit: limit}
}

// Allow counts the delivery against the provider's current minute window.
func (l *RedisRateLimiter) Allow(ctx context.Context, providerName string) (bool, error) {
	key := fmt.Sprintf("webhook_rl:%s:%d", providerName, time.Now().Unix()/60)
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return true, fmt.Errorf("failed to count webhook delivery: %w", err)
	}
	if n == 1 {
		// First hit in the window owns the expiry.
		if err := l.client.Expire(ctx, key, 2*time.Minute).Err(); err != nil {
			logger.Warn("failed to expire webhook rate limit window",
				logger.LogContext{Provider: providerName, Fields: map[string]any{"error": err.Error()}})
		}
	}
	return n <= int64(l.limit), nil
}

// IngestResult is the acknowledgement returned to the delivering provider.
type IngestResult struct {
	EventID   uuid.UUID `json:"event_id"`
	Accepted  bool      `json:"accepted"`
	Duplicate bool      `json:"duplicate"`
}

// IngestorConfig wires an Ingestor.
type IngestorConfig struct {
	Providers ProviderDirectory
	Events    EventStore
	Adapters  AdapterResolver
	Limiter   RateLimiter
	Enqueuer  Enqueuer
}

// Ingestor is the synchronous half of webhook handling: authenticate the
// delivery, record it exactly once, hand it to the worker pool. Everything
// slow or fallible beyond the insert happens in the processor.
type Ingestor struct {
	providers ProviderDirectory
	events    EventStore
	adapters  AdapterResolver
	limiter   RateLimiter
	enqueuer  Enqueuer
}

// NewIngestor creates an Ingestor. A nil Limiter disables rate limiting.
func NewIngestor(cfg IngestorConfig) *Ingestor {
	return &Ingestor{
		providers: cfg.Providers,
		events:    cfg.Events,
		adapters:  cfg.Adapters,
		limiter:   cfg.Limiter,
		enqueuer:  cfg.Enqueuer,
	}
}

// Ingest validates and records one delivery. Replayed deliveries of a known
// provider event return the stored event id with Duplicate set; the caller
// acknowledges both outcomes with 200 so the provider stops redelivering.
func (i *Ingestor) Ingest(ctx context.Context, providerName string, payload []byte, headers map[string]string, sourceIP string) (*IngestResult, error) {
	prov, err := i.providers.GetByName(ctx, providerName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.WebhooksReceived.WithLabelValues(providerName, "rejected").Inc()
			return nil, fmt.Errorf("provider %q: %w", providerName, ErrUnknownProvider)
		}
		return nil, err
	}

	if i.limiter != nil {
		allowed, lerr := i.limiter.Allow(ctx, prov.Name)
		if lerr != nil {
			logger.Warn("webhook rate limit check failed",
				logger.LogContext{Provider: prov.Name, Fields: map[string]any{"error": lerr.Error()}})
		}
		if !allowed {
			metrics.WebhooksReceived.WithLabelValues(prov.Name, "rejected").Inc()
			return nil, fmt.Errorf("provider %s: %w", prov.Name, ErrRateLimited)
		}
	}

	adapter, err := i.adapters(prov.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve adapter for %s: %w", prov.Name, err)
	}
	valid, verr := adapter.ValidateWebhook(ctx, payload, headers, sourceIP)
	if verr != nil || !valid {
		metrics.WebhookSignatureFailures.WithLabelValues(prov.Name).Inc()
		metrics.WebhooksReceived.WithLabelValues(prov.Name, "rejected").Inc()
		if verr != nil {
			logger.Warn("webhook signature validation errored",
				logger.LogContext{Provider: prov.Name, Fields: map[string]any{"error": verr.Error(), "source_ip": sourceIP}})
		}
		return nil, fmt.Errorf("provider %s: %w", prov.Name, ErrInvalidSignature)
	}

	providerEventID, err := ExtractEventID(prov.Name, payload)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(prov.Name, "rejected").Inc()
		return nil, err
	}

	if existing, derr := i.events.GetByProviderEvent(ctx, prov.ID, providerEventID); derr == nil {
		metrics.WebhooksReceived.WithLabelValues(prov.Name, "duplicate").Inc()
		return &IngestResult{EventID: existing.ID, Duplicate: true}, nil
	} else if !errors.Is(derr, store.ErrNotFound) {
		return nil, derr
	}

	ev := &store.WebhookEvent{
		ProviderID:         prov.ID,
		ProviderEventID:    providerEventID,
		EventType:          ExtractEventType(prov.Name, payload),
		RawPayload:         payload,
		ParsedPayload:      json.RawMessage(payload),
		Signature:          deliverySignature(prov.Name, headers),
		SignatureValidated: true,
		IPAddress:          sourceIP,
		ProcessingStatus:   store.WebhookPending,
	}
	if err := i.events.Insert(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Two deliveries raced past the lookup; the constraint picked
			// the winner.
			existing, gerr := i.events.GetByProviderEvent(ctx, prov.ID, providerEventID)
			if gerr != nil {
				return nil, gerr
			}
			metrics.WebhooksReceived.WithLabelValues(prov.Name, "duplicate").Inc()
			return &IngestResult{EventID: existing.ID, Duplicate: true}, nil
		}
		return nil, err
	}

	if err := i.enqueuer.Enqueue(ctx, ev.ID); err != nil {
		// The row is durable; park it so the scheduler sweep re-enqueues
		// instead of stranding it in pending.
		logger.Error("failed to enqueue webhook event", err,
			logger.LogContext{Provider: prov.Name, Fields: map[string]any{"event_id": ev.ID.String()}})
		retryAt := time.Now().UTC().Add(Delay(1))
		if merr := i.events.MarkFailed(ctx, ev.ID, "enqueue failed: "+err.Error(), &retryAt); merr != nil {
			logger.Error("failed to park webhook event for retry", merr,
				logger.LogContext{Provider: prov.Name, Fields: map[string]any{"event_id": ev.ID.String()}})
		}
	}

	metrics.WebhooksReceived.WithLabelValues(prov.Name, "accepted").Inc()
	return &IngestResult{EventID: ev.ID, Accepted: true}, nil
}

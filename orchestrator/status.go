package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/infra/metrics"
	"github.com/paygate-io/paygate/store"
)

// localStatusTTL bounds how stale a status read can be across gateway
// instances: writers invalidate Redis, the in-process tier just ages out.
const localStatusTTL = 10 * time.Second

// Default Redis TTLs for status entries. Terminal payments no longer
// change, so they may live much longer.
const (
	DefaultActiveStatusTTL   = 60 * time.Second
	DefaultTerminalStatusTTL = time.Hour
)

// PaymentStatusView is the lightweight status projection served to clients.
type PaymentStatusView struct {
	TransactionID         string              `json:"transactionId"`
	Status                store.PaymentStatus `json:"status"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	ProviderName          string              `json:"providerName"`
	ProviderTransactionID string              `json:"providerTransactionId,omitempty"`
	PaymentURL            string              `json:"paymentUrl,omitempty"`
	ErrorMessage          string              `json:"errorMessage,omitempty"`
	CompletedAt           *time.Time          `json:"completedAt,omitempty"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}

// RemoteCache is the distributed status tier shared by gateway instances.
// Get reports a miss with ok=false and no error.
type RemoteCache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisStatusCache implements RemoteCache over go-redis.
type RedisStatusCache struct {
	client *redis.Client
}

// NewRedisStatusCache wraps a Redis client as a RemoteCache.
func NewRedisStatusCache(client *redis.Client) *RedisStatusCache {
	return &RedisStatusCache{client: client}
}

func (c *RedisStatusCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read status cache: %w", err)
	}
	return val, true, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write status cache: %w", err)
	}
	return nil
}

func (c *RedisStatusCache) Del(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate status cache: %w", err)
	}
	return nil
}

// StatusService answers payment status lookups through an in-process tier,
// then Redis, then PostgreSQL, rewriting the outer tiers on the way back.
// Cache outages degrade to slower reads, never to errors.
type StatusService struct {
	payments    PaymentStore
	remote      RemoteCache
	local       *gocache.Cache
	activeTTL   time.Duration
	terminalTTL time.Duration
}

// NewStatusService creates a StatusService. A nil remote disables the Redis
// tier; zero TTLs take the defaults.
func NewStatusService(payments PaymentStore, remote RemoteCache, activeTTL, terminalTTL time.Duration) *StatusService {
	if activeTTL <= 0 {
		activeTTL = DefaultActiveStatusTTL
	}
	if terminalTTL <= 0 {
		terminalTTL = DefaultTerminalStatusTTL
	}
	return &StatusService{
		payments:    payments,
		remote:      remote,
		local:       gocache.New(localStatusTTL, 2*localStatusTTL),
		activeTTL:   activeTTL,
		terminalTTL: terminalTTL,
	}
}

func statusKey(id uuid.UUID) string {
	return "payment_status:" + id.String()
}

// GetStatus returns the status view for a payment.
func (s *StatusService) GetStatus(ctx context.Context, id uuid.UUID) (*PaymentStatusView, error) {
	key := statusKey(id)

	if v, ok := s.local.Get(key); ok {
		if view, ok := v.(PaymentStatusView); ok {
			metrics.StatusCacheLookups.WithLabelValues("local", "hit").Inc()
			return &view, nil
		}
	}
	metrics.StatusCacheLookups.WithLabelValues("local", "miss").Inc()

	if s.remote != nil {
		raw, ok, err := s.remote.Get(ctx, key)
		switch {
		case err != nil:
			logger.Warn("status cache read failed",
				logger.LogContext{Fields: map[string]any{"key": key, "error": err.Error()}})
		case ok:
			var view PaymentStatusView
			if err := json.Unmarshal(raw, &view); err == nil {
				metrics.StatusCacheLookups.WithLabelValues("redis", "hit").Inc()
				s.local.Set(key, view, localStatusTTL)
				return &view, nil
			}
		}
		metrics.StatusCacheLookups.WithLabelValues("redis", "miss").Inc()
	}

	tx, err := s.payments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("payment %s: %w", id, ErrPaymentNotFound)
		}
		return nil, err
	}
	metrics.StatusCacheLookups.WithLabelValues("store", "hit").Inc()

	view := viewOf(tx)
	s.write(ctx, key, view, tx.Status.Terminal())
	return view, nil
}

// Invalidate drops the payment's status from both tiers. Other instances'
// in-process entries age out within localStatusTTL.
func (s *StatusService) Invalidate(ctx context.Context, id uuid.UUID) {
	key := statusKey(id)
	s.local.Delete(key)
	if s.remote == nil {
		return
	}
	if err := s.remote.Del(ctx, key); err != nil {
		logger.Warn("status cache invalidation failed",
			logger.LogContext{Fields: map[string]any{"key": key, "error": err.Error()}})
	}
}

func (s *StatusService) write(ctx context.Context, key string, view *PaymentStatusView, terminal bool) {
	s.local.Set(key, *view, localStatusTTL)
	if s.remote == nil {
		return
	}
	ttl := s.activeTTL
	if terminal {
		ttl = s.terminalTTL
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.remote.Set(ctx, key, raw, ttl); err != nil {
		logger.Warn("status cache write failed",
			logger.LogContext{Fields: map[string]any{"key": key, "error": err.Error()}})
	}
}

func viewOf(tx *store.PaymentTransaction) *PaymentStatusView {
	return &PaymentStatusView{
		TransactionID:         tx.ID.String(),
		Status:                tx.Status,
		Amount:                tx.Amount,
		Currency:              tx.Currency,
		ProviderName:          tx.ProviderName,
		ProviderTransactionID: tx.ProviderTransactionID,
		PaymentURL:            tx.PaymentURL,
		ErrorMessage:          tx.ErrorMessage,
		CompletedAt:           tx.CompletedAt,
		UpdatedAt:             tx.UpdatedAt,
	}
}

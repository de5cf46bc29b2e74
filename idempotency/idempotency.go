// Package idempotency provides the Redis lease and result cache that make
// payment and refund submission replay-safe. The lease serializes concurrent
// requests carrying the same key; the result cache answers replays without
// touching the provider. Both are advisory: the database unique constraint
// on idempotency_key is the correctness backstop.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OpPayment and OpRefund namespace the composite key so a payment and a
	// refund may legitimately share a client key.
	OpPayment = "payment"
	OpRefund  = "refund"

	// DefaultLockTTL bounds how long a crashed submitter can block a key.
	DefaultLockTTL = 30 * time.Second

	// DefaultResultTTL keeps replay answers for a day.
	DefaultResultTTL = 24 * time.Hour
)

var (
	// ErrNoResult is returned by GetResult when no cached outcome exists.
	ErrNoResult = errors.New("idempotency: no stored result")

	// ErrConcurrentRequest signals that another request holding the same
	// key is in flight right now. Mapped to HTTP 409.
	ErrConcurrentRequest = errors.New("idempotency: concurrent request in progress")
)

// Store coordinates idempotent submission through Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store over the given client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func lockKey(op, key string) string {
	return fmt.Sprintf("idempotency_lock:%s:%s", op, key)
}

func resultKey(op, key string) string {
	return fmt.Sprintf("idempotency_result:%s:%s", op, key)
}

// AcquireLock takes the submission lease for {op}:{key}. It returns false
// when another holder exists; callers translate that to
// ErrConcurrentRequest.
func (s *Store) AcquireLock(ctx context.Context, op, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := s.client.SetNX(ctx, lockKey(op, key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire idempotency lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock drops the lease. Expired or already-released leases are not an
// error; the TTL is the crash recovery path.
func (s *Store) ReleaseLock(ctx context.Context, op, key string) error {
	if err := s.client.Del(ctx, lockKey(op, key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency lock: %w", err)
	}
	return nil
}

// StoreResult records the transaction id a finished submission produced so
// replays can answer without re-running the work.
func (s *Store) StoreResult(ctx context.Context, op, key, txID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	if err := s.client.Set(ctx, resultKey(op, key), txID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency result: %w", err)
	}
	return nil
}

// GetResult returns the transaction id of a previously finished submission,
// or ErrNoResult.
func (s *Store) GetResult(ctx context.Context, op, key string) (string, error) {
	txID, err := s.client.Get(ctx, resultKey(op, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoResult
	}
	if err != nil {
		return "", fmt.Errorf("failed to read idempotency result: %w", err)
	}
	return txID, nil
}

package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryBreakerStore keeps breaker snapshots in process memory. It backs
// tests and single-instance deployments without Redis.
type MemoryBreakerStore struct {
	mu    sync.Mutex
	snaps map[string]BreakerSnapshot
}

// NewMemoryBreakerStore creates an empty in-memory store.
func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{snaps: make(map[string]BreakerSnapshot)}
}

func (s *MemoryBreakerStore) Load(ctx context.Context, name string) (BreakerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[name], nil
}

func (s *MemoryBreakerStore) CompareAndSwap(ctx context.Context, name string, expectedVersion int64, next BreakerSnapshot, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snaps[name].Version != expectedVersion {
		return false, nil
	}
	s.snaps[name] = next
	return true, nil
}

// breakerCASLua writes the snapshot only when the stored version still
// matches. An absent key counts as version 0.
const breakerCASLua = `
local current = redis.call('GET', KEYS[1])
local expected = tonumber(ARGV[1])
if current then
  local ok, data = pcall(cjson.decode, current)
  if not ok or tonumber(data.version) ~= expected then
    return 0
  end
elseif expected ~= 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
return 1
`

var breakerCASScript = redis.NewScript(breakerCASLua)

// RedisBreakerStore shares breaker snapshots across gateway instances so
// each provider has one logical breaker for the whole fleet.
type RedisBreakerStore struct {
	client *redis.Client
}

// NewRedisBreakerStore creates a store over the given client.
func NewRedisBreakerStore(client *redis.Client) *RedisBreakerStore {
	return &RedisBreakerStore{client: client}
}

func breakerKey(name string) string {
	return "breaker:" + name
}

func (s *RedisBreakerStore) Load(ctx context.Context, name string) (BreakerSnapshot, error) {
	raw, err := s.client.Get(ctx, breakerKey(name)).Bytes()
	if err == redis.Nil {
		return BreakerSnapshot{}, nil
	}
	if err != nil {
		return BreakerSnapshot{}, fmt.Errorf("failed to load breaker state: %w", err)
	}

	var snap BreakerSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return BreakerSnapshot{}, fmt.Errorf("failed to decode breaker state: %w", err)
	}
	return snap, nil
}

func (s *RedisBreakerStore) CompareAndSwap(ctx context.Context, name string, expectedVersion int64, next BreakerSnapshot, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to encode breaker state: %w", err)
	}

	res, err := breakerCASScript.Run(ctx, s.client,
		[]string{breakerKey(name)},
		expectedVersion, string(payload), int(ttl/time.Second),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to swap breaker state: %w", err)
	}
	return res == 1, nil
}

package resilience

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// latencyAlpha is the EWMA smoothing factor: recent calls dominate without
// letting one slow call swing the average.
const latencyAlpha = 0.3

// latencyTTL expires averages for providers that stopped receiving traffic.
const latencyTTL = 10 * time.Minute

// LatencyTracker maintains a per-provider moving average of successful call
// latency. The router prefers lower averages when priorities tie.
type LatencyTracker interface {
	Observe(ctx context.Context, name string, elapsed time.Duration) error
	Average(ctx context.Context, name string) (time.Duration, error)
}

// MemoryLatencyTracker keeps averages in process memory.
type MemoryLatencyTracker struct {
	mu       sync.Mutex
	averages map[string]float64
}

// NewMemoryLatencyTracker creates an empty in-memory tracker.
func NewMemoryLatencyTracker() *MemoryLatencyTracker {
	return &MemoryLatencyTracker{averages: make(map[string]float64)}
}

func (t *MemoryLatencyTracker) Observe(ctx context.Context, name string, elapsed time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.averages[name] = ewma(t.averages[name], elapsed)
	return nil
}

func (t *MemoryLatencyTracker) Average(ctx context.Context, name string) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.averages[name] * float64(time.Millisecond)), nil
}

// RedisLatencyTracker shares averages across gateway instances, stored
// alongside the breaker state. The read-modify-write is not atomic; a lost
// update only costs one sample of smoothing.
type RedisLatencyTracker struct {
	client *redis.Client
}

// NewRedisLatencyTracker creates a tracker over the given client.
func NewRedisLatencyTracker(client *redis.Client) *RedisLatencyTracker {
	return &RedisLatencyTracker{client: client}
}

func latencyKey(name string) string {
	return "latency:" + name
}

func (t *RedisLatencyTracker) Observe(ctx context.Context, name string, elapsed time.Duration) error {
	previous, err := t.average(ctx, name)
	if err != nil {
		return err
	}
	next := ewma(previous, elapsed)
	return t.client.Set(ctx, latencyKey(name), strconv.FormatFloat(next, 'f', 3, 64), latencyTTL).Err()
}

func (t *RedisLatencyTracker) Average(ctx context.Context, name string) (time.Duration, error) {
	avg, err := t.average(ctx, name)
	if err != nil {
		return 0, err
	}
	return time.Duration(avg * float64(time.Millisecond)), nil
}

func (t *RedisLatencyTracker) average(ctx context.Context, name string) (float64, error) {
	raw, err := t.client.Get(ctx, latencyKey(name)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	avg, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, nil
	}
	return avg, nil
}

// ewma folds a new sample (in milliseconds) into the running average. A
// zero previous average is treated as the first sample.
func ewma(previous float64, elapsed time.Duration) float64 {
	sample := float64(elapsed) / float64(time.Millisecond)
	if previous == 0 {
		return sample
	}
	return latencyAlpha*sample + (1-latencyAlpha)*previous
}

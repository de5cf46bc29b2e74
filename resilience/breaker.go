package resilience

import (
	"context"
	"errors"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the breaker refuses a call. It is not
// retryable: callers route around the provider instead.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// casAttempts bounds the optimistic-concurrency retry loop. Losing every
// race means another instance is updating the same breaker; treating the
// call as refused is the safe outcome.
const casAttempts = 4

// snapshotTTL must comfortably outlive the open interval, otherwise an
// expiring key would silently close an open breaker.
const snapshotTTL = time.Hour

// BreakerSnapshot is the shared record of one provider's breaker, stored
// versioned so concurrent gateway instances converge on one state.
type BreakerSnapshot struct {
	State               State `json:"state"`
	Version             int64 `json:"version"`
	OpenedAt            int64 `json:"opened_at,omitempty"`
	WindowStart         int64 `json:"window_start,omitempty"`
	Successes           int64 `json:"successes"`
	Failures            int64 `json:"failures"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`
	ProbeInFlight       bool  `json:"probe_in_flight,omitempty"`
}

// BreakerStore persists breaker snapshots. Load returns a zero snapshot
// (closed, version 0) when no record exists. CompareAndSwap writes next
// only when the stored version still equals expectedVersion.
type BreakerStore interface {
	Load(ctx context.Context, name string) (BreakerSnapshot, error)
	CompareAndSwap(ctx context.Context, name string, expectedVersion int64, next BreakerSnapshot, ttl time.Duration) (bool, error)
}

// BreakerConfig holds the trip thresholds.
type BreakerConfig struct {
	Window              time.Duration
	ConsecutiveFailures int64
	FailureRatio        float64
	MinSamples          int64
	OpenFor             time.Duration
}

// DefaultBreakerConfig matches the gateway defaults: a 30 second window,
// trip on 5 consecutive failures or a 50% failure ratio over at least 10
// samples, stay open for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:              30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinSamples:          10,
		OpenFor:             30 * time.Second,
	}
}

// TransitionFunc observes breaker state changes. It runs on the instance
// that won the compare-and-set, so each transition is observed once across
// the fleet.
type TransitionFunc func(name string, from, to State)

// Breaker is a per-provider circuit breaker whose state is shared through
// a BreakerStore.
type Breaker struct {
	store        BreakerStore
	config       BreakerConfig
	onTransition TransitionFunc
	now          func() time.Time
}

// NewBreaker creates a breaker over the given store.
func NewBreaker(store BreakerStore, config BreakerConfig) *Breaker {
	if config.Window <= 0 {
		config = DefaultBreakerConfig()
	}
	return &Breaker{store: store, config: config, now: time.Now}
}

// OnTransition registers the state change observer.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.onTransition = fn
}

// State reports the provider's current breaker state, accounting for an
// elapsed open interval.
func (b *Breaker) State(ctx context.Context, name string) (State, error) {
	snap, err := b.store.Load(ctx, name)
	if err != nil {
		return StateClosed, err
	}
	if snap.State == "" {
		return StateClosed, nil
	}
	if snap.State == StateOpen && b.openElapsed(snap) {
		return StateHalfOpen, nil
	}
	return snap.State, nil
}

// Allow decides whether a call to the provider may proceed. In half-open
// state exactly one caller across the fleet wins the probe slot.
func (b *Breaker) Allow(ctx context.Context, name string) error {
	for i := 0; i < casAttempts; i++ {
		snap, err := b.store.Load(ctx, name)
		if err != nil {
			return err
		}

		switch snap.State {
		case "", StateClosed:
			return nil

		case StateOpen:
			if !b.openElapsed(snap) {
				return ErrCircuitOpen
			}
			next := snap
			next.State = StateHalfOpen
			next.ProbeInFlight = true
			if ok, err := b.swap(ctx, name, snap, next); err != nil {
				return err
			} else if ok {
				return nil
			}

		case StateHalfOpen:
			if snap.ProbeInFlight {
				return ErrCircuitOpen
			}
			next := snap
			next.ProbeInFlight = true
			if ok, err := b.swap(ctx, name, snap, next); err != nil {
				return err
			} else if ok {
				return nil
			}
		}
	}
	return ErrCircuitOpen
}

// RecordSuccess feeds a successful call outcome into the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context, name string) error {
	return b.record(ctx, name, func(snap BreakerSnapshot) (BreakerSnapshot, bool) {
		switch snap.State {
		case StateHalfOpen:
			// Probe succeeded: close and start clean.
			return BreakerSnapshot{State: StateClosed, WindowStart: b.now().Unix()}, true
		case StateOpen:
			return snap, false
		default:
			next := b.rollWindow(snap)
			next.State = StateClosed
			next.Successes++
			next.ConsecutiveFailures = 0
			return next, true
		}
	})
}

// RecordFailure feeds a failed call outcome into the breaker and trips it
// when the window crosses a threshold.
func (b *Breaker) RecordFailure(ctx context.Context, name string) error {
	return b.record(ctx, name, func(snap BreakerSnapshot) (BreakerSnapshot, bool) {
		switch snap.State {
		case StateHalfOpen:
			// Probe failed: reopen for another interval.
			return BreakerSnapshot{State: StateOpen, OpenedAt: b.now().Unix()}, true
		case StateOpen:
			return snap, false
		default:
			next := b.rollWindow(snap)
			next.State = StateClosed
			next.Failures++
			next.ConsecutiveFailures++
			if b.shouldTrip(next) {
				return BreakerSnapshot{State: StateOpen, OpenedAt: b.now().Unix()}, true
			}
			return next, true
		}
	})
}

func (b *Breaker) shouldTrip(snap BreakerSnapshot) bool {
	if snap.ConsecutiveFailures >= b.config.ConsecutiveFailures {
		return true
	}
	samples := snap.Successes + snap.Failures
	if samples < b.config.MinSamples {
		return false
	}
	return float64(snap.Failures)/float64(samples) >= b.config.FailureRatio
}

// rollWindow resets the counters when the current window has expired.
func (b *Breaker) rollWindow(snap BreakerSnapshot) BreakerSnapshot {
	now := b.now().Unix()
	if snap.WindowStart == 0 || now-snap.WindowStart >= int64(b.config.Window/time.Second) {
		version := snap.Version
		state := snap.State
		snap = BreakerSnapshot{State: state, Version: version, WindowStart: now}
	}
	return snap
}

func (b *Breaker) openElapsed(snap BreakerSnapshot) bool {
	return b.now().Unix()-snap.OpenedAt >= int64(b.config.OpenFor/time.Second)
}

// record applies mutate under optimistic concurrency.
func (b *Breaker) record(ctx context.Context, name string, mutate func(BreakerSnapshot) (BreakerSnapshot, bool)) error {
	for i := 0; i < casAttempts; i++ {
		snap, err := b.store.Load(ctx, name)
		if err != nil {
			return err
		}

		next, write := mutate(snap)
		if !write {
			return nil
		}

		ok, err := b.swap(ctx, name, snap, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	// Lost every race: another instance recorded an equivalent outcome.
	return nil
}

// swap writes next with an incremented version and fires the transition
// hook when this instance won a state change.
func (b *Breaker) swap(ctx context.Context, name string, current, next BreakerSnapshot) (bool, error) {
	next.Version = current.Version + 1
	ok, err := b.store.CompareAndSwap(ctx, name, current.Version, next, snapshotTTL)
	if err != nil || !ok {
		return ok, err
	}

	from := current.State
	if from == "" {
		from = StateClosed
	}
	if b.onTransition != nil && from != next.State {
		b.onTransition(name, from, next.State)
	}
	return true, nil
}

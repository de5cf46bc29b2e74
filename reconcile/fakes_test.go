package reconcile

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/paygate-io/paygate/bus"
	"github.com/paygate-io/paygate/provider"
	"github.com/paygate-io/paygate/resilience"
	"github.com/paygate-io/paygate/store"
)

// memPayments backs PaymentStore and TxStore with the same optimistic
// locking the real repo applies.
type memPayments struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]*store.PaymentTransaction
	logs       map[uuid.UUID][]store.TransactionLog
	updateErrs []error
}

func newMemPayments() *memPayments {
	return &memPayments{
		rows: make(map[uuid.UUID]*store.PaymentTransaction),
		logs: make(map[uuid.UUID][]store.TransactionLog),
	}
}

func (m *memPayments) add(tx *store.PaymentTransaction) *store.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.RowVersion == 0 {
		tx.RowVersion = 1
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = time.Now().UTC()
	}
	cp := *tx
	m.rows[tx.ID] = &cp
	return tx
}

func (m *memPayments) get(id uuid.UUID) *store.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.rows[id]
	return &cp
}

func (m *memPayments) logsFor(id uuid.UUID) []store.TransactionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.TransactionLog(nil), m.logs[id]...)
}

func (m *memPayments) ListStale(ctx context.Context, before time.Time, limit int) ([]store.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PaymentTransaction
	for _, tx := range m.rows {
		switch tx.Status {
		case store.PaymentPending, store.PaymentProcessing:
		default:
			continue
		}
		if tx.UpdatedAt.Before(before) {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayments) UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.PaymentUpdate, entry *store.TransactionLog) (*store.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.updateErrs) > 0 {
		err := m.updateErrs[0]
		m.updateErrs = m.updateErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	tx, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.RowVersion != expectedVersion {
		return nil, store.ErrConcurrencyConflict
	}

	tx.Status = upd.Status
	if upd.ProviderTransactionID != "" {
		tx.ProviderTransactionID = upd.ProviderTransactionID
	}
	if upd.ErrorMessage != "" {
		tx.ErrorMessage = upd.ErrorMessage
	}
	if upd.CompletedAt != nil {
		tx.CompletedAt = upd.CompletedAt
	}
	tx.RowVersion++
	tx.UpdatedAt = time.Now().UTC()

	if entry != nil {
		e := *entry
		e.PaymentTransactionID = id
		m.logs[id] = append(m.logs[id], e)
	}

	cp := *tx
	return &cp, nil
}

// memEvents backs the webhook sweep surface.
type memEvents struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.WebhookEvent
}

func newMemEvents() *memEvents {
	return &memEvents{rows: make(map[uuid.UUID]*store.WebhookEvent)}
}

func (m *memEvents) add(ev *store.WebhookEvent) *store.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	m.rows[ev.ID] = &cp
	return ev
}

func (m *memEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memEvents) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]store.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookEvent
	for _, ev := range m.rows {
		if ev.ProcessingStatus != store.WebhookFailed || ev.NextRetryAt == nil {
			continue
		}
		if !ev.NextRetryAt.After(now) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEvents) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, ev := range m.rows {
		if ev.CreatedAt.Before(cutoff) {
			delete(m.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// fakeAdapter satisfies provider.PaymentProvider; only GetStatus matters
// here.
type fakeAdapter struct {
	mu          sync.Mutex
	statusCalls int
	status      func(providerTransactionID string) (*provider.StatusResponse, error)
}

func (a *fakeAdapter) Initialize(map[string]string) error        { return nil }
func (a *fakeAdapter) GetRequiredConfig() []provider.ConfigField { return nil }
func (a *fakeAdapter) ValidateConfig(map[string]string) error    { return nil }

func (a *fakeAdapter) ProcessPayment(ctx context.Context, req provider.PaymentRequest) (*provider.PaymentResponse, error) {
	return &provider.PaymentResponse{Success: true, Status: provider.StatusProcessing}, nil
}

func (a *fakeAdapter) ProcessRefund(ctx context.Context, req provider.RefundRequest) (*provider.RefundResponse, error) {
	return &provider.RefundResponse{Success: true, Status: provider.StatusCompleted}, nil
}

func (a *fakeAdapter) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	a.mu.Lock()
	a.statusCalls++
	fn := a.status
	a.mu.Unlock()
	if fn != nil {
		return fn(providerTransactionID)
	}
	return &provider.StatusResponse{Status: provider.StatusProcessing, ProviderTransactionID: providerTransactionID}, nil
}

func (a *fakeAdapter) ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error) {
	return true, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturePublisher) Publish(ctx context.Context, ev bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Key()
	}
	return out
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, eventID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, eventID)
	return nil
}

type fakeInvalidator struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

// recEnv wires a Reconciler over the in-memory fakes.
type recEnv struct {
	payments *memPayments
	events   *memEvents
	adapter  *fakeAdapter
	pub      *capturePublisher
	enq      *fakeEnqueuer
	inval    *fakeInvalidator
	rec      *Reconciler
}

func newRecEnv(t *testing.T) *recEnv {
	t.Helper()

	env := &recEnv{
		payments: newMemPayments(),
		events:   newMemEvents(),
		adapter:  &fakeAdapter{},
		pub:      &capturePublisher{},
		enq:      &fakeEnqueuer{},
		inval:    &fakeInvalidator{},
	}

	breaker := resilience.NewBreaker(resilience.NewMemoryBreakerStore(), resilience.DefaultBreakerConfig())
	pipeline := resilience.NewPipeline(resilience.PipelineConfig{
		Timeout: time.Second,
		Retry:   resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, breaker, resilience.NewMemoryLatencyTracker())

	env.rec = New(Config{
		Payments:  env.payments,
		Tx:        env.payments,
		Events:    env.events,
		Adapters:  func(string) (provider.PaymentProvider, error) { return env.adapter, nil },
		Pipeline:  pipeline,
		Publisher: env.pub,
		Enqueuer:  env.enq,
		Cache:     env.inval,
	})
	return env
}

// stale builds a transaction row already past the stale horizon.
func (e *recEnv) stale(status store.PaymentStatus, providerTxID string) *store.PaymentTransaction {
	return e.payments.add(&store.PaymentTransaction{
		ProviderID:            uuid.New(),
		ProviderName:          "stripe",
		Status:                status,
		ProviderTransactionID: providerTxID,
		CorrelationID:         "corr-1",
		UpdatedAt:             time.Now().UTC().Add(-time.Hour),
	})
}

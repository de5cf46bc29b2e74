package orchestrator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paygate-io/paygate/bus"
	"github.com/paygate-io/paygate/idempotency"
	"github.com/paygate-io/paygate/provider"
	"github.com/paygate-io/paygate/resilience"
	"github.com/paygate-io/paygate/store"
)

// memStore implements the persistence interfaces in memory, mirroring the
// row_version discipline of the real repositories so conflict paths are
// exercised for real.
type memStore struct {
	mu        sync.Mutex
	payments  map[uuid.UUID]*store.PaymentTransaction
	refunds   map[uuid.UUID]*store.RefundTransaction
	providers []*store.PaymentProvider
	logs      []store.TransactionLog

	// beforeUpdatePayment runs at the top of UpdatePaymentWithLog, letting a
	// test play the part of a concurrent writer.
	beforeUpdatePayment func()
	// updatePaymentErrs is popped one per UpdatePaymentWithLog call; a
	// non-nil entry fails that call.
	updatePaymentErrs []error
}

func newMemStore() *memStore {
	return &memStore{
		payments: make(map[uuid.UUID]*store.PaymentTransaction),
		refunds:  make(map[uuid.UUID]*store.RefundTransaction),
	}
}

func (m *memStore) addProvider(name string, status store.ProviderStatus, priority int, currencies ...string) *store.PaymentProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &store.PaymentProvider{
		ID:                  uuid.New(),
		Name:                name,
		DisplayName:         name,
		Status:              status,
		SupportedCurrencies: currencies,
		Priority:            priority,
	}
	m.providers = append(m.providers, p)
	return p
}

func (m *memStore) paymentLogs(id uuid.UUID) []store.TransactionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TransactionLog
	for _, l := range m.logs {
		if l.PaymentTransactionID == id {
			out = append(out, l)
		}
	}
	return out
}

// forceStatus plays a concurrent writer: it moves the row and bumps the
// version outside the orchestrator's view.
func (m *memStore) forceStatus(id uuid.UUID, status store.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	p.Status = status
	p.RowVersion++
	p.UpdatedAt = time.Now().UTC()
}

func (m *memStore) GetByID(ctx context.Context, id uuid.UUID) (*store.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetByIdempotencyKey(ctx context.Context, key string) (*store.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.PaymentUpdate) (*store.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyPayment(id, expectedVersion, upd)
}

// applyPayment mirrors the COALESCE(NULLIF(...)) semantics of the SQL
// update: empty fields leave stored values untouched. Callers hold m.mu.
func (m *memStore) applyPayment(id uuid.UUID, expectedVersion int64, upd store.PaymentUpdate) (*store.PaymentTransaction, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.RowVersion != expectedVersion {
		return nil, store.ErrConcurrencyConflict
	}
	p.Status = upd.Status
	if upd.ProviderTransactionID != "" {
		p.ProviderTransactionID = upd.ProviderTransactionID
	}
	if upd.PaymentURL != "" {
		p.PaymentURL = upd.PaymentURL
	}
	if upd.ErrorMessage != "" {
		p.ErrorMessage = upd.ErrorMessage
	}
	if upd.ProviderErrorCode != "" {
		p.ProviderErrorCode = upd.ProviderErrorCode
	}
	if upd.CompletedAt != nil {
		p.CompletedAt = upd.CompletedAt
	}
	if upd.IncrementRetry {
		p.RetryCount++
	}
	p.RowVersion++
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (m *memStore) CreatePaymentWithLog(ctx context.Context, p *store.PaymentTransaction, entry *store.TransactionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.IdempotencyKey == p.IdempotencyKey {
			return store.ErrDuplicateKey
		}
	}
	p.ID = uuid.New()
	p.RowVersion = 1
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.payments[p.ID] = &cp

	entry.PaymentTransactionID = p.ID
	entry.CorrelationID = p.CorrelationID
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memStore) UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.PaymentUpdate, entry *store.TransactionLog) (*store.PaymentTransaction, error) {
	if m.beforeUpdatePayment != nil {
		hook := m.beforeUpdatePayment
		m.beforeUpdatePayment = nil
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updatePaymentErrs) > 0 {
		err := m.updatePaymentErrs[0]
		m.updatePaymentErrs = m.updatePaymentErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	updated, err := m.applyPayment(id, expectedVersion, upd)
	if err != nil {
		return nil, err
	}
	entry.PaymentTransactionID = id
	if entry.CorrelationID == "" {
		entry.CorrelationID = updated.CorrelationID
	}
	m.logs = append(m.logs, *entry)
	return updated, nil
}

func (m *memStore) CreateRefundWithLog(ctx context.Context, rf *store.RefundTransaction, entry *store.TransactionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.refunds {
		if existing.IdempotencyKey == rf.IdempotencyKey {
			return store.ErrDuplicateKey
		}
	}
	rf.ID = uuid.New()
	rf.RowVersion = 1
	rf.CreatedAt = time.Now().UTC()
	rf.UpdatedAt = rf.CreatedAt
	cp := *rf
	m.refunds[rf.ID] = &cp

	entry.PaymentTransactionID = rf.PaymentTransactionID
	entry.RefundTransactionID = &rf.ID
	entry.CorrelationID = rf.CorrelationID
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memStore) UpdateRefundWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.RefundUpdate, entry *store.TransactionLog) (*store.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rf.RowVersion != expectedVersion {
		return nil, store.ErrConcurrencyConflict
	}
	rf.Status = upd.Status
	if upd.ProviderRefundID != "" {
		rf.ProviderRefundID = upd.ProviderRefundID
	}
	if upd.ErrorMessage != "" {
		rf.ErrorMessage = upd.ErrorMessage
	}
	rf.RowVersion++
	rf.UpdatedAt = time.Now().UTC()

	entry.PaymentTransactionID = rf.PaymentTransactionID
	cpID := rf.ID
	entry.RefundTransactionID = &cpID
	if entry.CorrelationID == "" {
		entry.CorrelationID = rf.CorrelationID
	}
	m.logs = append(m.logs, *entry)
	cp := *rf
	return &cp, nil
}

func (m *memStore) GetRefundByID(ctx context.Context, id uuid.UUID) (*store.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rf
	return &cp, nil
}

func (m *memStore) SumCompleted(ctx context.Context, paymentTxID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, rf := range m.refunds {
		if rf.PaymentTransactionID == paymentTxID && rf.Status == store.RefundCompleted {
			sum = sum.Add(rf.Amount)
		}
	}
	return sum, nil
}

func (m *memStore) ListByPayment(ctx context.Context, paymentTxID uuid.UUID) ([]store.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RefundTransaction
	for _, rf := range m.refunds {
		if rf.PaymentTransactionID == paymentTxID {
			out = append(out, *rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListRoutable(ctx context.Context, currency string) ([]store.PaymentProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PaymentProvider
	for _, p := range m.providers {
		if p.Status != store.ProviderActive && p.Status != store.ProviderDegraded {
			continue
		}
		for _, c := range p.SupportedCurrencies {
			if c == currency {
				out = append(out, *p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *memStore) UpdateProviderStatus(ctx context.Context, name string, status store.ProviderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		if p.Name == name {
			p.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

// refundReader adapts memStore to RefundStore, whose GetByID collides with
// the payment one on a single type.
type refundReader struct{ m *memStore }

func (r refundReader) GetByID(ctx context.Context, id uuid.UUID) (*store.RefundTransaction, error) {
	return r.m.GetRefundByID(ctx, id)
}

func (r refundReader) GetByIdempotencyKey(ctx context.Context, key string) (*store.RefundTransaction, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, rf := range r.m.refunds {
		if rf.IdempotencyKey == key {
			cp := *rf
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r refundReader) SumCompleted(ctx context.Context, paymentTxID uuid.UUID) (decimal.Decimal, error) {
	return r.m.SumCompleted(ctx, paymentTxID)
}

func (r refundReader) ListByPayment(ctx context.Context, paymentTxID uuid.UUID) ([]store.RefundTransaction, error) {
	return r.m.ListByPayment(ctx, paymentTxID)
}

// providerStore adapts memStore to ProviderStore for the same reason.
type providerStore struct{ m *memStore }

func (p providerStore) ListRoutable(ctx context.Context, currency string) ([]store.PaymentProvider, error) {
	return p.m.ListRoutable(ctx, currency)
}

func (p providerStore) UpdateStatus(ctx context.Context, name string, status store.ProviderStatus) error {
	return p.m.UpdateProviderStatus(ctx, name, status)
}

// memLocker implements Locker in memory.
type memLocker struct {
	mu      sync.Mutex
	locks   map[string]bool
	results map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]bool), results: make(map[string]string)}
}

func (l *memLocker) AcquireLock(ctx context.Context, operation, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := operation + ":" + key
	if l.locks[k] {
		return false, nil
	}
	l.locks[k] = true
	return true, nil
}

func (l *memLocker) ReleaseLock(ctx context.Context, operation, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, operation+":"+key)
	return nil
}

func (l *memLocker) StoreResult(ctx context.Context, operation, key, transactionID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[operation+":"+key] = transactionID
	return nil
}

func (l *memLocker) GetResult(ctx context.Context, operation, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.results[operation+":"+key]; ok {
		return id, nil
	}
	return "", idempotency.ErrNoResult
}

// capturePublisher records published events for assertions.
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

// fakeAdapter implements provider.PaymentProvider with overridable funcs.
type fakeAdapter struct {
	mu           sync.Mutex
	paymentCalls int
	refundCalls  int

	payment func(req provider.PaymentRequest) (*provider.PaymentResponse, error)
	refund  func(req provider.RefundRequest) (*provider.RefundResponse, error)
	status  func(providerTransactionID string) (*provider.StatusResponse, error)
}

func (a *fakeAdapter) Initialize(map[string]string) error        { return nil }
func (a *fakeAdapter) GetRequiredConfig() []provider.ConfigField { return nil }
func (a *fakeAdapter) ValidateConfig(map[string]string) error    { return nil }

func (a *fakeAdapter) ProcessPayment(ctx context.Context, req provider.PaymentRequest) (*provider.PaymentResponse, error) {
	a.mu.Lock()
	a.paymentCalls++
	fn := a.payment
	a.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &provider.PaymentResponse{
		Success:               true,
		Status:                provider.StatusProcessing,
		ProviderTransactionID: "prov_" + req.IdempotencyKey,
		PaymentURL:            "https://pay.example/" + req.IdempotencyKey,
	}, nil
}

func (a *fakeAdapter) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	a.mu.Lock()
	fn := a.status
	a.mu.Unlock()
	if fn != nil {
		return fn(providerTransactionID)
	}
	return &provider.StatusResponse{Status: provider.StatusProcessing, ProviderTransactionID: providerTransactionID}, nil
}

func (a *fakeAdapter) ProcessRefund(ctx context.Context, req provider.RefundRequest) (*provider.RefundResponse, error) {
	a.mu.Lock()
	a.refundCalls++
	fn := a.refund
	a.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &provider.RefundResponse{
		Success:          true,
		Status:           provider.StatusCompleted,
		ProviderRefundID: "ref_" + req.IdempotencyKey,
	}, nil
}

func (a *fakeAdapter) ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error) {
	return true, nil
}

// testEnv wires the orchestrators over the in-memory fakes.
type testEnv struct {
	st       *memStore
	locker   *memLocker
	pub      *capturePublisher
	adapter  *fakeAdapter
	adapters map[string]*fakeAdapter // per-provider overrides
	breaker  *resilience.Breaker
	pipeline *resilience.Pipeline
	router   *Router
	status   *StatusService
	payments *PaymentOrchestrator
	refunds  *RefundOrchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		st:       newMemStore(),
		locker:   newMemLocker(),
		pub:      &capturePublisher{},
		adapter:  &fakeAdapter{},
		adapters: make(map[string]*fakeAdapter),
	}

	env.breaker = resilience.NewBreaker(resilience.NewMemoryBreakerStore(), resilience.DefaultBreakerConfig())
	latency := resilience.NewMemoryLatencyTracker()
	env.pipeline = resilience.NewPipeline(resilience.PipelineConfig{
		Timeout: time.Second,
		Retry:   resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, env.breaker, latency)

	env.router = NewRouter(providerStore{env.st}, env.breaker, latency)
	env.status = NewStatusService(env.st, nil, 0, 0)
	env.breaker.OnTransition(NewHealthWatcher(providerStore{env.st}, env.pub).BreakerTransition)

	resolve := func(name string) (provider.PaymentProvider, error) {
		if a, ok := env.adapters[name]; ok {
			return a, nil
		}
		return env.adapter, nil
	}

	env.payments = NewPaymentOrchestrator(PaymentConfig{
		Tx:        env.st,
		Payments:  env.st,
		Locker:    env.locker,
		Router:    env.router,
		Pipeline:  env.pipeline,
		Adapters:  resolve,
		Publisher: env.pub,
		Cache:     env.status,
	})
	env.refunds = NewRefundOrchestrator(RefundConfig{
		Tx:        env.st,
		Payments:  env.st,
		Refunds:   refundReader{env.st},
		Locker:    env.locker,
		Pipeline:  env.pipeline,
		Adapters:  resolve,
		Publisher: env.pub,
		Cache:     env.status,
	})
	return env
}

func (e *testEnv) submitInput(key string) SubmitPaymentInput {
	return SubmitPaymentInput{
		IdempotencyKey: key,
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "USD",
		CustomerID:     "cust_1",
		OrderID:        "order_1",
	}
}

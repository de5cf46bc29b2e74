package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/paygate-io/paygate/bus"
	"github.com/paygate-io/paygate/provider"
	"github.com/paygate-io/paygate/store"
)

// memEvents implements EventStore in memory, mirroring the unique
// (provider_id, provider_event_id) constraint of the real table.
type memEvents struct {
	mu     sync.Mutex
	events map[uuid.UUID]*store.WebhookEvent

	// beforeInsert runs at the top of Insert, letting a test play the part
	// of a racing delivery.
	beforeInsert func()
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[uuid.UUID]*store.WebhookEvent)}
}

// put stores a row directly, bypassing the uniqueness check, for tests that
// need constraint-violating fixtures.
func (m *memEvents) put(e *store.WebhookEvent) *store.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UpdatedAt = e.CreatedAt
	cp := *e
	m.events[e.ID] = &cp
	return e
}

func (m *memEvents) get(id uuid.UUID) *store.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.events[id]
	return &cp
}

func (m *memEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memEvents) Insert(ctx context.Context, e *store.WebhookEvent) error {
	if m.beforeInsert != nil {
		hook := m.beforeInsert
		m.beforeInsert = nil
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.ProviderID == e.ProviderID && existing.ProviderEventID == e.ProviderEventID {
			return store.ErrDuplicateKey
		}
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *memEvents) GetByID(ctx context.Context, id uuid.UUID) (*store.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memEvents) GetByProviderEvent(ctx context.Context, providerID uuid.UUID, providerEventID string) (*store.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *store.WebhookEvent
	for _, e := range m.events {
		if e.ProviderID == providerID && e.ProviderEventID == providerEventID {
			if found == nil || e.CreatedAt.Before(found.CreatedAt) {
				found = e
			}
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *memEvents) MarkProcessing(ctx context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	e.ProcessingStatus = store.WebhookProcessing
	e.ProcessingAttempts++
	e.NextRetryAt = nil
	e.UpdatedAt = time.Now().UTC()
	return e.ProcessingAttempts, nil
}

func (m *memEvents) MarkCompleted(ctx context.Context, id uuid.UUID, paymentTxID, refundTxID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.ProcessingStatus = store.WebhookCompleted
	if paymentTxID != nil {
		e.PaymentTransactionID = paymentTxID
	}
	if refundTxID != nil {
		e.RefundTransactionID = refundTxID
	}
	e.FailureReason = ""
	e.NextRetryAt = nil
	now := time.Now().UTC()
	e.ProcessedAt = &now
	e.UpdatedAt = now
	return nil
}

func (m *memEvents) MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextRetry *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.ProcessingStatus = store.WebhookFailed
	e.FailureReason = reason
	e.NextRetryAt = nextRetry
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memEvents) MarkDuplicate(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.ProcessingStatus = store.WebhookDuplicate
	now := time.Now().UTC()
	e.ProcessedAt = &now
	e.UpdatedAt = now
	return nil
}

// memProviders implements ProviderDirectory in memory.
type memProviders struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.PaymentProvider
}

func newMemProviders() *memProviders {
	return &memProviders{rows: make(map[uuid.UUID]*store.PaymentProvider)}
}

func (m *memProviders) add(name string) *store.PaymentProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &store.PaymentProvider{
		ID:          uuid.New(),
		Name:        name,
		DisplayName: name,
		Status:      store.ProviderActive,
	}
	m.rows[p.ID] = p
	return p
}

func (m *memProviders) GetByName(ctx context.Context, name string) (*store.PaymentProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.Name == name && p.DeletedAt == nil {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memProviders) GetByID(ctx context.Context, id uuid.UUID) (*store.PaymentProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// memPayments implements PaymentStore and TxStore with the row_version
// discipline of the real repositories.
type memPayments struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*store.PaymentTransaction
	logs     []store.TransactionLog

	// updateErrs is popped one per UpdatePaymentWithLog call; a non-nil
	// entry fails that call.
	updateErrs []error
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[uuid.UUID]*store.PaymentTransaction)}
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
	cp := *tx
	m.payments[tx.ID] = &cp
	return tx
}

func (m *memPayments) logsFor(id uuid.UUID) []store.TransactionLog {
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

func (m *memPayments) GetByID(ctx context.Context, id uuid.UUID) (*store.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPayments) GetByProviderTransactionID(ctx context.Context, providerID uuid.UUID, providerTxID string) (*store.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ProviderID == providerID && p.ProviderTransactionID == providerTxID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
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
	if upd.ErrorMessage != "" {
		p.ErrorMessage = upd.ErrorMessage
	}
	if upd.CompletedAt != nil {
		p.CompletedAt = upd.CompletedAt
	}
	p.RowVersion++
	p.UpdatedAt = time.Now().UTC()

	entry.PaymentTransactionID = id
	if entry.CorrelationID == "" {
		entry.CorrelationID = p.CorrelationID
	}
	m.logs = append(m.logs, *entry)
	cp := *p
	return &cp, nil
}

// memRefunds implements RefundStore in memory.
type memRefunds struct {
	mu      sync.Mutex
	refunds map[uuid.UUID]*store.RefundTransaction
}

func newMemRefunds() *memRefunds {
	return &memRefunds{refunds: make(map[uuid.UUID]*store.RefundTransaction)}
}

func (m *memRefunds) add(rf *store.RefundTransaction) *store.RefundTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rf.ID == uuid.Nil {
		rf.ID = uuid.New()
	}
	if rf.CreatedAt.IsZero() {
		rf.CreatedAt = time.Now().UTC()
	}
	cp := *rf
	m.refunds[rf.ID] = &cp
	return rf
}

func (m *memRefunds) GetByProviderRefundID(ctx context.Context, providerID uuid.UUID, providerRefundID string) (*store.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rf := range m.refunds {
		if rf.ProviderID == providerID && rf.ProviderRefundID == providerRefundID {
			cp := *rf
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memRefunds) ListByPayment(ctx context.Context, paymentTxID uuid.UUID) ([]store.RefundTransaction, error) {
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

// fakeSettler records refund settlements.
type fakeSettler struct {
	mu        sync.Mutex
	completed []settleCall
	failed    []settleCall
}

type settleCall struct {
	refundID uuid.UUID
	ref      string
	message  string
}

func (s *fakeSettler) Complete(ctx context.Context, rf *store.RefundTransaction, providerRefundID string) (*store.RefundTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, settleCall{refundID: rf.ID, ref: providerRefundID})
	cp := *rf
	cp.Status = store.RefundCompleted
	if providerRefundID != "" {
		cp.ProviderRefundID = providerRefundID
	}
	return &cp, nil
}

func (s *fakeSettler) Fail(ctx context.Context, rf *store.RefundTransaction, message string) (*store.RefundTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, settleCall{refundID: rf.ID, message: message})
	cp := *rf
	cp.Status = store.RefundFailed
	cp.ErrorMessage = message
	return &cp, nil
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

// fakeInvalidator records cache invalidations.
type fakeInvalidator struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

// fakeEnqueuer records enqueued event ids.
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

// fakeLimiter admits or rejects every delivery.
type fakeLimiter struct {
	allow bool
}

func (f *fakeLimiter) Allow(ctx context.Context, providerName string) (bool, error) {
	return f.allow, nil
}

// fakeAdapter implements provider.PaymentProvider for signature checks.
type fakeAdapter struct {
	validateWebhook func(payload []byte, headers map[string]string, sourceIP string) (bool, error)
}

func (a *fakeAdapter) Initialize(map[string]string) error        { return nil }
func (a *fakeAdapter) GetRequiredConfig() []provider.ConfigField { return nil }
func (a *fakeAdapter) ValidateConfig(map[string]string) error    { return nil }

func (a *fakeAdapter) ProcessPayment(context.Context, provider.PaymentRequest) (*provider.PaymentResponse, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAdapter) GetStatus(context.Context, string) (*provider.StatusResponse, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAdapter) ProcessRefund(context.Context, provider.RefundRequest) (*provider.RefundResponse, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAdapter) ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error) {
	if a.validateWebhook != nil {
		return a.validateWebhook(payload, headers, sourceIP)
	}
	return true, nil
}

// ingestEnv wires an Ingestor over the in-memory fakes.
type ingestEnv struct {
	providers *memProviders
	events    *memEvents
	adapter   *fakeAdapter
	limiter   *fakeLimiter
	queue     *fakeEnqueuer
	ing       *Ingestor
}

func newIngestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	env := &ingestEnv{
		providers: newMemProviders(),
		events:    newMemEvents(),
		adapter:   &fakeAdapter{},
		limiter:   &fakeLimiter{allow: true},
		queue:     &fakeEnqueuer{},
	}
	env.ing = NewIngestor(IngestorConfig{
		Providers: env.providers,
		Events:    env.events,
		Adapters: func(name string) (provider.PaymentProvider, error) {
			return env.adapter, nil
		},
		Limiter:  env.limiter,
		Enqueuer: env.queue,
	})
	return env
}

// procEnv wires a Processor over the in-memory fakes.
type procEnv struct {
	events    *memEvents
	payments  *memPayments
	refunds   *memRefunds
	providers *memProviders
	settler   *fakeSettler
	pub       *capturePublisher
	inval     *fakeInvalidator
	proc      *Processor
}

func newProcEnv(t *testing.T) *procEnv {
	t.Helper()
	env := &procEnv{
		events:    newMemEvents(),
		payments:  newMemPayments(),
		refunds:   newMemRefunds(),
		providers: newMemProviders(),
		settler:   &fakeSettler{},
		pub:       &capturePublisher{},
		inval:     &fakeInvalidator{},
	}
	env.proc = NewProcessor(ProcessorConfig{
		Events:    env.events,
		Payments:  env.payments,
		Refunds:   env.refunds,
		Providers: env.providers,
		Tx:        env.payments,
		Settler:   env.settler,
		Publisher: env.pub,
		Cache:     env.inval,
	})
	return env
}

// pendingEvent stores a pending event row for a provider.
func (e *procEnv) pendingEvent(prov *store.PaymentProvider, providerEventID, eventType string, payload []byte) *store.WebhookEvent {
	return e.events.put(&store.WebhookEvent{
		ProviderID:         prov.ID,
		ProviderEventID:    providerEventID,
		EventType:          eventType,
		RawPayload:         payload,
		ParsedPayload:      payload,
		SignatureValidated: true,
		ProcessingStatus:   store.WebhookPending,
	})
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/paygate-io/paygate/infra/response"
	"github.com/paygate-io/paygate/infra/validate"
	"github.com/paygate-io/paygate/orchestrator"
	"github.com/paygate-io/paygate/store"
	"github.com/paygate-io/paygate/webhook"
)

type fakePayments struct {
	mu     sync.Mutex
	submit func(in orchestrator.SubmitPaymentInput) (*orchestrator.SubmitResult, error)
	last   *orchestrator.SubmitPaymentInput
}

func (f *fakePayments) Submit(ctx context.Context, in orchestrator.SubmitPaymentInput) (*orchestrator.SubmitResult, error) {
	f.mu.Lock()
	f.last = &in
	fn := f.submit
	f.mu.Unlock()
	if fn != nil {
		return fn(in)
	}
	return &orchestrator.SubmitResult{Transaction: &store.PaymentTransaction{
		ID:         uuid.New(),
		Status:     store.PaymentProcessing,
		Amount:     in.Amount,
		Currency:   in.Currency,
		CustomerID: in.CustomerID,
		OrderID:    in.OrderID,
	}}, nil
}

type fakeRefunds struct {
	mu     sync.Mutex
	submit func(in orchestrator.SubmitRefundInput) (*orchestrator.RefundResult, error)
	last   *orchestrator.SubmitRefundInput
}

func (f *fakeRefunds) Submit(ctx context.Context, in orchestrator.SubmitRefundInput) (*orchestrator.RefundResult, error) {
	f.mu.Lock()
	f.last = &in
	fn := f.submit
	f.mu.Unlock()
	if fn != nil {
		return fn(in)
	}
	return &orchestrator.RefundResult{Refund: &store.RefundTransaction{
		ID:                   uuid.New(),
		PaymentTransactionID: in.PaymentTransactionID,
		Status:               store.RefundCompleted,
		Amount:               in.Amount,
	}}, nil
}

type fakeStatus struct {
	get func(id uuid.UUID) (*orchestrator.PaymentStatusView, error)
}

func (f *fakeStatus) GetStatus(ctx context.Context, id uuid.UUID) (*orchestrator.PaymentStatusView, error) {
	if f.get != nil {
		return f.get(id)
	}
	return &orchestrator.PaymentStatusView{TransactionID: id.String(), Status: store.PaymentProcessing}, nil
}

type ingestCall struct {
	provider string
	payload  []byte
	headers  map[string]string
	sourceIP string
}

type fakeIngestor struct {
	mu     sync.Mutex
	ingest func(providerName string, payload []byte) (*webhook.IngestResult, error)
	last   *ingestCall
}

func (f *fakeIngestor) Ingest(ctx context.Context, providerName string, payload []byte, headers map[string]string, sourceIP string) (*webhook.IngestResult, error) {
	f.mu.Lock()
	f.last = &ingestCall{provider: providerName, payload: payload, headers: headers, sourceIP: sourceIP}
	fn := f.ingest
	f.mu.Unlock()
	if fn != nil {
		return fn(providerName, payload)
	}
	return &webhook.IngestResult{EventID: uuid.New(), Accepted: true}, nil
}

// memProviders is an in-memory ProviderStore.
type memProviders struct {
	mu   sync.Mutex
	rows map[string]*store.PaymentProvider
}

func newMemProviders() *memProviders {
	return &memProviders{rows: make(map[string]*store.PaymentProvider)}
}

func (m *memProviders) List(ctx context.Context) ([]store.PaymentProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PaymentProvider
	for _, p := range m.rows {
		if p.DeletedAt == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memProviders) GetByName(ctx context.Context, name string) (*store.PaymentProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[name]
	if !ok || p.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProviders) Create(ctx context.Context, p *store.PaymentProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.Name]; ok {
		return store.ErrDuplicateKey
	}
	p.ID = uuid.New()
	cp := *p
	m.rows[p.Name] = &cp
	return nil
}

func (m *memProviders) Update(ctx context.Context, p *store.PaymentProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.rows[p.Name]
	if !ok || current.DeletedAt != nil {
		return store.ErrNotFound
	}
	cp := *p
	cp.ID = current.ID
	m.rows[p.Name] = &cp
	return nil
}

func (m *memProviders) SoftDelete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[name]
	if !ok || p.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	return nil
}

// handlerEnv wires every handler behind a chi router, the same shape the
// real route table uses.
type handlerEnv struct {
	payments  *fakePayments
	refunds   *fakeRefunds
	status    *fakeStatus
	ingestor  *fakeIngestor
	providers *memProviders
	router    *chi.Mux
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	env := &handlerEnv{
		payments:  &fakePayments{},
		refunds:   &fakeRefunds{},
		status:    &fakeStatus{},
		ingestor:  &fakeIngestor{},
		providers: newMemProviders(),
	}

	payments := NewPaymentHandler(env.payments, env.refunds, env.status, validate.Get())
	webhooks := NewWebhookHandler(env.ingestor)
	providers := NewProviderHandler(env.providers, validate.Get())

	r := chi.NewRouter()
	r.Post("/v1/payments", payments.SubmitPayment)
	r.Get("/v1/payments/{transactionId}", payments.GetPayment)
	r.Post("/v1/payments/{transactionId}/refunds", payments.SubmitRefund)
	r.Post("/webhooks/{provider}", webhooks.Receive)
	r.Get("/v1/providers", providers.ListProviders)
	r.Post("/v1/providers", providers.CreateProvider)
	r.Put("/v1/providers/{name}", providers.UpdateProvider)
	r.Delete("/v1/providers/{name}", providers.DeleteProvider)
	env.router = r
	return env
}

// do sends a request through the router and decodes the envelope.
func (e *handlerEnv) do(t *testing.T, method, path string, headers map[string]string, body any) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		case []byte:
			buf.Write(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var envl response.Response
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envl))
	}
	return rec, envl
}

// data extracts a field from the envelope's data object.
func field(t *testing.T, envl response.Response, key string) any {
	t.Helper()
	data, ok := envl.Data.(map[string]any)
	require.True(t, ok, "envelope data is not an object")
	return data[key]
}

package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate-io/paygate/handler"
	"github.com/paygate-io/paygate/infra/validate"
	"github.com/paygate-io/paygate/orchestrator"
	"github.com/paygate-io/paygate/store"
	"github.com/paygate-io/paygate/webhook"
)

type stubPayments struct{}

func (stubPayments) Submit(context.Context, orchestrator.SubmitPaymentInput) (*orchestrator.SubmitResult, error) {
	return nil, orchestrator.ErrNoProviderAvailable
}

type stubRefunds struct{}

func (stubRefunds) Submit(context.Context, orchestrator.SubmitRefundInput) (*orchestrator.RefundResult, error) {
	return nil, orchestrator.ErrPaymentNotFound
}

type stubStatus struct{}

func (stubStatus) GetStatus(context.Context, uuid.UUID) (*orchestrator.PaymentStatusView, error) {
	return nil, orchestrator.ErrPaymentNotFound
}

type stubIngestor struct{}

var stubEventID = uuid.MustParse("11111111-2222-3333-4444-555555555555")

func (stubIngestor) Ingest(context.Context, string, []byte, map[string]string, string) (*webhook.IngestResult, error) {
	return &webhook.IngestResult{EventID: stubEventID, Accepted: true}, nil
}

type stubProviders struct{}

func (stubProviders) List(context.Context) ([]store.PaymentProvider, error) { return nil, nil }
func (stubProviders) GetByName(context.Context, string) (*store.PaymentProvider, error) {
	return nil, store.ErrNotFound
}
func (stubProviders) Create(context.Context, *store.PaymentProvider) error { return nil }
func (stubProviders) Update(context.Context, *store.PaymentProvider) error { return nil }
func (stubProviders) SoftDelete(context.Context, string) error             { return store.ErrNotFound }

func newTestRouter() http.Handler {
	return New(Handlers{
		Payment:  handler.NewPaymentHandler(stubPayments{}, stubRefunds{}, stubStatus{}, validate.Get()),
		Webhook:  handler.NewWebhookHandler(stubIngestor{}),
		Provider: handler.NewProviderHandler(stubProviders{}, validate.Get()),
		Health:   handler.NewHealthHandler("test"),
	})
}

func do(r http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouteTable(t *testing.T) {
	r := newTestRouter()

	t.Run("health", func(t *testing.T) {
		rec := do(r, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readiness", func(t *testing.T) {
		rec := do(r, http.MethodGet, "/health/ready", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := do(r, http.MethodGet, "/metrics", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("webhook intake dispatches", func(t *testing.T) {
		rec := do(r, http.MethodPost, "/webhooks/stripe", "application/json", `{"id":"evt_1"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), stubEventID.String())
	})

	t.Run("payment submit reaches handler", func(t *testing.T) {
		// Missing Idempotency-Key fails inside the handler, proving dispatch.
		rec := do(r, http.MethodPost, "/v1/payments", "application/json", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "IDEMPOTENCY_KEY_REQUIRED")
	})

	t.Run("payment status reaches handler", func(t *testing.T) {
		rec := do(r, http.MethodGet, "/v1/payments/"+uuid.NewString(), "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "PAYMENT_NOT_FOUND")
	})

	t.Run("provider list", func(t *testing.T) {
		rec := do(r, http.MethodGet, "/v1/providers", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := do(r, http.MethodGet, "/nope", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "NOT_FOUND")
	})
}

func TestMiddlewareChain(t *testing.T) {
	r := newTestRouter()

	t.Run("security headers applied", func(t *testing.T) {
		rec := do(r, http.MethodGet, "/health", "", "")
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	})

	t.Run("content type enforced on api routes", func(t *testing.T) {
		rec := do(r, http.MethodPost, "/v1/payments", "", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "MISSING_CONTENT_TYPE")
	})

	t.Run("form rejected outside webhooks", func(t *testing.T) {
		rec := do(r, http.MethodPost, "/v1/payments", "application/x-www-form-urlencoded", "a=b")
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("form allowed on webhooks", func(t *testing.T) {
		rec := do(r, http.MethodPost, "/webhooks/scb", "application/x-www-form-urlencoded", "a=b")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

package handler

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate-io/paygate/idempotency"
	"github.com/paygate-io/paygate/orchestrator"
	"github.com/paygate-io/paygate/store"
)

func paymentBody() map[string]any {
	return map[string]any{
		"amount":     "99.99",
		"currency":   "USD",
		"customerId": "cust-1",
		"orderId":    "order-1",
	}
}

func TestSubmitPayment_Created(t *testing.T) {
	env := newHandlerEnv(t)
	headers := map[string]string{
		"Idempotency-Key":  "key-1",
		"X-Correlation-Id": "corr-1",
	}

	rec, envl := env.do(t, http.MethodPost, "/v1/payments", headers, paymentBody())

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, envl.Success)
	assert.NotEmpty(t, field(t, envl, "transactionId"))
	assert.Equal(t, "processing", field(t, envl, "status"))

	require.NotNil(t, env.payments.last)
	assert.Equal(t, "key-1", env.payments.last.IdempotencyKey)
	assert.Equal(t, "corr-1", env.payments.last.CorrelationID)
	assert.Equal(t, "USD", env.payments.last.Currency)
	assert.True(t, decimal.RequireFromString("99.99").Equal(env.payments.last.Amount))
}

func TestSubmitPayment_Replay(t *testing.T) {
	env := newHandlerEnv(t)
	env.payments.submit = func(in orchestrator.SubmitPaymentInput) (*orchestrator.SubmitResult, error) {
		return &orchestrator.SubmitResult{
			Transaction: &store.PaymentTransaction{ID: uuid.New(), Status: store.PaymentCompleted},
			Replayed:    true,
		}, nil
	}

	rec, envl := env.do(t, http.MethodPost, "/v1/payments",
		map[string]string{"Idempotency-Key": "key-1"}, paymentBody())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, envl.Success)
}

func TestSubmitPayment_ProviderRejection(t *testing.T) {
	env := newHandlerEnv(t)
	txID := uuid.New()
	env.payments.submit = func(in orchestrator.SubmitPaymentInput) (*orchestrator.SubmitResult, error) {
		return &orchestrator.SubmitResult{Transaction: &store.PaymentTransaction{
			ID:           txID,
			Status:       store.PaymentFailed,
			ErrorMessage: "card declined",
		}}, nil
	}

	rec, envl := env.do(t, http.MethodPost, "/v1/payments",
		map[string]string{"Idempotency-Key": "key-1"}, paymentBody())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, envl.Success)
	assert.Equal(t, "PAYMENT_PROCESSING_ERROR", envl.ErrorCode)
	assert.Equal(t, txID.String(), field(t, envl, "transactionId"),
		"the failed transaction is still reported to the caller")
	assert.Equal(t, "card declined", field(t, envl, "errorMessage"))
}

func TestSubmitPayment_MissingIdempotencyKey(t *testing.T) {
	env := newHandlerEnv(t)

	rec, envl := env.do(t, http.MethodPost, "/v1/payments", nil, paymentBody())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REQUIRED", envl.ErrorCode)
	assert.Nil(t, env.payments.last, "nothing reaches the orchestrator")
}

func TestSubmitPayment_BadBody(t *testing.T) {
	env := newHandlerEnv(t)

	rec, envl := env.do(t, http.MethodPost, "/v1/payments",
		map[string]string{"Idempotency-Key": "key-1"}, "{not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", envl.ErrorCode)
}

func TestSubmitPayment_ValidationFailure(t *testing.T) {
	env := newHandlerEnv(t)
	body := paymentBody()
	body["amount"] = "-5"

	rec, envl := env.do(t, http.MethodPost, "/v1/payments",
		map[string]string{"Idempotency-Key": "key-1"}, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", envl.ErrorCode)
	assert.Nil(t, env.payments.last)
}

func TestSubmitPayment_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"invalid input", orchestrator.ErrInvalidInput, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"no provider", orchestrator.ErrNoProviderAvailable, http.StatusBadRequest, "NO_PROVIDER_AVAILABLE"},
		{"concurrent", idempotency.ErrConcurrentRequest, http.StatusConflict, "CONCURRENT_REQUEST"},
		{"unexpected", errors.New("pool exhausted"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newHandlerEnv(t)
			env.payments.submit = func(orchestrator.SubmitPaymentInput) (*orchestrator.SubmitResult, error) {
				return nil, tt.err
			}

			rec, envl := env.do(t, http.MethodPost, "/v1/payments",
				map[string]string{"Idempotency-Key": "key-1"}, paymentBody())

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, envl.ErrorCode)
		})
	}
}

func TestGetPayment(t *testing.T) {
	env := newHandlerEnv(t)
	id := uuid.New()

	rec, envl := env.do(t, http.MethodGet, "/v1/payments/"+id.String(), nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id.String(), field(t, envl, "transactionId"))
}

func TestGetPayment_NotFound(t *testing.T) {
	env := newHandlerEnv(t)
	env.status.get = func(uuid.UUID) (*orchestrator.PaymentStatusView, error) {
		return nil, orchestrator.ErrPaymentNotFound
	}

	rec, envl := env.do(t, http.MethodGet, "/v1/payments/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PAYMENT_NOT_FOUND", envl.ErrorCode)

	// A malformed id is indistinguishable from an unknown transaction.
	rec, envl = env.do(t, http.MethodGet, "/v1/payments/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PAYMENT_NOT_FOUND", envl.ErrorCode)
}

func TestSubmitRefund(t *testing.T) {
	env := newHandlerEnv(t)
	paymentID := uuid.New()

	rec, envl := env.do(t, http.MethodPost, "/v1/payments/"+paymentID.String()+"/refunds",
		map[string]string{"Idempotency-Key": "ref-key-1"},
		map[string]any{"amount": "25.00", "refundType": "partial", "reason": "customer request"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, envl.Success)
	assert.Equal(t, paymentID.String(), field(t, envl, "paymentTransactionId"))

	require.NotNil(t, env.refunds.last)
	assert.Equal(t, paymentID, env.refunds.last.PaymentTransactionID)
	assert.Equal(t, "ref-key-1", env.refunds.last.IdempotencyKey)
	assert.Equal(t, store.RefundTypePartial, env.refunds.last.RefundType)
}

func TestSubmitRefund_MissingIdempotencyKey(t *testing.T) {
	env := newHandlerEnv(t)

	rec, envl := env.do(t, http.MethodPost, "/v1/payments/"+uuid.NewString()+"/refunds",
		nil, map[string]any{"amount": "25.00"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_IDEMPOTENCY_KEY", envl.ErrorCode)
}

func TestSubmitRefund_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"invalid refund", orchestrator.ErrInvalidRefund, http.StatusBadRequest, "INVALID_REFUND"},
		{"unknown payment", orchestrator.ErrPaymentNotFound, http.StatusNotFound, "PAYMENT_NOT_FOUND"},
		{"concurrent", idempotency.ErrConcurrentRequest, http.StatusConflict, "CONCURRENT_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newHandlerEnv(t)
			env.refunds.submit = func(orchestrator.SubmitRefundInput) (*orchestrator.RefundResult, error) {
				return nil, tt.err
			}

			rec, envl := env.do(t, http.MethodPost, "/v1/payments/"+uuid.NewString()+"/refunds",
				map[string]string{"Idempotency-Key": "ref-key-1"},
				map[string]any{"amount": "25.00"})

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, envl.ErrorCode)
		})
	}
}

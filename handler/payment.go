package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paygate-io/paygate/idempotency"
	"github.com/paygate-io/paygate/infra/response"
	"github.com/paygate-io/paygate/orchestrator"
	"github.com/paygate-io/paygate/store"
)

const requestTimeout = 30 * time.Second

// PaymentSubmitter runs payment submissions. *orchestrator.PaymentOrchestrator
// satisfies it.
type PaymentSubmitter interface {
	Submit(ctx context.Context, in orchestrator.SubmitPaymentInput) (*orchestrator.SubmitResult, error)
}

// RefundSubmitter runs refund submissions. *orchestrator.RefundOrchestrator
// satisfies it.
type RefundSubmitter interface {
	Submit(ctx context.Context, in orchestrator.SubmitRefundInput) (*orchestrator.RefundResult, error)
}

// StatusReader serves cached payment status. *orchestrator.StatusService
// satisfies it.
type StatusReader interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*orchestrator.PaymentStatusView, error)
}

// PaymentHandler serves the payment endpoints.
type PaymentHandler struct {
	payments PaymentSubmitter
	refunds  RefundSubmitter
	status   StatusReader
	validate *validator.Validate
}

// NewPaymentHandler creates a payment handler.
func NewPaymentHandler(payments PaymentSubmitter, refunds RefundSubmitter, status StatusReader, validate *validator.Validate) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		refunds:  refunds,
		status:   status,
		validate: validate,
	}
}

// paymentRequest is the submission body.
type paymentRequest struct {
	Amount      decimal.Decimal   `json:"amount" validate:"required,gt=0"`
	Currency    string            `json:"currency" validate:"required,currency"`
	CustomerID  string            `json:"customerId" validate:"required"`
	OrderID     string            `json:"orderId" validate:"required"`
	Provider    string            `json:"provider,omitempty"`
	Description string            `json:"description,omitempty"`
	ReturnURL   string            `json:"returnUrl,omitempty" validate:"omitempty,url"`
	CancelURL   string            `json:"cancelUrl,omitempty" validate:"omitempty,url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// refundRequest is the refund body.
type refundRequest struct {
	Amount     decimal.Decimal `json:"amount" validate:"required,gt=0"`
	RefundType string          `json:"refundType,omitempty" validate:"omitempty,oneof=full partial"`
	Reason     string          `json:"reason,omitempty"`
}

// PaymentView is the transaction projection returned to callers.
type PaymentView struct {
	TransactionID         string              `json:"transactionId"`
	Status                store.PaymentStatus `json:"status"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	CustomerID            string              `json:"customerId"`
	OrderID               string              `json:"orderId"`
	ProviderName          string              `json:"providerName"`
	ProviderTransactionID string              `json:"providerTransactionId,omitempty"`
	PaymentURL            string              `json:"paymentUrl,omitempty"`
	ErrorMessage          string              `json:"errorMessage,omitempty"`
	CorrelationID         string              `json:"correlationId"`
	CreatedAt             time.Time           `json:"createdAt"`
	CompletedAt           *time.Time          `json:"completedAt,omitempty"`
}

func newPaymentView(tx *store.PaymentTransaction) PaymentView {
	return PaymentView{
		TransactionID:         tx.ID.String(),
		Status:                tx.Status,
		Amount:                tx.Amount,
		Currency:              tx.Currency,
		CustomerID:            tx.CustomerID,
		OrderID:               tx.OrderID,
		ProviderName:          tx.ProviderName,
		ProviderTransactionID: tx.ProviderTransactionID,
		PaymentURL:            tx.PaymentURL,
		ErrorMessage:          tx.ErrorMessage,
		CorrelationID:         tx.CorrelationID,
		CreatedAt:             tx.CreatedAt,
		CompletedAt:           tx.CompletedAt,
	}
}

// RefundView is the refund projection returned to callers.
type RefundView struct {
	RefundID             string             `json:"refundId"`
	PaymentTransactionID string             `json:"paymentTransactionId"`
	Status               store.RefundStatus `json:"status"`
	Amount               decimal.Decimal    `json:"amount"`
	Currency             string             `json:"currency"`
	RefundType           store.RefundType   `json:"refundType"`
	ProviderRefundID     string             `json:"providerRefundId,omitempty"`
	Reason               string             `json:"reason,omitempty"`
	ErrorMessage         string             `json:"errorMessage,omitempty"`
	CorrelationID        string             `json:"correlationId"`
	CreatedAt            time.Time          `json:"createdAt"`
}

func newRefundView(rf *store.RefundTransaction) RefundView {
	return RefundView{
		RefundID:             rf.ID.String(),
		PaymentTransactionID: rf.PaymentTransactionID.String(),
		Status:               rf.Status,
		Amount:               rf.Amount,
		Currency:             rf.Currency,
		RefundType:           rf.RefundType,
		ProviderRefundID:     rf.ProviderRefundID,
		Reason:               rf.Reason,
		ErrorMessage:         rf.ErrorMessage,
		CorrelationID:        rf.CorrelationID,
		CreatedAt:            rf.CreatedAt,
	}
}

// SubmitPayment handles POST /v1/payments. A new submission answers 201, an
// idempotent replay answers 200 with the stored outcome, and a payment the
// provider definitively rejected answers 400 with the failed transaction in
// the body.
func (h *PaymentHandler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		response.Error(w, http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED",
			"Idempotency-Key header is required", nil)
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", err)
		return
	}

	res, err := h.payments.Submit(ctx, orchestrator.SubmitPaymentInput{
		IdempotencyKey: key,
		Amount:         req.Amount,
		Currency:       req.Currency,
		CustomerID:     req.CustomerID,
		OrderID:        req.OrderID,
		Provider:       req.Provider,
		Description:    req.Description,
		ReturnURL:      req.ReturnURL,
		CancelURL:      req.CancelURL,
		Metadata:       req.Metadata,
		CorrelationID:  r.Header.Get("X-Correlation-Id"),
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	view := newPaymentView(res.Transaction)
	switch {
	case res.Replayed:
		response.Success(w, http.StatusOK, "payment already processed", view)
	case res.Transaction.Status == store.PaymentFailed:
		response.ErrorData(w, http.StatusBadRequest, "PAYMENT_PROCESSING_ERROR",
			"provider rejected the payment", view)
	default:
		response.Success(w, http.StatusCreated, "payment accepted", view)
	}
}

// GetPayment handles GET /v1/payments/{transactionId}.
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := uuid.Parse(chi.URLParam(r, "transactionId"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "no such transaction", nil)
		return
	}

	view, err := h.status.GetStatus(ctx, id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrPaymentNotFound) || errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "no such transaction", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load payment status", err)
		return
	}
	response.Success(w, http.StatusOK, "payment status", view)
}

// SubmitRefund handles POST /v1/payments/{transactionId}/refunds.
func (h *PaymentHandler) SubmitRefund(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		response.Error(w, http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY",
			"Idempotency-Key header is required", nil)
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "transactionId"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "no such transaction", nil)
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", err)
		return
	}

	res, err := h.refunds.Submit(ctx, orchestrator.SubmitRefundInput{
		PaymentTransactionID: paymentID,
		IdempotencyKey:       key,
		Amount:               req.Amount,
		RefundType:           store.RefundType(req.RefundType),
		Reason:               req.Reason,
		CorrelationID:        r.Header.Get("X-Correlation-Id"),
	})
	if err != nil {
		writeRefundError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "refund accepted", newRefundView(res.Refund))
}

// writeSubmitError maps payment submission errors onto the API codes.
func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", err)
	case errors.Is(err, orchestrator.ErrNoProviderAvailable):
		response.Error(w, http.StatusBadRequest, "NO_PROVIDER_AVAILABLE",
			"no provider can take this payment right now", err)
	case errors.Is(err, idempotency.ErrConcurrentRequest):
		response.Error(w, http.StatusConflict, "CONCURRENT_REQUEST",
			"another request with this idempotency key is in flight", err)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "payment submission failed", err)
	}
}

// writeRefundError maps refund submission errors onto the API codes.
func writeRefundError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", err)
	case errors.Is(err, orchestrator.ErrInvalidRefund):
		response.Error(w, http.StatusBadRequest, "INVALID_REFUND", "refund not allowed", err)
	case errors.Is(err, orchestrator.ErrPaymentNotFound), errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "no such transaction", nil)
	case errors.Is(err, idempotency.ErrConcurrentRequest):
		response.Error(w, http.StatusConflict, "CONCURRENT_REQUEST",
			"another request with this idempotency key is in flight", err)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "refund submission failed", err)
	}
}

package provider

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the normalized status an adapter reports for a payment
// or refund, independent of provider dialect.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
	StatusRefunded   PaymentStatus = "refunded"
)

// Terminal reports whether the status admits no further provider-driven
// transition. Refund transitions of a completed payment are handled by the
// refund aggregate, not the provider.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// ConfigField represents a required configuration field for a payment provider
type ConfigField struct {
	Key         string `json:"key"`
	Required    bool   `json:"required"`
	Type        string `json:"type"` // "string", "number", "url", "email", "boolean"
	Description string `json:"description"`
	Example     string `json:"example,omitempty"`
	Pattern     string `json:"pattern,omitempty"`   // regex pattern for validation
	MinLength   int    `json:"minLength,omitempty"` // minimum length for string fields
	MaxLength   int    `json:"maxLength,omitempty"` // maximum length for string fields
}

// PaymentRequest contains all information required to create a payment
type PaymentRequest struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	CustomerID     string            `json:"customerId"`
	OrderID        string            `json:"orderId"`
	Description    string            `json:"description,omitempty"`
	ReturnURL      string            `json:"returnUrl,omitempty"`
	CancelURL      string            `json:"cancelUrl,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
}

// PaymentResponse contains the normalized result of a payment request
type PaymentResponse struct {
	Success               bool            `json:"success"`
	Status                PaymentStatus   `json:"status"`
	ProviderTransactionID string          `json:"providerTransactionId,omitempty"`
	PaymentURL            string          `json:"paymentUrl,omitempty"`
	ErrorCode             string          `json:"errorCode,omitempty"`
	Message               string          `json:"message,omitempty"`
	SystemTime            *time.Time      `json:"systemTime,omitempty"`
	RawResponse           json.RawMessage `json:"rawResponse,omitempty"`
}

// StatusResponse contains the normalized result of a status lookup
type StatusResponse struct {
	Status                PaymentStatus   `json:"status"`
	ProviderTransactionID string          `json:"providerTransactionId,omitempty"`
	RawResponse           json.RawMessage `json:"rawResponse,omitempty"`
}

// RefundRequest contains information to request a refund
type RefundRequest struct {
	IdempotencyKey        string          `json:"idempotencyKey"`
	ProviderTransactionID string          `json:"providerTransactionId"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Reason                string          `json:"reason,omitempty"`
}

// RefundResponse contains the normalized result of a refund request
type RefundResponse struct {
	Success          bool            `json:"success"`
	Status           PaymentStatus   `json:"status"`
	ProviderRefundID string          `json:"providerRefundId,omitempty"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	Message          string          `json:"message,omitempty"`
	RawResponse      json.RawMessage `json:"rawResponse,omitempty"`
}

package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paygate-io/paygate/store"
)

// Routing keys on the paygate.events topic exchange. The key doubles as the
// event_type field of the payload.
const (
	EventPaymentCreated   = "payment.created"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"

	EventRefundInitiated = "refund.initiated"
	EventRefundCompleted = "refund.completed"
	EventRefundFailed    = "refund.failed"

	EventProviderDegraded  = "provider.degraded"
	EventProviderRecovered = "provider.recovered"

	EventReconciliationDiscrepancy = "reconciliation.discrepancy"
)

// Event is anything the publisher can put on the bus.
type Event interface {
	Key() string
}

// PaymentEvent is published on payment lifecycle transitions.
type PaymentEvent struct {
	EventID               string          `json:"event_id"`
	EventType             string          `json:"event_type"`
	TransactionID         string          `json:"transaction_id"`
	IdempotencyKey        string          `json:"idempotency_key"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	CustomerID            string          `json:"customer_id"`
	OrderID               string          `json:"order_id"`
	ProviderName          string          `json:"provider_name"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	ErrorCode             string          `json:"error_code,omitempty"`
	CorrelationID         string          `json:"correlation_id"`
	Timestamp             time.Time       `json:"timestamp"`
}

func (e PaymentEvent) Key() string { return e.EventType }

// NewPaymentEvent builds a payment lifecycle event from a transaction
// snapshot.
func NewPaymentEvent(eventType string, tx *store.PaymentTransaction) PaymentEvent {
	return PaymentEvent{
		EventID:               uuid.New().String(),
		EventType:             eventType,
		TransactionID:         tx.ID.String(),
		IdempotencyKey:        tx.IdempotencyKey,
		Amount:                tx.Amount,
		Currency:              tx.Currency,
		CustomerID:            tx.CustomerID,
		OrderID:               tx.OrderID,
		ProviderName:          tx.ProviderName,
		ProviderTransactionID: tx.ProviderTransactionID,
		ErrorMessage:          tx.ErrorMessage,
		ErrorCode:             tx.ProviderErrorCode,
		CorrelationID:         tx.CorrelationID,
		Timestamp:             time.Now().UTC(),
	}
}

// RefundEvent is published on refund lifecycle transitions. The parent
// payment supplies customer, order and provider context.
type RefundEvent struct {
	EventID              string          `json:"event_id"`
	EventType            string          `json:"event_type"`
	RefundID             string          `json:"refund_id"`
	PaymentTransactionID string          `json:"payment_transaction_id"`
	IdempotencyKey       string          `json:"idempotency_key"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	CustomerID           string          `json:"customer_id"`
	OrderID              string          `json:"order_id"`
	ProviderName         string          `json:"provider_name"`
	ProviderRefundID     string          `json:"provider_refund_id,omitempty"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	CorrelationID        string          `json:"correlation_id"`
	Timestamp            time.Time       `json:"timestamp"`
}

func (e RefundEvent) Key() string { return e.EventType }

// NewRefundEvent builds a refund lifecycle event.
func NewRefundEvent(eventType string, rf *store.RefundTransaction, parent *store.PaymentTransaction) RefundEvent {
	return RefundEvent{
		EventID:              uuid.New().String(),
		EventType:            eventType,
		RefundID:             rf.ID.String(),
		PaymentTransactionID: rf.PaymentTransactionID.String(),
		IdempotencyKey:       rf.IdempotencyKey,
		Amount:               rf.Amount,
		Currency:             rf.Currency,
		CustomerID:           parent.CustomerID,
		OrderID:              parent.OrderID,
		ProviderName:         parent.ProviderName,
		ProviderRefundID:     rf.ProviderRefundID,
		ErrorMessage:         rf.ErrorMessage,
		CorrelationID:        rf.CorrelationID,
		Timestamp:            time.Now().UTC(),
	}
}

// ProviderEvent announces provider health changes driven by the circuit
// breaker.
type ProviderEvent struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	ProviderName string    `json:"provider_name"`
	State        string    `json:"state"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e ProviderEvent) Key() string { return e.EventType }

// NewProviderEvent builds a provider health event.
func NewProviderEvent(eventType, providerName, state, reason string) ProviderEvent {
	return ProviderEvent{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		ProviderName: providerName,
		State:        state,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
}

// DiscrepancyEvent reports a reconciliation mismatch between the local
// transaction state and what the provider says.
type DiscrepancyEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	TransactionID  string    `json:"transaction_id"`
	ProviderName   string    `json:"provider_name"`
	LocalStatus    string    `json:"local_status"`
	ProviderStatus string    `json:"provider_status"`
	Detail         string    `json:"detail"`
	CorrelationID  string    `json:"correlation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e DiscrepancyEvent) Key() string { return e.EventType }

// NewDiscrepancyEvent builds a reconciliation discrepancy event.
func NewDiscrepancyEvent(tx *store.PaymentTransaction, providerStatus, detail string) DiscrepancyEvent {
	return DiscrepancyEvent{
		EventID:        uuid.New().String(),
		EventType:      EventReconciliationDiscrepancy,
		TransactionID:  tx.ID.String(),
		ProviderName:   tx.ProviderName,
		LocalStatus:    string(tx.Status),
		ProviderStatus: providerStatus,
		Detail:         detail,
		CorrelationID:  tx.CorrelationID,
		Timestamp:      time.Now().UTC(),
	}
}

package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/paygate-io/paygate/provider"
)

const (
	// API URLs
	apiBaseURL = "https://api.stripe.com"

	// API Endpoints
	endpointCheckoutSessions      = "/v1/checkout/sessions"
	endpointPaymentIntentRetrieve = "/v1/payment_intents/%s" // %s is the payment intent ID
	endpointRefunds               = "/v1/refunds"

	// Stripe status codes
	statusRequiresPaymentMethod = "requires_payment_method"
	statusRequiresConfirmation  = "requires_confirmation"
	statusRequiresAction        = "requires_action"
	statusProcessing            = "processing"
	statusRequiresCapture       = "requires_capture"
	statusCanceled              = "canceled"
	statusSucceeded             = "succeeded"

	// Default values
	apiVersion       = "2025-03-31.basil"
	defaultTimeout   = 30 * time.Second
	webhookTolerance = 5 * time.Minute
)

// zeroDecimalCurrencies are charged in whole units, not hundredths.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// StripeProvider implements the provider.PaymentProvider interface for Stripe
type StripeProvider struct {
	secretKey     string
	webhookSecret string
	client        *provider.ProviderHTTPClient
}

// NewProvider creates a new Stripe payment provider
func NewProvider() provider.PaymentProvider {
	return &StripeProvider{}
}

// GetRequiredConfig returns the configuration fields required for Stripe
func (p *StripeProvider) GetRequiredConfig() []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "secretKey",
			Required:    true,
			Type:        "string",
			Description: "Stripe Secret Key (found in Stripe dashboard)",
			Example:     "sk_test_4eC39HqLyjWDarjtT1zdp7dc",
			Pattern:     "^sk_(test|live)_",
			MinLength:   20,
			MaxLength:   200,
		},
		{
			Key:         "webhookSecret",
			Required:    true,
			Type:        "string",
			Description: "Stripe webhook signing secret (found in webhook endpoint settings)",
			Example:     "whsec_8f3b2a1c9d4e5f6a",
			Pattern:     "^whsec_",
			MinLength:   10,
			MaxLength:   200,
		},
		{
			Key:         "environment",
			Required:    true,
			Type:        "string",
			Description: "Environment setting (sandbox or production)",
			Example:     "sandbox",
			Pattern:     "^(sandbox|production)$",
		},
	}
}

// ValidateConfig validates the provided configuration against Stripe requirements
func (p *StripeProvider) ValidateConfig(config map[string]string) error {
	return provider.ValidateConfigFields("stripe", config, p.GetRequiredConfig())
}

// Initialize sets up the Stripe payment provider with authentication credentials
func (p *StripeProvider) Initialize(conf map[string]string) error {
	p.secretKey = conf["secretKey"]
	p.webhookSecret = conf["webhookSecret"]

	if p.secretKey == "" {
		return errors.New("stripe: secretKey is required")
	}

	// Stripe serves sandbox and production from the same base URL; test
	// mode is selected by the key prefix.
	clientConfig := provider.CreateHTTPClientConfig(apiBaseURL, defaultTimeout)
	clientConfig.DefaultHeaders["Authorization"] = "Bearer " + p.secretKey
	clientConfig.DefaultHeaders["Stripe-Version"] = apiVersion
	p.client = provider.NewProviderHTTPClient(clientConfig)

	return nil
}

// ProcessPayment creates a hosted Checkout Session for the payment
func (p *StripeProvider) ProcessPayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := validatePaymentRequest(request); err != nil {
		return nil, fmt.Errorf("stripe: invalid payment request: %w", err)
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointCheckoutSessions,
		Headers:  map[string]string{"Idempotency-Key": request.IdempotencyKey},
		FormData: p.mapToCheckoutSessionRequest(request),
	})
	if err != nil {
		return nil, provider.WrapError("stripe", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var session struct {
		ID            string `json:"id"`
		URL           string `json:"url"`
		Status        string `json:"status"`
		PaymentStatus string `json:"payment_status"`
		PaymentIntent string `json:"payment_intent"`
	}
	if err := p.client.ParseJSONResponse(resp, &session); err != nil {
		return nil, provider.NewError("stripe", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	now := time.Now()
	paymentResp := &provider.PaymentResponse{
		Success:               true,
		Status:                provider.StatusPending,
		ProviderTransactionID: session.ID,
		PaymentURL:            session.URL,
		SystemTime:            &now,
		RawResponse:           json.RawMessage(resp.Body),
	}
	// The payment intent id is what webhooks and refunds reference.
	if session.PaymentIntent != "" {
		paymentResp.ProviderTransactionID = session.PaymentIntent
	}
	if session.PaymentStatus == "paid" {
		paymentResp.Status = provider.StatusCompleted
	}

	return paymentResp, nil
}

// GetStatus retrieves the current status of a payment intent
func (p *StripeProvider) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	if providerTransactionID == "" {
		return nil, errors.New("stripe: providerTransactionID is required")
	}

	resp, err := p.client.SendRaw(ctx, &provider.HTTPRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf(endpointPaymentIntentRetrieve, providerTransactionID),
	})
	if err != nil {
		return nil, provider.WrapError("stripe", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var intent struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.client.ParseJSONResponse(resp, &intent); err != nil {
		return nil, provider.NewError("stripe", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	return &provider.StatusResponse{
		Status:                mapIntentStatus(intent.Status),
		ProviderTransactionID: intent.ID,
		RawResponse:           json.RawMessage(resp.Body),
	}, nil
}

// ProcessRefund issues a refund against a payment intent
func (p *StripeProvider) ProcessRefund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.ProviderTransactionID == "" {
		return nil, errors.New("stripe: providerTransactionID is required for refund")
	}

	formData := map[string]string{
		"payment_intent": request.ProviderTransactionID,
		"amount":         fmt.Sprintf("%d", minorUnits(request.Amount, request.Currency)),
	}
	if reason := mapRefundReason(request.Reason); reason != "" {
		formData["reason"] = reason
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointRefunds,
		Headers:  map[string]string{"Idempotency-Key": request.IdempotencyKey},
		FormData: formData,
	})
	if err != nil {
		return nil, provider.WrapError("stripe", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.client.ParseJSONResponse(resp, &refund); err != nil {
		return nil, provider.NewError("stripe", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	refundResp := &provider.RefundResponse{
		Success:          true,
		ProviderRefundID: refund.ID,
		RawResponse:      json.RawMessage(resp.Body),
	}
	switch refund.Status {
	case statusSucceeded:
		refundResp.Status = provider.StatusCompleted
	case "pending":
		refundResp.Status = provider.StatusProcessing
	case "failed":
		refundResp.Success = false
		refundResp.Status = provider.StatusFailed
		refundResp.Message = "refund failed"
	default:
		refundResp.Status = provider.StatusProcessing
	}

	return refundResp, nil
}

// ValidateWebhook verifies the Stripe-Signature header against the signing secret
func (p *StripeProvider) ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error) {
	if p.webhookSecret == "" {
		return false, errors.New("stripe: webhookSecret is not configured")
	}

	signature := provider.HeaderValue(headers, "Stripe-Signature")
	if signature == "" {
		return false, errors.New("stripe: missing Stripe-Signature header")
	}

	if _, err := stripewebhook.ConstructEventWithTolerance(payload, signature, p.webhookSecret, webhookTolerance); err != nil {
		return false, fmt.Errorf("stripe: webhook signature verification failed: %w", err)
	}

	return true, nil
}

// validatePaymentRequest checks the fields Stripe cannot accept empty
func validatePaymentRequest(request provider.PaymentRequest) error {
	if !request.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	if request.Currency == "" {
		return errors.New("currency is required")
	}
	if request.OrderID == "" {
		return errors.New("orderId is required")
	}
	return nil
}

// mapToCheckoutSessionRequest maps our common request to the Checkout Session form
func (p *StripeProvider) mapToCheckoutSessionRequest(request provider.PaymentRequest) map[string]string {
	productName := request.Description
	if productName == "" {
		productName = "Order " + request.OrderID
	}

	formData := map[string]string{
		"mode":                "payment",
		"client_reference_id": request.OrderID,
		"line_items[0][quantity]":                       "1",
		"line_items[0][price_data][currency]":           strings.ToLower(request.Currency),
		"line_items[0][price_data][unit_amount]":        fmt.Sprintf("%d", minorUnits(request.Amount, request.Currency)),
		"line_items[0][price_data][product_data][name]": productName,
		"payment_intent_data[metadata][order_id]":       request.OrderID,
		"payment_intent_data[metadata][customer_id]":    request.CustomerID,
	}

	if request.ReturnURL != "" {
		formData["success_url"] = request.ReturnURL
	}
	if request.CancelURL != "" {
		formData["cancel_url"] = request.CancelURL
	}
	for k, v := range request.Metadata {
		formData[fmt.Sprintf("payment_intent_data[metadata][%s]", k)] = v
	}

	return formData
}

// errorFromResponse maps a Stripe error body to a provider error
func (p *StripeProvider) errorFromResponse(resp *provider.HTTPResponse) *provider.Error {
	var errBody struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.Body, &errBody)

	return provider.ErrorFromHTTPStatus("stripe", resp.StatusCode, errBody.Error.Code, errBody.Error.Message)
}

// mapIntentStatus maps a Stripe payment intent status to our common status
func mapIntentStatus(status string) provider.PaymentStatus {
	switch status {
	case statusSucceeded:
		return provider.StatusCompleted
	case statusProcessing, statusRequiresCapture:
		return provider.StatusProcessing
	case statusRequiresPaymentMethod, statusRequiresConfirmation, statusRequiresAction:
		return provider.StatusPending
	case statusCanceled:
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}

// mapRefundReason maps free-form reasons onto Stripe's fixed vocabulary
func mapRefundReason(reason string) string {
	switch strings.ToLower(reason) {
	case "duplicate":
		return "duplicate"
	case "fraudulent", "fraud":
		return "fraudulent"
	case "":
		return ""
	default:
		return "requested_by_customer"
	}
}

// minorUnits converts a decimal amount to Stripe's smallest-unit integer
func minorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

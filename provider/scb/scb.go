package scb

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paygate-io/paygate/provider"
)

const (
	// API URLs
	apiSandboxURL    = "https://api-sandbox.partners.scb/partners/sandbox"
	apiProductionURL = "https://api.partners.scb/partners"

	// API Endpoints
	endpointOAuthToken  = "/v1/oauth/token"
	endpointDeeplink    = "/v3/deeplink/transactions"
	endpointTransaction = "/v2/transactions/%s" // %s is the transaction ID
	endpointRefund      = "/v1/payment/merchant/refund"

	// SCB transaction statuses
	statusPending   = "PENDING"
	statusPaid      = "PAID"
	statusFailed    = "FAILED"
	statusExpired   = "EXPIRED"
	statusCancelled = "CANCELLED"
	statusRefunded  = "REFUNDED"

	// Envelope code SCB uses for success
	codeSuccess = 1000

	// Default values
	defaultTimeout  = 30 * time.Second
	tokenExpirySkew = 60 * time.Second
)

// SCBProvider implements the provider.PaymentProvider interface for
// Siam Commercial Bank's partner payment API.
type SCBProvider struct {
	apiKey        string
	apiSecret     string
	merchantID    string
	webhookSecret string
	baseURL       string
	isProduction  bool
	client        *provider.ProviderHTTPClient

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewProvider creates a new SCB payment provider
func NewProvider() provider.PaymentProvider {
	return &SCBProvider{}
}

// GetRequiredConfig returns the configuration fields required for SCB
func (p *SCBProvider) GetRequiredConfig() []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "apiKey",
			Required:    true,
			Type:        "string",
			Description: "SCB API Key (application key from the SCB developer portal)",
			Example:     "l7f3x9a2b8c4d5e6",
			MinLength:   10,
			MaxLength:   100,
		},
		{
			Key:         "apiSecret",
			Required:    true,
			Type:        "string",
			Description: "SCB API Secret (application secret from the SCB developer portal)",
			MinLength:   10,
			MaxLength:   100,
		},
		{
			Key:         "merchantId",
			Required:    true,
			Type:        "string",
			Description: "SCB merchant / biller identifier payments settle into",
			Example:     "311040039475183",
			MinLength:   5,
			MaxLength:   50,
		},
		{
			Key:         "webhookSecret",
			Required:    true,
			Type:        "string",
			Description: "Shared secret for webhook HMAC validation",
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

// ValidateConfig validates the provided configuration against SCB requirements
func (p *SCBProvider) ValidateConfig(config map[string]string) error {
	return provider.ValidateConfigFields("scb", config, p.GetRequiredConfig())
}

// Initialize sets up the SCB payment provider with authentication credentials
func (p *SCBProvider) Initialize(conf map[string]string) error {
	p.apiKey = conf["apiKey"]
	p.apiSecret = conf["apiSecret"]
	p.merchantID = conf["merchantId"]
	p.webhookSecret = conf["webhookSecret"]

	if p.apiKey == "" || p.apiSecret == "" {
		return errors.New("scb: apiKey and apiSecret are required")
	}
	if p.merchantID == "" {
		return errors.New("scb: merchantId is required")
	}

	p.isProduction = conf["environment"] == "production"
	if p.isProduction {
		p.baseURL = apiProductionURL
	} else {
		p.baseURL = apiSandboxURL
	}

	clientConfig := provider.CreateHTTPClientConfig(p.baseURL, defaultTimeout)
	clientConfig.DefaultHeaders["resourceOwnerId"] = p.apiKey
	clientConfig.DefaultHeaders["accept-language"] = "EN"
	p.client = provider.NewProviderHTTPClient(clientConfig)

	return nil
}

// ProcessPayment creates a deeplink transaction the payer completes in
// their banking app.
func (p *SCBProvider) ProcessPayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := validatePaymentRequest(request); err != nil {
		return nil, fmt.Errorf("scb: invalid payment request: %w", err)
	}

	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	billPayment := map[string]any{
		"paymentAmount": request.Amount.StringFixed(2),
		"accountTo":     p.merchantID,
		"ref1":          request.OrderID,
		"ref2":          request.CustomerID,
	}
	if txID := request.Metadata["transaction_id"]; txID != "" {
		billPayment["ref3"] = txID
	}

	body := map[string]any{
		"transactionType":    "PURCHASE",
		"transactionSubType": []string{"BP"},
		"billPayment":        billPayment,
	}
	if request.Description != "" {
		body["description"] = request.Description
	}
	if request.ReturnURL != "" {
		body["merchantMetaData"] = map[string]any{
			"callbackUrl": request.ReturnURL,
		}
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointDeeplink,
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"requestUId":    uuid.New().String(),
		},
		Body: body,
	})
	if err != nil {
		return nil, provider.WrapError("scb", err)
	}

	var envelope struct {
		Status envelopeStatus `json:"status"`
		Data   struct {
			TransactionID string `json:"transactionId"`
			DeeplinkURL   string `json:"deeplinkUrl"`
		} `json:"data"`
	}
	if err := p.decodeEnvelope(resp, &envelope, &envelope.Status); err != nil {
		return nil, err
	}

	now := time.Now()
	return &provider.PaymentResponse{
		Success:               true,
		Status:                provider.StatusPending,
		ProviderTransactionID: envelope.Data.TransactionID,
		PaymentURL:            envelope.Data.DeeplinkURL,
		SystemTime:            &now,
		RawResponse:           json.RawMessage(resp.Body),
	}, nil
}

// GetStatus retrieves the current status of a transaction
func (p *SCBProvider) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	if providerTransactionID == "" {
		return nil, errors.New("scb: providerTransactionID is required")
	}

	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.SendRaw(ctx, &provider.HTTPRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf(endpointTransaction, providerTransactionID),
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"requestUId":    uuid.New().String(),
		},
	})
	if err != nil {
		return nil, provider.WrapError("scb", err)
	}

	var envelope struct {
		Status envelopeStatus `json:"status"`
		Data   struct {
			TransactionID     string `json:"transactionId"`
			TransactionStatus string `json:"transactionStatus"`
		} `json:"data"`
	}
	if err := p.decodeEnvelope(resp, &envelope, &envelope.Status); err != nil {
		return nil, err
	}

	return &provider.StatusResponse{
		Status:                mapTransactionStatus(envelope.Data.TransactionStatus),
		ProviderTransactionID: envelope.Data.TransactionID,
		RawResponse:           json.RawMessage(resp.Body),
	}, nil
}

// ProcessRefund requests a merchant refund for a settled transaction
func (p *SCBProvider) ProcessRefund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.ProviderTransactionID == "" {
		return nil, errors.New("scb: providerTransactionID is required for refund")
	}

	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"merchantId":            p.merchantID,
		"originalTransactionId": request.ProviderTransactionID,
		"refundAmount":          request.Amount.StringFixed(2),
		"refundRequestId":       request.IdempotencyKey,
	}
	if request.Reason != "" {
		body["reason"] = request.Reason
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointRefund,
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"requestUId":    uuid.New().String(),
		},
		Body: body,
	})
	if err != nil {
		return nil, provider.WrapError("scb", err)
	}

	var envelope struct {
		Status envelopeStatus `json:"status"`
		Data   struct {
			RefundTransactionID string `json:"refundTransactionId"`
			RefundStatus        string `json:"refundStatus"`
		} `json:"data"`
	}
	if err := p.decodeEnvelope(resp, &envelope, &envelope.Status); err != nil {
		return nil, err
	}

	refundResp := &provider.RefundResponse{
		Success:          true,
		Status:           provider.StatusCompleted,
		ProviderRefundID: envelope.Data.RefundTransactionID,
		RawResponse:      json.RawMessage(resp.Body),
	}
	if strings.EqualFold(envelope.Data.RefundStatus, statusPending) {
		refundResp.Status = provider.StatusProcessing
	}

	return refundResp, nil
}

// ValidateWebhook verifies the HMAC signature over timestamp|request_id|payload
func (p *SCBProvider) ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error) {
	if p.webhookSecret == "" {
		return false, errors.New("scb: webhookSecret is not configured")
	}

	signature := provider.HeaderValue(headers, "X-SCB-Signature")
	timestamp := provider.HeaderValue(headers, "X-SCB-Timestamp")
	requestID := provider.HeaderValue(headers, "X-SCB-Request-ID")

	if signature == "" || timestamp == "" || requestID == "" {
		return false, errors.New("scb: missing webhook signature headers")
	}

	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	fmt.Fprintf(mac, "%s|%s|", timestamp, requestID)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return false, errors.New("scb: invalid webhook signature")
	}
	return true, nil
}

type envelopeStatus struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// decodeEnvelope parses an SCB response envelope and converts transport or
// envelope failures into provider errors.
func (p *SCBProvider) decodeEnvelope(resp *provider.HTTPResponse, target any, status *envelopeStatus) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errEnvelope struct {
			Status envelopeStatus `json:"status"`
		}
		_ = json.Unmarshal(resp.Body, &errEnvelope)
		return provider.ErrorFromHTTPStatus("scb", resp.StatusCode,
			fmt.Sprintf("%d", errEnvelope.Status.Code), errEnvelope.Status.Description)
	}

	if err := p.client.ParseJSONResponse(resp, target); err != nil {
		return provider.NewError("scb", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	if status.Code != codeSuccess {
		return provider.NewError("scb", provider.ErrorKindInvalidRequest,
			fmt.Sprintf("%d", status.Code), status.Description)
	}
	return nil
}

// getAccessToken returns a cached OAuth token, refreshing it when it is
// within the expiry skew.
func (p *SCBProvider) getAccessToken(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry.Add(-tokenExpirySkew)) {
		return p.accessToken, nil
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointOAuthToken,
		Headers:  map[string]string{"requestUId": uuid.New().String()},
		Body: map[string]string{
			"applicationKey":    p.apiKey,
			"applicationSecret": p.apiSecret,
		},
	})
	if err != nil {
		return "", provider.WrapError("scb", err)
	}

	var envelope struct {
		Status envelopeStatus `json:"status"`
		Data   struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int64  `json:"expiresIn"`
		} `json:"data"`
	}
	if err := p.decodeEnvelope(resp, &envelope, &envelope.Status); err != nil {
		return "", err
	}
	if envelope.Data.AccessToken == "" {
		return "", provider.NewError("scb", provider.ErrorKindAuth, "", "token response did not contain an access token")
	}

	p.accessToken = envelope.Data.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(envelope.Data.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

// validatePaymentRequest checks the fields SCB cannot accept empty
func validatePaymentRequest(request provider.PaymentRequest) error {
	if !request.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	if !strings.EqualFold(request.Currency, "THB") {
		return errors.New("only THB is supported")
	}
	if request.OrderID == "" {
		return errors.New("orderId is required")
	}
	return nil
}

// mapTransactionStatus maps an SCB transaction status to our common status
func mapTransactionStatus(status string) provider.PaymentStatus {
	switch strings.ToUpper(status) {
	case statusPaid:
		return provider.StatusCompleted
	case statusPending:
		return provider.StatusPending
	case statusFailed, statusExpired, statusCancelled:
		return provider.StatusFailed
	case statusRefunded:
		return provider.StatusRefunded
	default:
		return provider.StatusPending
	}
}

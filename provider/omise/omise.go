package omise

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paygate-io/paygate/provider"
)

const (
	// API URLs
	apiBaseURL = "https://api.omise.co"

	// API Endpoints
	endpointCharges        = "/charges"
	endpointChargeRetrieve = "/charges/%s"         // %s is the charge ID
	endpointChargeRefunds  = "/charges/%s/refunds" // %s is the charge ID

	// Omise charge statuses
	statusSuccessful = "successful"
	statusPending    = "pending"
	statusFailed     = "failed"
	statusExpired    = "expired"
	statusReversed   = "reversed"

	// Default values
	defaultTimeout = 30 * time.Second
)

// OmiseProvider implements the provider.PaymentProvider interface for Omise
type OmiseProvider struct {
	secretKey     string
	webhookSecret string
	allowedNets   []*net.IPNet
	allowedIPs    []net.IP
	client        *provider.ProviderHTTPClient
}

// NewProvider creates a new Omise payment provider
func NewProvider() provider.PaymentProvider {
	return &OmiseProvider{}
}

// GetRequiredConfig returns the configuration fields required for Omise
func (p *OmiseProvider) GetRequiredConfig() []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "secretKey",
			Required:    true,
			Type:        "string",
			Description: "Omise Secret Key (found in Omise dashboard)",
			Example:     "skey_test_5xgq2v8jq0r",
			Pattern:     "^skey_",
			MinLength:   10,
			MaxLength:   100,
		},
		{
			Key:         "publicKey",
			Required:    false,
			Type:        "string",
			Description: "Omise Public Key, used by client-side tokenization",
			Example:     "pkey_test_5xgq2v8jq0r",
			Pattern:     "^pkey_",
		},
		{
			Key:         "webhookSecret",
			Required:    false,
			Type:        "string",
			Description: "Shared secret for webhook HMAC validation; falls back to the IP allowlist when unset",
		},
		{
			Key:         "allowedIPs",
			Required:    false,
			Type:        "string",
			Description: "Comma separated list of IPs or CIDR ranges Omise delivers webhooks from",
			Example:     "52.74.48.0/24,13.229.1.10",
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

// ValidateConfig validates the provided configuration against Omise requirements
func (p *OmiseProvider) ValidateConfig(config map[string]string) error {
	return provider.ValidateConfigFields("omise", config, p.GetRequiredConfig())
}

// Initialize sets up the Omise payment provider with authentication credentials
func (p *OmiseProvider) Initialize(conf map[string]string) error {
	p.secretKey = conf["secretKey"]
	p.webhookSecret = conf["webhookSecret"]

	if p.secretKey == "" {
		return errors.New("omise: secretKey is required")
	}

	if err := p.parseAllowedIPs(conf["allowedIPs"]); err != nil {
		return err
	}

	// Omise authenticates with the secret key as basic auth user
	basic := base64.StdEncoding.EncodeToString([]byte(p.secretKey + ":"))
	clientConfig := provider.CreateHTTPClientConfig(apiBaseURL, defaultTimeout)
	clientConfig.DefaultHeaders["Authorization"] = "Basic " + basic
	p.client = provider.NewProviderHTTPClient(clientConfig)

	return nil
}

func (p *OmiseProvider) parseAllowedIPs(raw string) error {
	p.allowedNets = nil
	p.allowedIPs = nil

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return fmt.Errorf("omise: invalid CIDR %q in allowedIPs: %w", entry, err)
			}
			p.allowedNets = append(p.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return fmt.Errorf("omise: invalid IP %q in allowedIPs", entry)
		}
		p.allowedIPs = append(p.allowedIPs, ip)
	}
	return nil
}

// ProcessPayment charges the customer's stored payment method
func (p *OmiseProvider) ProcessPayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := validatePaymentRequest(request); err != nil {
		return nil, fmt.Errorf("omise: invalid payment request: %w", err)
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointCharges,
		FormData: p.mapToChargeRequest(request),
	})
	if err != nil {
		return nil, provider.WrapError("omise", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var charge chargeResponse
	if err := p.client.ParseJSONResponse(resp, &charge); err != nil {
		return nil, provider.NewError("omise", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	now := time.Now()
	paymentResp := &provider.PaymentResponse{
		Success:               true,
		Status:                mapChargeStatus(charge.Status),
		ProviderTransactionID: charge.ID,
		PaymentURL:            charge.AuthorizeURI,
		SystemTime:            &now,
		RawResponse:           json.RawMessage(resp.Body),
	}
	if charge.Status == statusFailed || charge.Status == statusExpired {
		paymentResp.Success = false
		paymentResp.ErrorCode = charge.FailureCode
		paymentResp.Message = charge.FailureMessage
	}

	return paymentResp, nil
}

// GetStatus retrieves the current status of a charge
func (p *OmiseProvider) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	if providerTransactionID == "" {
		return nil, errors.New("omise: providerTransactionID is required")
	}

	resp, err := p.client.SendRaw(ctx, &provider.HTTPRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf(endpointChargeRetrieve, providerTransactionID),
	})
	if err != nil {
		return nil, provider.WrapError("omise", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var charge chargeResponse
	if err := p.client.ParseJSONResponse(resp, &charge); err != nil {
		return nil, provider.NewError("omise", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	return &provider.StatusResponse{
		Status:                mapChargeStatus(charge.Status),
		ProviderTransactionID: charge.ID,
		RawResponse:           json.RawMessage(resp.Body),
	}, nil
}

// ProcessRefund refunds a charge partially or in full
func (p *OmiseProvider) ProcessRefund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.ProviderTransactionID == "" {
		return nil, errors.New("omise: providerTransactionID is required for refund")
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf(endpointChargeRefunds, request.ProviderTransactionID),
		FormData: map[string]string{
			"amount": fmt.Sprintf("%d", minorUnits(request.Amount)),
		},
	})
	if err != nil {
		return nil, provider.WrapError("omise", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.client.ParseJSONResponse(resp, &refund); err != nil {
		return nil, provider.NewError("omise", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	// Omise refunds settle synchronously; a 2xx with a refund id is final.
	refundResp := &provider.RefundResponse{
		Success:          true,
		Status:           provider.StatusCompleted,
		ProviderRefundID: refund.ID,
		RawResponse:      json.RawMessage(resp.Body),
	}
	if refund.Status == "pending" {
		refundResp.Status = provider.StatusProcessing
	}

	return refundResp, nil
}

// ValidateWebhook verifies the HMAC signature when a secret is configured,
// otherwise enforces the source IP allowlist.
func (p *OmiseProvider) ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error) {
	if p.webhookSecret != "" {
		signature := provider.HeaderValue(headers, "X-Omise-Signature")
		if signature == "" {
			return false, errors.New("omise: missing X-Omise-Signature header")
		}

		mac := hmac.New(sha256.New, []byte(p.webhookSecret))
		mac.Write(payload)
		expected := hex.EncodeToString(mac.Sum(nil))

		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			return false, errors.New("omise: invalid webhook signature")
		}
		return true, nil
	}

	if len(p.allowedNets) > 0 || len(p.allowedIPs) > 0 {
		ip := net.ParseIP(sourceIP)
		if ip == nil {
			return false, fmt.Errorf("omise: unparseable source IP %q", sourceIP)
		}
		for _, allowed := range p.allowedIPs {
			if allowed.Equal(ip) {
				return true, nil
			}
		}
		for _, ipNet := range p.allowedNets {
			if ipNet.Contains(ip) {
				return true, nil
			}
		}
		return false, fmt.Errorf("omise: source IP %s is not on the allowlist", sourceIP)
	}

	return false, errors.New("omise: no webhook verification configured")
}

type chargeResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Paid           bool   `json:"paid"`
	AuthorizeURI   string `json:"authorize_uri"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

// validatePaymentRequest checks the fields Omise cannot accept empty
func validatePaymentRequest(request provider.PaymentRequest) error {
	if !request.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	if request.Currency == "" {
		return errors.New("currency is required")
	}
	if request.CustomerID == "" {
		return errors.New("customerId is required")
	}
	return nil
}

// mapToChargeRequest maps our common request to the Omise charge form
func (p *OmiseProvider) mapToChargeRequest(request provider.PaymentRequest) map[string]string {
	formData := map[string]string{
		"amount":   fmt.Sprintf("%d", minorUnits(request.Amount)),
		"currency": strings.ToLower(request.Currency),
		"customer": request.CustomerID,
	}
	if request.Description != "" {
		formData["description"] = request.Description
	}
	if request.ReturnURL != "" {
		formData["return_uri"] = request.ReturnURL
	}
	if request.OrderID != "" {
		formData["metadata[order_id]"] = request.OrderID
	}
	for k, v := range request.Metadata {
		formData[fmt.Sprintf("metadata[%s]", k)] = v
	}
	return formData
}

// errorFromResponse maps an Omise error body to a provider error
func (p *OmiseProvider) errorFromResponse(resp *provider.HTTPResponse) *provider.Error {
	var errBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Body, &errBody)

	return provider.ErrorFromHTTPStatus("omise", resp.StatusCode, errBody.Code, errBody.Message)
}

// mapChargeStatus maps an Omise charge status to our common status
func mapChargeStatus(status string) provider.PaymentStatus {
	switch status {
	case statusSuccessful:
		return provider.StatusCompleted
	case statusPending:
		return provider.StatusPending
	case statusFailed, statusExpired:
		return provider.StatusFailed
	case statusReversed:
		return provider.StatusRefunded
	default:
		return provider.StatusPending
	}
}

// minorUnits converts a decimal amount to satang (or the currency's
// equivalent hundredth unit).
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

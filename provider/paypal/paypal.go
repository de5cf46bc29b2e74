package paypal

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paygate-io/paygate/provider"
)

const (
	// API URLs
	apiSandboxURL    = "https://api-m.sandbox.paypal.com"
	apiProductionURL = "https://api-m.paypal.com"

	// API Endpoints
	endpointOAuthToken    = "/v1/oauth2/token"
	endpointOrders        = "/v2/checkout/orders"
	endpointOrderRetrieve = "/v2/checkout/orders/%s"           // %s is the order ID
	endpointCaptureRefund = "/v2/payments/captures/%s/refund"  // %s is the capture ID

	// PayPal order statuses
	statusCreated             = "CREATED"
	statusSaved               = "SAVED"
	statusApproved            = "APPROVED"
	statusPayerActionRequired = "PAYER_ACTION_REQUIRED"
	statusVoided              = "VOIDED"
	statusCompleted           = "COMPLETED"

	// Webhook verification
	authAlgoSHA256RSA = "SHA256withRSA"
	certCacheTTL      = 24 * time.Hour

	// Default values
	defaultTimeout   = 30 * time.Second
	tokenExpirySkew  = 60 * time.Second
)

// PayPalProvider implements the provider.PaymentProvider interface for PayPal
type PayPalProvider struct {
	clientID     string
	clientSecret string
	webhookID    string
	baseURL      string
	isProduction bool
	client       *provider.ProviderHTTPClient

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	certMu sync.Mutex
	certs  map[string]*cachedCert
}

type cachedCert struct {
	publicKey *rsa.PublicKey
	fetchedAt time.Time
}

// NewProvider creates a new PayPal payment provider
func NewProvider() provider.PaymentProvider {
	return &PayPalProvider{certs: make(map[string]*cachedCert)}
}

// GetRequiredConfig returns the configuration fields required for PayPal
func (p *PayPalProvider) GetRequiredConfig() []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "clientId",
			Required:    true,
			Type:        "string",
			Description: "PayPal REST API Client ID (found in PayPal developer dashboard)",
			Example:     "AeA1QIZXiflr8-L8GYYF...",
			MinLength:   20,
			MaxLength:   200,
		},
		{
			Key:         "clientSecret",
			Required:    true,
			Type:        "string",
			Description: "PayPal REST API Client Secret (found in PayPal developer dashboard)",
			Example:     "EC6PZ8mrXCHther-B0...",
			MinLength:   20,
			MaxLength:   200,
		},
		{
			Key:         "webhookId",
			Required:    true,
			Type:        "string",
			Description: "PayPal Webhook ID the gateway endpoint is subscribed under",
			Example:     "8PT597110X687430LKGECATA",
			MinLength:   10,
			MaxLength:   100,
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

// ValidateConfig validates the provided configuration against PayPal requirements
func (p *PayPalProvider) ValidateConfig(config map[string]string) error {
	return provider.ValidateConfigFields("paypal", config, p.GetRequiredConfig())
}

// Initialize sets up the PayPal payment provider with authentication credentials
func (p *PayPalProvider) Initialize(conf map[string]string) error {
	p.clientID = conf["clientId"]
	p.clientSecret = conf["clientSecret"]
	p.webhookID = conf["webhookId"]

	if p.clientID == "" || p.clientSecret == "" {
		return errors.New("paypal: clientId and clientSecret are required")
	}

	p.isProduction = conf["environment"] == "production"
	if p.isProduction {
		p.baseURL = apiProductionURL
	} else {
		p.baseURL = apiSandboxURL
	}

	p.client = provider.NewProviderHTTPClient(provider.CreateHTTPClientConfig(p.baseURL, defaultTimeout))
	return nil
}

// ProcessPayment creates a PayPal order; the buyer approves it at the returned URL
func (p *PayPalProvider) ProcessPayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := validatePaymentRequest(request); err != nil {
		return nil, fmt.Errorf("paypal: invalid payment request: %w", err)
	}

	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointOrders,
		Headers: map[string]string{
			"Authorization":     "Bearer " + token,
			"PayPal-Request-Id": request.IdempotencyKey,
		},
		Body: p.mapToOrderRequest(request),
	})
	if err != nil {
		return nil, provider.WrapError("paypal", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var order orderResponse
	if err := p.client.ParseJSONResponse(resp, &order); err != nil {
		return nil, provider.NewError("paypal", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	now := time.Now()
	return &provider.PaymentResponse{
		Success:               true,
		Status:                mapOrderStatus(order.Status),
		ProviderTransactionID: order.ID,
		PaymentURL:            order.approveLink(),
		SystemTime:            &now,
		RawResponse:           json.RawMessage(resp.Body),
	}, nil
}

// GetStatus retrieves the current status of a PayPal order
func (p *PayPalProvider) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	if providerTransactionID == "" {
		return nil, errors.New("paypal: providerTransactionID is required")
	}

	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.SendRaw(ctx, &provider.HTTPRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf(endpointOrderRetrieve, providerTransactionID),
		Headers:  map[string]string{"Authorization": "Bearer " + token},
	})
	if err != nil {
		return nil, provider.WrapError("paypal", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var order orderResponse
	if err := p.client.ParseJSONResponse(resp, &order); err != nil {
		return nil, provider.NewError("paypal", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	return &provider.StatusResponse{
		Status:                mapOrderStatus(order.Status),
		ProviderTransactionID: order.ID,
		RawResponse:           json.RawMessage(resp.Body),
	}, nil
}

// ProcessRefund refunds a captured PayPal payment
func (p *PayPalProvider) ProcessRefund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.ProviderTransactionID == "" {
		return nil, errors.New("paypal: providerTransactionID is required for refund")
	}

	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"amount": map[string]string{
			"value":         request.Amount.StringFixed(2),
			"currency_code": strings.ToUpper(request.Currency),
		},
	}
	if request.Reason != "" {
		body["note_to_payer"] = request.Reason
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf(endpointCaptureRefund, request.ProviderTransactionID),
		Headers: map[string]string{
			"Authorization":     "Bearer " + token,
			"PayPal-Request-Id": request.IdempotencyKey,
		},
		Body: body,
	})
	if err != nil {
		return nil, provider.WrapError("paypal", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.errorFromResponse(resp)
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.client.ParseJSONResponse(resp, &refund); err != nil {
		return nil, provider.NewError("paypal", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse response: %v", err))
	}

	refundResp := &provider.RefundResponse{
		Success:          true,
		ProviderRefundID: refund.ID,
		RawResponse:      json.RawMessage(resp.Body),
	}
	switch refund.Status {
	case statusCompleted:
		refundResp.Status = provider.StatusCompleted
	case "PENDING":
		refundResp.Status = provider.StatusProcessing
	case "CANCELLED", "FAILED":
		refundResp.Success = false
		refundResp.Status = provider.StatusFailed
		refundResp.Message = "refund " + strings.ToLower(refund.Status)
	default:
		refundResp.Status = provider.StatusProcessing
	}

	return refundResp, nil
}

// ValidateWebhook verifies a PayPal webhook transmission signature
func (p *PayPalProvider) ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error) {
	transmissionID := provider.HeaderValue(headers, "Paypal-Transmission-Id")
	transmissionTime := provider.HeaderValue(headers, "Paypal-Transmission-Time")
	transmissionSig := provider.HeaderValue(headers, "Paypal-Transmission-Sig")
	certURL := provider.HeaderValue(headers, "Paypal-Cert-Url")
	authAlgo := provider.HeaderValue(headers, "Paypal-Auth-Algo")

	if transmissionID == "" || transmissionTime == "" || transmissionSig == "" || certURL == "" {
		return false, errors.New("paypal: missing webhook transmission headers")
	}
	if p.webhookID == "" {
		return false, errors.New("paypal: webhookId is not configured")
	}
	if authAlgo != authAlgoSHA256RSA {
		return false, fmt.Errorf("paypal: unsupported auth algorithm %q", authAlgo)
	}

	publicKey, err := p.certificateKey(ctx, certURL)
	if err != nil {
		return false, err
	}

	if err := verifyTransmission(publicKey, transmissionID, transmissionTime, p.webhookID, payload, transmissionSig); err != nil {
		return false, fmt.Errorf("paypal: webhook signature verification failed: %w", err)
	}
	return true, nil
}

// verifyTransmission checks the RSA signature over the PayPal message format:
// transmission_id|transmission_time|webhook_id|crc32(payload)
func verifyTransmission(publicKey *rsa.PublicKey, transmissionID, transmissionTime, webhookID string, payload []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	checksum := crc32.ChecksumIEEE(payload)
	message := fmt.Sprintf("%s|%s|%s|%s", transmissionID, transmissionTime, webhookID, strconv.FormatUint(uint64(checksum), 10))

	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], sig)
}

// certificateKey fetches and caches the signing certificate's public key.
// Only certificates served from paypal.com over HTTPS are trusted.
func (p *PayPalProvider) certificateKey(ctx context.Context, certURL string) (*rsa.PublicKey, error) {
	if err := validateCertURL(certURL); err != nil {
		return nil, err
	}

	p.certMu.Lock()
	if cached, ok := p.certs[certURL]; ok && time.Since(cached.fetchedAt) < certCacheTTL {
		p.certMu.Unlock()
		return cached.publicKey, nil
	}
	p.certMu.Unlock()

	resp, err := p.client.SendRaw(ctx, &provider.HTTPRequest{Method: http.MethodGet, Endpoint: certURL})
	if err != nil {
		return nil, provider.WrapError("paypal", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.ErrorFromHTTPStatus("paypal", resp.StatusCode, "", "failed to fetch webhook certificate")
	}

	publicKey, err := parseCertificateKey(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("paypal: %w", err)
	}

	p.certMu.Lock()
	p.certs[certURL] = &cachedCert{publicKey: publicKey, fetchedAt: time.Now()}
	p.certMu.Unlock()

	return publicKey, nil
}

func validateCertURL(certURL string) error {
	u, err := url.Parse(certURL)
	if err != nil {
		return fmt.Errorf("paypal: invalid cert URL: %w", err)
	}
	if u.Scheme != "https" {
		return errors.New("paypal: cert URL must use https")
	}
	host := u.Hostname()
	if host != "paypal.com" && !strings.HasSuffix(host, ".paypal.com") {
		return fmt.Errorf("paypal: cert URL host %q is not paypal.com", host)
	}
	return nil
}

func parseCertificateKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("certificate is not PEM encoded")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, errors.New("certificate is outside its validity window")
	}

	publicKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate does not carry an RSA public key")
	}
	return publicKey, nil
}

// getAccessToken returns a cached OAuth2 token, refreshing it when it is
// within the expiry skew.
func (p *PayPalProvider) getAccessToken(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry.Add(-tokenExpirySkew)) {
		return p.accessToken, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(p.clientID + ":" + p.clientSecret))
	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointOAuthToken,
		Headers:  map[string]string{"Authorization": "Basic " + basic},
		FormData: map[string]string{"grant_type": "client_credentials"},
	})
	if err != nil {
		return "", provider.WrapError("paypal", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", provider.ErrorFromHTTPStatus("paypal", resp.StatusCode, "", "failed to obtain access token")
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := p.client.ParseJSONResponse(resp, &token); err != nil {
		return "", provider.NewError("paypal", provider.ErrorKindInternal, "", fmt.Sprintf("failed to parse token response: %v", err))
	}
	if token.AccessToken == "" {
		return "", provider.NewError("paypal", provider.ErrorKindAuth, "", "token response did not contain an access token")
	}

	p.accessToken = token.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href   string `json:"href"`
		Rel    string `json:"rel"`
		Method string `json:"method"`
	} `json:"links"`
}

func (o orderResponse) approveLink() string {
	for _, link := range o.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

// validatePaymentRequest checks the fields PayPal cannot accept empty
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

// mapToOrderRequest maps our common request to the PayPal order format
func (p *PayPalProvider) mapToOrderRequest(request provider.PaymentRequest) map[string]any {
	purchaseUnit := map[string]any{
		"reference_id": request.OrderID,
		"amount": map[string]string{
			"value":         request.Amount.StringFixed(2),
			"currency_code": strings.ToUpper(request.Currency),
		},
	}
	if request.Description != "" {
		purchaseUnit["description"] = request.Description
	}
	if txID := request.Metadata["transaction_id"]; txID != "" {
		purchaseUnit["custom_id"] = txID
	}

	orderData := map[string]any{
		"intent":         "CAPTURE",
		"purchase_units": []any{purchaseUnit},
	}

	appContext := map[string]string{}
	if request.ReturnURL != "" {
		appContext["return_url"] = request.ReturnURL
	}
	if request.CancelURL != "" {
		appContext["cancel_url"] = request.CancelURL
	}
	if len(appContext) > 0 {
		orderData["application_context"] = appContext
	}

	return orderData
}

// errorFromResponse maps a PayPal error body to a provider error
func (p *PayPalProvider) errorFromResponse(resp *provider.HTTPResponse) *provider.Error {
	var errBody struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Details []struct {
			Issue       string `json:"issue"`
			Description string `json:"description"`
		} `json:"details"`
	}
	_ = json.Unmarshal(resp.Body, &errBody)

	message := errBody.Message
	if len(errBody.Details) > 0 && errBody.Details[0].Description != "" {
		message = errBody.Details[0].Description
	}
	return provider.ErrorFromHTTPStatus("paypal", resp.StatusCode, errBody.Name, message)
}

// mapOrderStatus maps a PayPal order status to our common status
func mapOrderStatus(status string) provider.PaymentStatus {
	switch status {
	case statusCompleted:
		return provider.StatusCompleted
	case statusCreated, statusSaved, statusApproved, statusPayerActionRequired:
		return provider.StatusPending
	case statusVoided:
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}

package provider

import "context"

// PaymentProvider defines the capability set every payment gateway adapter
// must implement. Adapters are the only components that speak provider
// dialects; everything upstream sees the normalized types in this package.
type PaymentProvider interface {
	// Initialize sets up the payment provider with authentication and configuration
	Initialize(config map[string]string) error

	// GetRequiredConfig returns the configuration fields required for this provider
	GetRequiredConfig() []ConfigField

	// ValidateConfig validates the provided configuration against provider requirements
	ValidateConfig(config map[string]string) error

	// ProcessPayment submits a charge to the provider
	ProcessPayment(ctx context.Context, request PaymentRequest) (*PaymentResponse, error)

	// GetStatus retrieves the current provider-side status of a payment
	GetStatus(ctx context.Context, providerTransactionID string) (*StatusResponse, error)

	// ProcessRefund issues a refund for a captured payment
	ProcessRefund(ctx context.Context, request RefundRequest) (*RefundResponse, error)

	// ValidateWebhook verifies the authenticity of an incoming webhook delivery
	ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error)
}

// ProviderFactory is a function type that creates a new PaymentProvider
type ProviderFactory func() PaymentProvider

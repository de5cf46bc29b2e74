// Package provider defines the adapter contract between the gateway and
// external payment providers.
//
// An adapter is the only component that speaks a provider's dialect: its
// authentication scheme, endpoints, payload shapes and status vocabulary.
// Everything upstream (orchestration, persistence, webhooks, the HTTP
// surface) sees only the normalized types in this package.
//
// # Implementing a provider
//
// A provider implements the PaymentProvider interface:
//
//	type PaymentProvider interface {
//	    Initialize(config map[string]string) error
//	    GetRequiredConfig() []ConfigField
//	    ValidateConfig(config map[string]string) error
//	    ProcessPayment(ctx context.Context, request PaymentRequest) (*PaymentResponse, error)
//	    GetStatus(ctx context.Context, providerTransactionID string) (*StatusResponse, error)
//	    ProcessRefund(ctx context.Context, request RefundRequest) (*RefundResponse, error)
//	    ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error)
//	}
//
// ProcessPayment, GetStatus and ProcessRefund perform remote calls and must
// honor context cancellation. ValidateWebhook is local signature arithmetic
// over the raw delivery payload; it never calls out.
//
// # Registration
//
// Adapters self-register from an init function in their own package:
//
//	func init() {
//	    provider.Register("stripe", NewProvider)
//	}
//
// A blank import in the binary wires the adapter in:
//
//	import _ "github.com/paygate-io/paygate/provider/stripe"
//
// Build then constructs and initializes an instance in one step:
//
//	p, err := provider.Build("stripe", map[string]string{
//	    "apiKey":      "sk_test_...",
//	    "environment": "sandbox",
//	})
//
// # Normalized types
//
// Amounts are decimal.Decimal end to end; adapters convert to the provider's
// unit (minor units for Stripe and Omise, decimal strings for PayPal) at the
// wire boundary and never earlier. Statuses map into the five-value
// PaymentStatus vocabulary; a provider state with no clean equivalent maps to
// the nearest non-terminal value so reconciliation can finish the job later.
// RawResponse carries the provider's unedited reply for the audit trail.
//
// # Error classification
//
// Remote failures are reported as *Error with a Kind that routing and retry
// logic act on:
//
//	resp, err := p.ProcessPayment(ctx, req)
//	var perr *provider.Error
//	if errors.As(err, &perr) && perr.Retryable() {
//	    // network, timeout or rate_limited: safe to retry
//	}
//
// ErrorKindAuth and ErrorKindInvalidRequest are never retried; replaying a
// rejected charge cannot succeed and may double-bill.
//
// # Call logging
//
// WithCallLog wraps any PaymentProvider and records every remote call
// (operation, duration, outcome, request and response payloads) to a
// CallSink. The sink owns sanitization and delivery; adapters stay free of
// logging concerns:
//
//	p = provider.WithCallLog("stripe", p, sink)
//
// # Configuration validation
//
// GetRequiredConfig describes an adapter's configuration as ConfigField
// values (type, pattern, length bounds), and ValidateConfigFields checks a
// concrete map against them. The provider admin API surfaces the same field
// descriptions to operators.
//
// # HTTP client
//
// ProviderHTTPClient is the shared HTTP transport adapters build on: base
// URL handling, JSON and form encodings, query parameters, per-request
// headers and timeouts. A non-2xx status is not an error at this layer;
// adapters translate status codes themselves because the mapping is part of
// the provider dialect.
package provider

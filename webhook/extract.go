package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/paygate-io/paygate/provider"
)

// Payload field tables per provider dialect. Paths are probed in order;
// dotted segments descend into nested objects.
var (
	// eventIDPaths carry the provider's unique event identifier, the dedup
	// key for at-least-once delivery.
	eventIDPaths = map[string][]string{
		"stripe": {"id"},
		"paypal": {"id"},
		"omise":  {"id"},
		"scb":    {"eventId", "event_id", "id"},
	}

	// eventTypePaths carry the provider's event type name.
	eventTypePaths = map[string][]string{
		"stripe": {"type"},
		"paypal": {"event_type"},
		"omise":  {"key"},
		"scb":    {"eventType", "event_type", "type"},
	}

	// providerRefPaths carry the provider-side object id the event is about:
	// the charge or refund the delivery reports on.
	providerRefPaths = map[string][]string{
		"stripe": {"data.object.id"},
		"paypal": {"resource.id"},
		"omise":  {"data.id"},
		"scb":    {"transactionId", "transaction_id", "transactionRef"},
	}

	// signatureHeaders name the transport signature header per provider,
	// stored with the event for audit.
	signatureHeaders = map[string]string{
		"stripe": "Stripe-Signature",
		"paypal": "PAYPAL-TRANSMISSION-SIG",
		"omise":  "X-Omise-Signature",
		"scb":    "X-SCB-Signature",
	}
)

// transactionIDFields are the conventional payload locations a gateway
// transaction id shows up in, shared across provider dialects. The id we
// issue travels out in charge metadata and comes back in these fields.
var transactionIDFields = []string{
	"transactionId",
	"transaction_id",
	"paymentId",
	"payment_id",
	"id",
	"metadata.transactionId",
	"data.object.metadata.transactionId",
	"resource.custom_id",
	"data.metadata.transactionId",
}

// ExtractEventID returns the provider's event identifier from the payload.
// A payload without one cannot be deduplicated and is rejected with
// ErrMissingEventID.
func ExtractEventID(providerName string, payload []byte) (string, error) {
	doc, err := decodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("provider %s payload: %w", providerName, ErrMissingEventID)
	}
	paths, ok := eventIDPaths[providerName]
	if !ok {
		paths = []string{"id", "eventId", "event_id"}
	}
	if id := firstValue(doc, paths); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("provider %s payload: %w", providerName, ErrMissingEventID)
}

// ExtractEventType returns the provider's event type name, or "" when the
// payload does not carry one.
func ExtractEventType(providerName string, payload []byte) string {
	doc, err := decodePayload(payload)
	if err != nil {
		return ""
	}
	paths, ok := eventTypePaths[providerName]
	if !ok {
		paths = []string{"type", "event_type", "eventType"}
	}
	return firstValue(doc, paths)
}

// ExtractTransactionID probes the conventional fields for the gateway's own
// transaction id. Provider object ids share some of the field names, so only
// values shaped like our UUIDs count; the first one wins.
func ExtractTransactionID(payload []byte) (uuid.UUID, bool) {
	doc, err := decodePayload(payload)
	if err != nil {
		return uuid.Nil, false
	}
	for _, path := range transactionIDFields {
		if v := lookupPath(doc, path); v != "" {
			if id, perr := uuid.Parse(v); perr == nil {
				return id, true
			}
		}
	}
	return uuid.Nil, false
}

// ExtractProviderReference returns the provider-side id of the object the
// event reports on, for lookups by provider_transaction_id or
// provider_refund_id.
func ExtractProviderReference(providerName string, payload []byte) string {
	doc, err := decodePayload(payload)
	if err != nil {
		return ""
	}
	paths, ok := providerRefPaths[providerName]
	if !ok {
		return ""
	}
	return firstValue(doc, paths)
}

// deliverySignature returns the raw signature header of a delivery for
// audit storage, "" for providers without one.
func deliverySignature(providerName string, headers map[string]string) string {
	name, ok := signatureHeaders[providerName]
	if !ok {
		return ""
	}
	return provider.HeaderValue(headers, name)
}

func decodePayload(payload []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func firstValue(doc map[string]any, paths []string) string {
	for _, path := range paths {
		if v := lookupPath(doc, path); v != "" {
			return v
		}
	}
	return ""
}

// lookupPath descends dot-separated object keys and returns the string leaf,
// "" for anything absent or non-string.
func lookupPath(doc map[string]any, path string) string {
	cur := doc
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		v, ok := cur[seg]
		if !ok {
			return ""
		}
		if i == len(segments)-1 {
			if s, ok := v.(string); ok {
				return s
			}
			return ""
		}
		next, ok := v.(map[string]any)
		if !ok {
			return ""
		}
		cur = next
	}
	return ""
}

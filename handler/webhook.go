package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/paygate-io/paygate/infra/middle"
	"github.com/paygate-io/paygate/infra/response"
	"github.com/paygate-io/paygate/webhook"
)

// maxWebhookBody bounds provider payloads; real deliveries are a few KB.
const maxWebhookBody = 1 << 20

// Ingestor accepts a provider delivery. *webhook.Ingestor satisfies it.
type Ingestor interface {
	Ingest(ctx context.Context, providerName string, payload []byte, headers map[string]string, sourceIP string) (*webhook.IngestResult, error)
}

// WebhookHandler serves POST /webhooks/{provider}.
type WebhookHandler struct {
	ingestor Ingestor
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(ingestor Ingestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

// Receive ingests one delivery. The body is passed through untouched so the
// adapter can verify the signature over the exact bytes the provider signed.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	providerName := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "failed to read request body", err)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	res, err := h.ingestor.Ingest(ctx, providerName, payload, headers, middle.GetClientIP(r))
	if err != nil {
		writeIngestError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "webhook received", res)
}

// writeIngestError maps ingestion errors onto the API codes.
func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhook.ErrUnknownProvider):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_PROVIDER", "no such provider", err)
	case errors.Is(err, webhook.ErrMissingEventID):
		response.Error(w, http.StatusBadRequest, "MISSING_EVENT_ID",
			"payload carries no event identifier", err)
	case errors.Is(err, webhook.ErrInvalidSignature):
		response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature validation failed", err)
	case errors.Is(err, webhook.ErrRateLimited):
		response.Error(w, http.StatusTooManyRequests, "RATE_LIMITED",
			"too many deliveries from this provider", err)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "webhook ingestion failed", err)
	}
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/paygate-io/paygate/infra/response"
	"github.com/paygate-io/paygate/store"
)

// ProviderStore is the admin surface over provider configuration.
// *store.ProviderRepo satisfies it.
type ProviderStore interface {
	List(ctx context.Context) ([]store.PaymentProvider, error)
	GetByName(ctx context.Context, name string) (*store.PaymentProvider, error)
	Create(ctx context.Context, p *store.PaymentProvider) error
	Update(ctx context.Context, p *store.PaymentProvider) error
	SoftDelete(ctx context.Context, name string) error
}

// ProviderHandler serves the provider admin endpoints. Access control sits
// in front of the gateway; these handlers only persist configuration.
type ProviderHandler struct {
	providers ProviderStore
	validate  *validator.Validate
}

// NewProviderHandler creates a provider admin handler.
func NewProviderHandler(providers ProviderStore, validate *validator.Validate) *ProviderHandler {
	return &ProviderHandler{providers: providers, validate: validate}
}

// providerRequest is the create/update body.
type providerRequest struct {
	Name                string            `json:"name" validate:"omitempty,alphanum,lowercase,max=50"`
	DisplayName         string            `json:"displayName" validate:"required,max=100"`
	Status              string            `json:"status,omitempty" validate:"omitempty,oneof=active inactive degraded"`
	SupportedCurrencies []string          `json:"supportedCurrencies" validate:"required,min=1,dive,len=3"`
	Priority            int               `json:"priority" validate:"gte=0"`
	Credentials         map[string]string `json:"credentials,omitempty"`
	Config              map[string]string `json:"config,omitempty"`
}

// ProviderView is the provider projection returned to admins. Credential
// values never leave the store; only the configured key names are shown.
type ProviderView struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	DisplayName         string            `json:"displayName"`
	Status              string            `json:"status"`
	SupportedCurrencies []string          `json:"supportedCurrencies"`
	Priority            int               `json:"priority"`
	CredentialKeys      []string          `json:"credentialKeys,omitempty"`
	Config              map[string]string `json:"config,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

func newProviderView(p *store.PaymentProvider) ProviderView {
	keys := make([]string, 0, len(p.Credentials))
	for k := range p.Credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return ProviderView{
		ID:                  p.ID.String(),
		Name:                p.Name,
		DisplayName:         p.DisplayName,
		Status:              string(p.Status),
		SupportedCurrencies: p.SupportedCurrencies,
		Priority:            p.Priority,
		CredentialKeys:      keys,
		Config:              p.Config,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

// ListProviders handles GET /v1/providers.
func (h *ProviderHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	providers, err := h.providers.List(ctx)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list providers", err)
		return
	}

	views := make([]ProviderView, len(providers))
	for i := range providers {
		views[i] = newProviderView(&providers[i])
	}
	response.Success(w, http.StatusOK, "providers", views)
}

// CreateProvider handles POST /v1/providers.
func (h *ProviderHandler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", err)
		return
	}
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "provider name is required", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", err)
		return
	}

	p := &store.PaymentProvider{
		Name:                req.Name,
		DisplayName:         req.DisplayName,
		Status:              providerStatus(req.Status),
		SupportedCurrencies: upperAll(req.SupportedCurrencies),
		Priority:            req.Priority,
		Credentials:         req.Credentials,
		Config:              req.Config,
	}
	if err := h.providers.Create(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusBadRequest, "PROVIDER_EXISTS", "provider name already taken", err)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create provider", err)
		return
	}
	response.Success(w, http.StatusCreated, "provider created", newProviderView(p))
}

// UpdateProvider handles PUT /v1/providers/{name}.
func (h *ProviderHandler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	name := chi.URLParam(r, "name")

	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", err)
		return
	}

	current, err := h.providers.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROVIDER_NOT_FOUND", "no such provider", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load provider", err)
		return
	}

	current.DisplayName = req.DisplayName
	if req.Status != "" {
		current.Status = providerStatus(req.Status)
	}
	current.SupportedCurrencies = upperAll(req.SupportedCurrencies)
	current.Priority = req.Priority
	if req.Credentials != nil {
		current.Credentials = req.Credentials
	}
	if req.Config != nil {
		current.Config = req.Config
	}

	if err := h.providers.Update(ctx, current); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROVIDER_NOT_FOUND", "no such provider", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update provider", err)
		return
	}
	response.Success(w, http.StatusOK, "provider updated", newProviderView(current))
}

// DeleteProvider handles DELETE /v1/providers/{name}. The row is soft
// deleted so historical transactions and webhook events keep resolving.
func (h *ProviderHandler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	name := chi.URLParam(r, "name")
	if err := h.providers.SoftDelete(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROVIDER_NOT_FOUND", "no such provider", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete provider", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func providerStatus(s string) store.ProviderStatus {
	if s == "" {
		return store.ProviderActive
	}
	return store.ProviderStatus(s)
}

func upperAll(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = strings.ToUpper(c)
	}
	return out
}

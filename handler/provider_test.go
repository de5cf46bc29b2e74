package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate-io/paygate/store"
)

func providerBody() map[string]any {
	return map[string]any{
		"name":                "stripe",
		"displayName":         "Stripe",
		"supportedCurrencies": []string{"usd", "eur"},
		"priority":            1,
		"credentials":         map[string]string{"api_key": "sk_test_123", "webhook_secret": "whsec_1"},
	}
}

func TestCreateProvider(t *testing.T) {
	env := newHandlerEnv(t)

	rec, envl := env.do(t, http.MethodPost, "/v1/providers", nil, providerBody())

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "stripe", field(t, envl, "name"))
	assert.Equal(t, "active", field(t, envl, "status"), "status defaults to active")
	assert.ElementsMatch(t, []any{"USD", "EUR"}, field(t, envl, "supportedCurrencies"),
		"currencies are canonicalized to uppercase")

	data, _ := envl.Data.(map[string]any)
	_, leaked := data["credentials"]
	assert.False(t, leaked, "credential values never leave the store")
	assert.ElementsMatch(t, []any{"api_key", "webhook_secret"}, field(t, envl, "credentialKeys"))

	stored, err := env.providers.GetByName(t.Context(), "stripe")
	require.NoError(t, err)
	assert.Equal(t, "sk_test_123", stored.Credentials["api_key"])
}

func TestCreateProvider_DuplicateName(t *testing.T) {
	env := newHandlerEnv(t)
	_, _ = env.do(t, http.MethodPost, "/v1/providers", nil, providerBody())

	rec, envl := env.do(t, http.MethodPost, "/v1/providers", nil, providerBody())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PROVIDER_EXISTS", envl.ErrorCode)
}

func TestCreateProvider_Validation(t *testing.T) {
	env := newHandlerEnv(t)

	body := providerBody()
	delete(body, "name")
	rec, envl := env.do(t, http.MethodPost, "/v1/providers", nil, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", envl.ErrorCode)

	body = providerBody()
	body["supportedCurrencies"] = []string{}
	rec, envl = env.do(t, http.MethodPost, "/v1/providers", nil, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", envl.ErrorCode)
}

func TestListProviders(t *testing.T) {
	env := newHandlerEnv(t)
	_, _ = env.do(t, http.MethodPost, "/v1/providers", nil, providerBody())

	rec, envl := env.do(t, http.MethodGet, "/v1/providers", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	list, ok := envl.Data.([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestUpdateProvider(t *testing.T) {
	env := newHandlerEnv(t)
	_, _ = env.do(t, http.MethodPost, "/v1/providers", nil, providerBody())

	rec, envl := env.do(t, http.MethodPut, "/v1/providers/stripe", nil, map[string]any{
		"displayName":         "Stripe EU",
		"status":              "degraded",
		"supportedCurrencies": []string{"eur"},
		"priority":            5,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Stripe EU", field(t, envl, "displayName"))
	assert.Equal(t, "degraded", field(t, envl, "status"))

	stored, err := env.providers.GetByName(t.Context(), "stripe")
	require.NoError(t, err)
	assert.Equal(t, store.ProviderDegraded, stored.Status)
	assert.Equal(t, "sk_test_123", stored.Credentials["api_key"],
		"omitting credentials keeps the stored ones")
}

func TestUpdateProvider_NotFound(t *testing.T) {
	env := newHandlerEnv(t)

	rec, envl := env.do(t, http.MethodPut, "/v1/providers/nope", nil, map[string]any{
		"displayName":         "Nope",
		"supportedCurrencies": []string{"usd"},
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PROVIDER_NOT_FOUND", envl.ErrorCode)
}

func TestDeleteProvider(t *testing.T) {
	env := newHandlerEnv(t)
	_, _ = env.do(t, http.MethodPost, "/v1/providers", nil, providerBody())

	rec, _ := env.do(t, http.MethodDelete, "/v1/providers/stripe", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, rec.Body.Len())

	rec, envl := env.do(t, http.MethodDelete, "/v1/providers/stripe", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PROVIDER_NOT_FOUND", envl.ErrorCode)
}

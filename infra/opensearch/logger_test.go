package opensearch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate-io/paygate/infra/config"
)

func TestCallLogger_DisabledIsNoOp(t *testing.T) {
	client, err := NewClient(&config.AppConfig{
		// Nothing listens here; a disabled sink must not touch the network.
		OpenSearchURL:     "http://127.0.0.1:1",
		EnableCallLogging: false,
	})
	require.NoError(t, err)

	l := NewCallLogger(client)
	err = l.Log(context.Background(), CallLog{
		Provider:  "stripe",
		Operation: "charge",
		Success:   true,
	})
	assert.NoError(t, err)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		excludes string
	}{
		{
			name:     "card number in json",
			input:    `{"cardNumber":"4111111111111111","amount":"100.50"}`,
			contains: `"cardNumber":"***REDACTED***"`,
			excludes: "4111111111111111",
		},
		{
			name:     "cvv in json",
			input:    `{"cvv":"123","currency":"USD"}`,
			contains: `"cvv":"***REDACTED***"`,
			excludes: `"cvv":"123"`,
		},
		{
			name:     "api key in json",
			input:    `{"apiKey":"sk_live_abc123","name":"x"}`,
			contains: `"apiKey":"***REDACTED***"`,
			excludes: "sk_live_abc123",
		},
		{
			name:     "snake case secret",
			input:    `{"secret_key":"whsec_9f8e7d"}`,
			contains: `"secret_key":"***REDACTED***"`,
			excludes: "whsec_9f8e7d",
		},
		{
			name:     "url parameter form",
			input:    `token=tok_abc123&amount=100`,
			contains: `token=***REDACTED***`,
			excludes: "tok_abc123",
		},
		{
			name:     "clean payload untouched",
			input:    `{"amount":"100.50","currency":"THB","orderId":"ord-1"}`,
			contains: `"orderId":"ord-1"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.input)
			assert.Contains(t, got, tt.contains)
			if tt.excludes != "" {
				assert.NotContains(t, got, tt.excludes)
			}
		})
	}
}

func TestSanitize_MasksEveryOccurrence(t *testing.T) {
	input := `{"card":{"number":"4242424242424242","cvc":"999"},"metadata":{"api_key":"sk_test_1"}}`
	got := Sanitize(input)

	assert.NotContains(t, got, "4242424242424242")
	assert.NotContains(t, got, `"cvc":"999"`)
	assert.NotContains(t, got, "sk_test_1")
}

func TestSanitize_UnderscoreValueForms(t *testing.T) {
	got := Sanitize(`card_number=4242424242424242&cvv=123`)
	assert.NotContains(t, got, "4242424242424242")
	assert.NotContains(t, got, "cvv=123")
}

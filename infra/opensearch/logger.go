package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// CallLog is one provider call as indexed for analytics.
type CallLog struct {
	Timestamp  time.Time  `json:"timestamp"`
	Provider   string     `json:"provider"`
	Operation  string     `json:"operation"`
	DurationMs int64      `json:"duration_ms"`
	Success    bool       `json:"success"`
	Error      *CallError `json:"error,omitempty"`
	Request    string     `json:"request,omitempty"`
	Response   string     `json:"response,omitempty"`
}

// CallError carries the machine-readable failure classification.
type CallError struct {
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// CallLogger writes provider-call records into per-provider indices.
type CallLogger struct {
	client *Client
}

// NewCallLogger creates a call logger over the client.
func NewCallLogger(client *Client) *CallLogger {
	return &CallLogger{client: client}
}

// Log indexes one call record. Payloads are sanitized here so every write
// path masks card data and credentials, whatever the caller passed in.
func (l *CallLogger) Log(ctx context.Context, entry CallLog) error {
	if !l.client.IsEnabled() {
		return nil
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Request = Sanitize(entry.Request)
	entry.Response = Sanitize(entry.Response)

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal call log: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index: l.client.CallIndexName(entry.Provider),
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return fmt.Errorf("failed to index call log: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch error: %s", res.String())
	}

	return nil
}

// sensitiveFields are masked wherever they appear in logged payloads.
var sensitiveFields = []string{
	"cardNumber", "card_number", "number", "cvv", "cvc", "cardHolderName", "card_holder_name",
	"expiryMonth", "expiryYear", "exp_month", "exp_year",
	"apiKey", "api_key", "secretKey", "secret_key", "password", "token",
	"authorization", "x-api-key", "x-secret-key",
}

var sensitivePatterns = buildSensitivePatterns()

type sensitivePattern struct {
	re          *regexp.Regexp
	replacement string
}

func buildSensitivePatterns() []sensitivePattern {
	patterns := make([]sensitivePattern, 0, len(sensitiveFields)*2)
	for _, field := range sensitiveFields {
		patterns = append(patterns,
			sensitivePattern{
				re:          regexp.MustCompile(fmt.Sprintf(`"%s"\s*:\s*"[^"]*"`, field)),
				replacement: fmt.Sprintf(`"%s":"***REDACTED***"`, field),
			},
			sensitivePattern{
				re:          regexp.MustCompile(fmt.Sprintf(`%s=[\w.-]+`, field)),
				replacement: fmt.Sprintf(`%s=***REDACTED***`, field),
			},
		)
	}
	return patterns
}

// Sanitize masks card data and credentials in a serialized payload.
func Sanitize(data string) string {
	result := data
	for _, p := range sensitivePatterns {
		result = p.re.ReplaceAllString(result, p.replacement)
	}
	return result
}

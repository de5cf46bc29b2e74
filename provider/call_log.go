package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// CallSink receives one record per remote provider call. The analytics
// sink in infra/opensearch satisfies it through a small adapter in cmd.
type CallSink interface {
	Record(ctx context.Context, rec CallRecord)
}

// CallRecord is one adapter call as seen from the gateway side. Request and
// Response carry marshalled payloads; the sink is responsible for masking
// sensitive fields before anything is written out.
type CallRecord struct {
	Timestamp    time.Time
	Provider     string
	Operation    string
	DurationMs   int64
	Success      bool
	ErrorKind    string
	ErrorCode    string
	ErrorMessage string
	Request      string
	Response     string
}

// WithCallLog wraps p so charge, refund and status calls are recorded to
// sink. A sink failure never fails the call itself.
func WithCallLog(name string, p PaymentProvider, sink CallSink) PaymentProvider {
	return &loggedProvider{name: name, next: p, sink: sink}
}

type loggedProvider struct {
	name string
	next PaymentProvider
	sink CallSink
}

func (l *loggedProvider) Initialize(config map[string]string) error {
	return l.next.Initialize(config)
}

func (l *loggedProvider) GetRequiredConfig() []ConfigField {
	return l.next.GetRequiredConfig()
}

func (l *loggedProvider) ValidateConfig(config map[string]string) error {
	return l.next.ValidateConfig(config)
}

func (l *loggedProvider) ProcessPayment(ctx context.Context, request PaymentRequest) (*PaymentResponse, error) {
	start := time.Now()
	resp, err := l.next.ProcessPayment(ctx, request)
	l.record(ctx, "charge", start, request, respBody(resp, err), err)
	return resp, err
}

func (l *loggedProvider) GetStatus(ctx context.Context, providerTransactionID string) (*StatusResponse, error) {
	start := time.Now()
	resp, err := l.next.GetStatus(ctx, providerTransactionID)
	l.record(ctx, "status", start, map[string]string{"providerTransactionId": providerTransactionID}, respBody(resp, err), err)
	return resp, err
}

func (l *loggedProvider) ProcessRefund(ctx context.Context, request RefundRequest) (*RefundResponse, error) {
	start := time.Now()
	resp, err := l.next.ProcessRefund(ctx, request)
	l.record(ctx, "refund", start, request, respBody(resp, err), err)
	return resp, err
}

// ValidateWebhook is local signature arithmetic, not a remote call, so it
// is not recorded.
func (l *loggedProvider) ValidateWebhook(ctx context.Context, payload []byte, headers map[string]string, sourceIP string) (bool, error) {
	return l.next.ValidateWebhook(ctx, payload, headers, sourceIP)
}

func (l *loggedProvider) record(ctx context.Context, op string, start time.Time, req any, resp string, err error) {
	rec := CallRecord{
		Timestamp:  start.UTC(),
		Provider:   l.name,
		Operation:  op,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
		Request:    toJSON(req),
		Response:   resp,
	}

	if err != nil {
		rec.ErrorMessage = err.Error()
		var perr *Error
		if errors.As(err, &perr) {
			rec.ErrorKind = string(perr.Kind)
			rec.ErrorCode = perr.Code
			rec.ErrorMessage = perr.Message
		}
	}

	l.sink.Record(ctx, rec)
}

func respBody(resp any, err error) string {
	if err != nil {
		return ""
	}
	return toJSON(resp)
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

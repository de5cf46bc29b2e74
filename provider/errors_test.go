package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	err := NewError("stripe", ErrorKindInvalidRequest, "card_declined", "Your card was declined")
	assert.Equal(t, "stripe: invalid_request [card_declined]: Your card was declined", err.Error())

	bare := NewError("paypal", ErrorKindTimeout, "", "")
	assert.Equal(t, "paypal: timeout", bare.Error())
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retryable bool
	}{
		{ErrorKindNetwork, true},
		{ErrorKindTimeout, true},
		{ErrorKindRateLimited, true},
		{ErrorKindInternal, true},
		{ErrorKindAuth, false},
		{ErrorKindInvalidRequest, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := NewError("test", tt.kind, "", "")
			assert.Equal(t, tt.retryable, err.Retryable())
		})
	}
}

func TestWrapError_DeadlineExceeded(t *testing.T) {
	err := WrapError("omise", context.DeadlineExceeded)
	assert.Equal(t, ErrorKindTimeout, err.Kind)
	assert.Equal(t, "omise", err.Provider)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWrapError_WrappedDeadline(t *testing.T) {
	inner := fmt.Errorf("request failed: %w", context.DeadlineExceeded)
	err := WrapError("omise", inner)
	assert.Equal(t, ErrorKindTimeout, err.Kind)
}

func TestWrapError_Network(t *testing.T) {
	err := WrapError("scb", errors.New("connection refused"))
	assert.Equal(t, ErrorKindNetwork, err.Kind)
	assert.True(t, err.Retryable())
}

func TestErrorFromHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{"timeout", http.StatusRequestTimeout, ErrorKindTimeout},
		{"rate limited", http.StatusTooManyRequests, ErrorKindRateLimited},
		{"unauthorized", http.StatusUnauthorized, ErrorKindAuth},
		{"forbidden", http.StatusForbidden, ErrorKindAuth},
		{"bad request", http.StatusBadRequest, ErrorKindInvalidRequest},
		{"unprocessable", http.StatusUnprocessableEntity, ErrorKindInvalidRequest},
		{"server error", http.StatusInternalServerError, ErrorKindInternal},
		{"bad gateway", http.StatusBadGateway, ErrorKindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ErrorFromHTTPStatus("stripe", tt.status, "", "")
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.status, err.HTTPStatus)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError("stripe", ErrorKindNetwork, "", "")))
	assert.False(t, IsRetryable(NewError("stripe", ErrorKindAuth, "", "")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(errors.New("something else")))

	// Wrapped provider errors are still classified
	wrapped := fmt.Errorf("attempt 2: %w", NewError("paypal", ErrorKindTimeout, "", ""))
	assert.True(t, IsRetryable(wrapped))
}

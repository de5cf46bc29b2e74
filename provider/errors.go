package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a provider failure so upstream components can decide
// whether to retry and what to record against the circuit breaker.
type ErrorKind string

const (
	ErrorKindNetwork        ErrorKind = "network"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindInternal       ErrorKind = "provider_internal"
)

// Error is the failure every adapter returns. Kind drives retry decisions;
// Code and Message carry the provider's own diagnostics.
type Error struct {
	Provider   string
	Kind       ErrorKind
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrorKindNetwork, ErrorKindTimeout, ErrorKindRateLimited, ErrorKindInternal:
		return true
	}
	return false
}

// NewError creates a provider error with an explicit kind
func NewError(providerName string, kind ErrorKind, code, message string) *Error {
	return &Error{Provider: providerName, Kind: kind, Code: code, Message: message}
}

// WrapError classifies a transport-level failure. Context deadlines become
// timeouts, everything else from the wire is a network error.
func WrapError(providerName string, err error) *Error {
	kind := ErrorKindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorKindTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = ErrorKindTimeout
		}
	}
	return &Error{Provider: providerName, Kind: kind, Message: err.Error(), Err: err}
}

// ErrorFromHTTPStatus maps a provider HTTP status to an error kind:
// 408 and 429 stay retryable, other 4xx do not, 5xx are provider faults.
func ErrorFromHTTPStatus(providerName string, status int, code, message string) *Error {
	var kind ErrorKind
	switch {
	case status == http.StatusRequestTimeout:
		kind = ErrorKindTimeout
	case status == http.StatusTooManyRequests:
		kind = ErrorKindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrorKindAuth
	case status >= 400 && status < 500:
		kind = ErrorKindInvalidRequest
	default:
		kind = ErrorKindInternal
	}
	return &Error{Provider: providerName, Kind: kind, Code: code, Message: message, HTTPStatus: status}
}

// IsRetryable reports whether err may succeed on another attempt. Bare
// context deadline errors count as retryable timeouts.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

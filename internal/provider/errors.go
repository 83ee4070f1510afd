package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnavailable    ErrorKind = "unavailable"
	KindAuthFailure    ErrorKind = "auth_failure"
)

// Error is returned by Client implementations.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the backend's hint for RateLimited errors, zero if absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %s: %v", e.Provider, e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindForStatus maps an upstream HTTP status code to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthFailure
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUnavailable
	default:
		return KindInvalidRequest
	}
}

// Classify normalizes any error returned by a binding into a *Error.
// Context deadlines become Timeout; unknown errors are treated as Unavailable.
func Classify(providerName string, err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); ok {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: providerName, Kind: KindTimeout, Message: "deadline exceeded", Err: err}
	}
	return &Error{Provider: providerName, Kind: KindUnavailable, Err: err}
}

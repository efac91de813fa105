package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies an upstream failure for retry and health accounting.
type ErrorType string

const (
	ErrorTimeout       ErrorType = "timeout"
	ErrorRateLimit     ErrorType = "rate_limit"
	ErrorAuth          ErrorType = "auth_error"
	ErrorServer        ErrorType = "server_error"
	ErrorNetwork       ErrorType = "network"
	ErrorStreamFailure ErrorType = "stream_failure"
	ErrorModeration    ErrorType = "moderation_error"
	ErrorOther         ErrorType = "other"
)

// Error is the structured error every adapter returns for upstream failures.
// The message is sanitized before construction so API keys never reach logs
// or clients.
type Error struct {
	Provider   string
	StatusCode int
	Type       ErrorType
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// NewError builds a sanitized adapter error, classifying from the status code
// and message.
func NewError(provider string, statusCode int, message string) *Error {
	msg := Sanitize(message)
	return &Error{
		Provider:   provider,
		StatusCode: statusCode,
		Type:       classify(statusCode, msg),
		Message:    msg,
	}
}

// Classify maps any error to its ErrorType. Adapter errors carry their own
// type; everything else is classified from the message.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorOther
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	status := 0
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	}
	return classify(status, err.Error())
}

func classify(status int, message string) ErrorType {
	switch {
	case status == 401 || status == 403:
		return ErrorAuth
	case status == 408:
		return ErrorTimeout
	case status == 429:
		return ErrorRateLimit
	case status >= 500:
		return ErrorServer
	}

	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return ErrorTimeout
	case containsAny(lower, "rate limit", "too many requests", "quota exceeded", "429"):
		return ErrorRateLimit
	case containsAny(lower, "invalid api key", "incorrect api key", "unauthorized",
		"authentication", "permission denied", "401", "403"):
		return ErrorAuth
	case containsAny(lower, "internal server error", "bad gateway",
		"service unavailable", "overloaded", "500", "502", "503", "504"):
		return ErrorServer
	case containsAny(lower, "connection refused", "connection reset", "no such host",
		"network", "broken pipe", "eof"):
		return ErrorNetwork
	case strings.Contains(lower, "stream"):
		return ErrorStreamFailure
	case strings.Contains(lower, "moderation"):
		return ErrorModeration
	default:
		return ErrorOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// HTTPStatusOf extracts the HTTP status from an error chain, or fallback.
func HTTPStatusOf(err error, fallback int) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return fallback
}

package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

const (
	ErrorKindRateLimit       ErrorKind = "rate_limit"
	ErrorKindAuth            ErrorKind = "auth"
	ErrorKindInvalidRequest  ErrorKind = "invalid_request"
	ErrorKindPayloadTooLarge ErrorKind = "payload_too_large"
	ErrorKindServer          ErrorKind = "server"
	ErrorKindNetwork         ErrorKind = "network"
)

// Error wraps a provider failure with its classification.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindRateLimit || e.Kind == ErrorKindServer || e.Kind == ErrorKindNetwork
}

// NewError creates a classified provider error.
func NewError(providerName string, kind ErrorKind, status int, err error) *Error {
	return &Error{Provider: providerName, Kind: kind, Status: status, Err: err}
}

// KindFromStatus maps an HTTP status code to an error kind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorKindAuth
	case status == 413:
		return ErrorKindPayloadTooLarge
	case status == 429:
		return ErrorKindRateLimit
	case status >= 400 && status < 500:
		return ErrorKindInvalidRequest
	default:
		return ErrorKindServer
	}
}

// IsPayloadRejection reports whether the failure indicates the request body
// was too large or otherwise rejected for its size, the case where a single
// reduced-payload retry is worth attempting.
func IsPayloadRejection(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}

	return perr.Kind == ErrorKindPayloadTooLarge ||
		(perr.Kind == ErrorKindInvalidRequest && perr.Status == 400)
}

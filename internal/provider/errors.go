// ABOUTME: Classified provider error type and retryability helpers
// ABOUTME: Maps the gateway's provider failure taxonomy onto one Error struct

package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownProvider is returned by Route for an unrecognized model identifier.
var ErrUnknownProvider = errors.New("unknown provider for model")

// ErrConversationBusy is returned when a completion is already in flight
// for the conversation. Requests are never queued implicitly.
var ErrConversationBusy = errors.New("conversation busy")

// ErrorKind classifies provider failures for the retry policy.
type ErrorKind int

const (
	// KindRateLimited: the provider throttled the request. Retryable; may
	// carry a backoff hint.
	KindRateLimited ErrorKind = iota
	// KindInvalidRequest: the request itself was rejected. Never retried.
	KindInvalidRequest
	// KindProviderUnavailable: transient backend or network failure. Retryable.
	KindProviderUnavailable
	// KindStreamInterrupted: the stream broke after it started. Partial
	// content is preserved by the caller, which decides retry vs accept.
	KindStreamInterrupted
)

// String returns the wire-friendly name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidRequest:
		return "invalid_request"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindStreamInterrupted:
		return "stream_interrupted"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind    ErrorKind
	Message string

	// RetryAfter is a backoff hint from the provider (Retry-After header).
	// Zero when the provider gave none.
	RetryAfter time.Duration

	// Cause is the underlying error, when one exists. Kept wrapped so
	// callers can still match context.Canceled through the classification.
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified provider error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Retryable reports whether the error is transient per the gateway's
// propagation policy. StreamInterrupted is not included: whether to retry
// after a broken stream depends on how much content already arrived, which
// only the caller knows.
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindRateLimited || pe.Kind == KindProviderUnavailable
}

// KindOf extracts the ErrorKind from err, defaulting to
// KindProviderUnavailable for unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProviderUnavailable
}

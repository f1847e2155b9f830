package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorResponse is the JSON error body of the HTTP APIs.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine code and a message.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Parameter string `json:"parameter,omitempty"`
}

const (
	ErrorCodeInvalidParameter = "INVALID_PARAMETER"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
	ErrorCodeUnavailable      = "UNAVAILABLE"
	ErrorCodeUnauthorized     = "UNAUTHORIZED"
)

// StoreErrorKind classifies metric store failures.
type StoreErrorKind int

const (
	StoreUnreachable StoreErrorKind = iota + 1
	StoreTimeout
	StoreMalformedResponse
)

func (k StoreErrorKind) String() string {
	switch k {
	case StoreUnreachable:
		return "unreachable"
	case StoreTimeout:
		return "timeout"
	case StoreMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// StoreError is returned by every metric store backend.
type StoreError struct {
	Kind    StoreErrorKind
	Backend string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("metric store %s %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with a kind.
func NewStoreError(backend string, kind StoreErrorKind, err error) *StoreError {
	return &StoreError{Kind: kind, Backend: backend, Err: err}
}

// StoreErrorKindOf reports the kind of a StoreError in err's chain, or 0.
func StoreErrorKindOf(err error) StoreErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// ChannelErrorKind classifies notification delivery failures.
type ChannelErrorKind int

const (
	ChannelUnreachable ChannelErrorKind = iota + 1
	ChannelRateLimited
	ChannelAuthFailed
	ChannelInvalidPayload
)

func (k ChannelErrorKind) String() string {
	switch k {
	case ChannelUnreachable:
		return "unreachable"
	case ChannelRateLimited:
		return "rate_limited"
	case ChannelAuthFailed:
		return "auth_failed"
	case ChannelInvalidPayload:
		return "invalid_payload"
	default:
		return "unknown"
	}
}

// ChannelError is returned by channel Send implementations.
type ChannelError struct {
	Kind       ChannelErrorKind
	Channel    string
	StatusCode int
	Err        error
}

func (e *ChannelError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("channel %s %s (status %d): %v", e.Channel, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("channel %s %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Retryable is false for failures that another attempt cannot fix.
func (e *ChannelError) Retryable() bool {
	return e.Kind != ChannelAuthFailed && e.Kind != ChannelInvalidPayload
}

// NewChannelError wraps err with a kind.
func NewChannelError(channel string, kind ChannelErrorKind, err error) *ChannelError {
	return &ChannelError{Kind: kind, Channel: channel, Err: err}
}

// ChannelErrorFromStatus maps a provider's HTTP status to a ChannelError.
func ChannelErrorFromStatus(channel string, status int, body string) *ChannelError {
	kind := ChannelUnreachable
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ChannelAuthFailed
	case status == http.StatusTooManyRequests:
		kind = ChannelRateLimited
	case status >= 400 && status < 500:
		kind = ChannelInvalidPayload
	}
	return &ChannelError{
		Kind:       kind,
		Channel:    channel,
		StatusCode: status,
		Err:        fmt.Errorf("unexpected response: %s", body),
	}
}

// IsRetryable reports whether a delivery error is worth another attempt.
// Errors that are not ChannelErrors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}

// PersistenceError is logged by the sink and never blocks dispatch.
type PersistenceError struct {
	Backend   string
	AnomalyID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist anomaly %s to %s: %v", e.AnomalyID, e.Backend, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

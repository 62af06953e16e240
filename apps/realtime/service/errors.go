package service

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies user-facing failures. Codes are part of the wire contract:
// clients switch on them, so values are stable strings.
type Code string

const (
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeAuthorizationDenied  Code = "authorization_denied"
	CodeRateLimited          Code = "rate_limited"
	CodeStoreUnavailable     Code = "store_unavailable"
	CodeLockConflict         Code = "lock_conflict"
	CodeValidationError      Code = "validation_error"
	CodeUnknownEvent         Code = "unknown_event"
	CodeNotFound             Code = "not_found"
	CodeConnectionLimit      Code = "connection_limit"
)

// StatusError is the structured error surfaced to clients as
// {code, message, details?, timestamp}. Every user-facing failure path
// terminates in one of these - nothing is thrown raw into the transport.
type StatusError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy carrying extra detail fields. The receiver is not
// mutated so the package-level sentinels stay immutable.
func (e *StatusError) WithDetails(details map[string]any) *StatusError {
	clone := &StatusError{
		Code:    e.Code,
		Message: e.Message,
		Details: make(map[string]any, len(e.Details)+len(details)),
	}
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	for k, v := range details {
		clone.Details[k] = v
	}
	return clone
}

// Is makes errors.Is match on code, so sentinel comparisons survive WithDetails.
func (e *StatusError) Is(target error) bool {
	var se *StatusError
	if !errors.As(target, &se) {
		return false
	}
	return e.Code == se.Code
}

var (
	ErrAuthenticationRequired = &StatusError{
		Code:    CodeAuthenticationFailed,
		Message: "connection needs a valid identity token",
	}
	ErrAuthorizationDenied = &StatusError{
		Code:    CodeAuthorizationDenied,
		Message: "you don't have access to this room or event",
	}
	ErrRateLimited = &StatusError{
		Code:    CodeRateLimited,
		Message: "too many events, slow down",
	}
	ErrStoreUnavailable = &StatusError{
		Code:    CodeStoreUnavailable,
		Message: "shared state store is unavailable",
	}
	ErrLockConflict = &StatusError{
		Code:    CodeLockConflict,
		Message: "resource is locked by another participant",
	}
	ErrUnknownEvent = &StatusError{
		Code:    CodeUnknownEvent,
		Message: "unrecognised event type",
	}
	ErrConnectionLimit = &StatusError{
		Code:    CodeConnectionLimit,
		Message: "connection limit reached",
	}
)

// NewValidationError reports a malformed payload with field-level detail.
func NewValidationError(fields map[string]any) *StatusError {
	return &StatusError{
		Code:    CodeValidationError,
		Message: "payload failed validation",
		Details: fields,
	}
}

// AsStatus converts any error into a StatusError suitable for the wire.
// Unrecognised errors are masked behind a generic message; the original is for
// the log, not the client.
func AsStatus(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return &StatusError{
		Code:    CodeValidationError,
		Message: "request could not be processed",
	}
}

// ErrorPayload is the JSON shape delivered with `error` and `rate_limited`
// notifications.
type ErrorPayload struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Payload stamps a StatusError for delivery.
func (e *StatusError) Payload(now time.Time) ErrorPayload {
	return ErrorPayload{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: now,
	}
}

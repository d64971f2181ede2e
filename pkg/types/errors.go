package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a SessionError.
type ErrorCode string

const (
	CodeConnectionFailed      ErrorCode = "CONNECTION_FAILED"
	CodeInvalidCode           ErrorCode = "INVALID_CODE"
	CodeExpiredSession        ErrorCode = "EXPIRED_SESSION"
	CodePresenterDisconnected ErrorCode = "PRESENTER_DISCONNECTED"
	CodeUnknown               ErrorCode = "UNKNOWN"
)

// SessionError is the error shape reported to callers and error handlers.
type SessionError struct {
	Code    ErrorCode
	Message string
	Details error
}

// NewSessionError builds a SessionError wrapping details (which may be nil).
func NewSessionError(code ErrorCode, message string, details error) *SessionError {
	return &SessionError{Code: code, Message: message, Details: details}
}

func (e *SessionError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Details
}

// Is matches any SessionError with the same code, so callers can write
// errors.Is(err, types.ErrConnectionFailed).
func (e *SessionError) Is(target error) bool {
	var other *SessionError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Code sentinels for errors.Is.
var (
	ErrConnectionFailed = &SessionError{Code: CodeConnectionFailed, Message: "connection failed"}
	ErrInvalidCode      = &SessionError{Code: CodeInvalidCode, Message: "invalid join code"}
)

// Validation errors.
var (
	ErrInvalidSessionName = errors.New("session name must be 1-200 characters")
	ErrInvalidMode        = errors.New("invalid mode: must be 'guided' or 'follow'")
	ErrInvalidPeerID      = errors.New("peer ID must be 1-64 characters of [a-zA-Z0-9_-]")
	ErrInvalidEventType   = errors.New("invalid event type")
	ErrMissingEventField  = errors.New("event is missing a required field")
)

// CodeOf extracts the SessionError code from err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

package errors

import (
	"errors"
	"fmt"
)

// ErrorType identifies the failure conditions the auth subsystem can report.
type ErrorType string

const (
	// DiscoveryDegraded means metadata discovery fell back to conventional
	// endpoints. It is informational and never returned as a hard failure.
	DiscoveryDegraded ErrorType = "discovery_degraded"
	// RegistrationFailed means a dynamic client registration attempt was
	// rejected. Non-fatal at registration time.
	RegistrationFailed ErrorType = "registration_failed"
	// NoClientID means no client identifier could be obtained at all.
	NoClientID ErrorType = "no_client_id"
	// StateMismatch means the callback's state parameter did not match the
	// outstanding authorization request.
	StateMismatch ErrorType = "state_mismatch"
	// AuthorizationDenied means the authorization server reported an error
	// on the callback (for example access_denied).
	AuthorizationDenied ErrorType = "authorization_denied"
	// MissingCode means the callback carried neither a code nor an error.
	MissingCode ErrorType = "missing_code"
	// CallbackTimeout means no callback arrived within the wait window.
	CallbackTimeout ErrorType = "callback_timeout"
	// TokenExchangeFailed means the code-for-token exchange was rejected.
	TokenExchangeFailed ErrorType = "token_exchange_failed"
	// TokenExpiredNoRefresh means the held token expired and no refresh
	// token is available.
	TokenExpiredNoRefresh ErrorType = "token_expired_no_refresh"
	// Unauthenticated means no token is held; the caller must authenticate.
	Unauthenticated ErrorType = "unauthenticated"
	// RefreshFailed means a refresh-token exchange was rejected.
	RefreshFailed ErrorType = "refresh_failed"
)

// AppError is a structured error carrying one of the taxonomy conditions.
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError of the same type, so that
// errors.Is(err, &AppError{Type: StateMismatch}) works across wrapping.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type
}

// New creates a new AppError.
func New(errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
	}
}

// Wrap wraps an existing error with a taxonomy condition.
func Wrap(err error, errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   err,
	}
}

// WithDetails adds details to an AppError.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithStatusCode adds an HTTP status code to an AppError.
func (e *AppError) WithStatusCode(code int) *AppError {
	e.StatusCode = code
	return e
}

// IsType checks if an error (or anything it wraps) carries a specific type.
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// TypeOf returns the taxonomy type carried by err, or "" when err is not an
// AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

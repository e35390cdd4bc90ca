package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Status  int               `json:"status"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code, so errors.Is works against
// the predefined kinds even after Clone or Wrap.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for the authentication taxonomy.
var (
	ErrInvalidCredentials   = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrSignInForbidden      = New("SIGN_IN_FORBIDDEN", http.StatusForbidden, "sign-in is not allowed for this account")
	ErrUserNotFound         = New("USER_NOT_FOUND", http.StatusNotFound, "user not found")
	ErrInvalidRefreshToken  = New("INVALID_REFRESH_TOKEN", http.StatusUnauthorized, "refresh token not found")
	ErrInactiveRefreshToken = New("INACTIVE_REFRESH_TOKEN", http.StatusUnauthorized, "refresh token is expired or revoked")
	ErrValidation           = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrMailDeliveryFailed   = New("MAIL_DELIVERY_FAILED", http.StatusBadGateway, "failed to deliver email")
	ErrPersistenceConflict  = New("PERSISTENCE_CONFLICT", http.StatusConflict, "concurrent update detected, retry the request")
	ErrUnauthorized         = New("UNAUTHORIZED", http.StatusUnauthorized, "authentication required")
	ErrForbidden            = New("FORBIDDEN", http.StatusForbidden, "insufficient permissions")
	ErrNotFound             = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrInternal             = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WithDetails returns a copy of the error carrying per-field details.
func WithDetails(err *Error, details map[string]string) *Error {
	clone := Clone(err, "")
	if clone == nil || len(details) == 0 {
		return clone
	}
	clone.Details = make(map[string]string, len(details))
	for k, v := range details {
		clone.Details[k] = v
	}
	return clone
}

// IsRetryable reports whether the caller may replay the whole operation.
// Only optimistic-write collisions qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceConflict)
}

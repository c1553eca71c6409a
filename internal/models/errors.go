package models

import (
	"errors"
	"net/http"
)

// ErrRecordNotFound is returned by the repository when a lookup matches nothing.
var ErrRecordNotFound = errors.New("record not found")

// AppError is an error with a stable machine-readable code that is safe to
// show to callers. Messages never carry token claims.
type AppError struct {
	HTTPCode int
	Code     string
	Message  string
}

func (e *AppError) Error() string {
	return e.Message
}

func newAppError(httpCode int, code, message string) *AppError {
	return &AppError{HTTPCode: httpCode, Code: code, Message: message}
}

// Redemption errors.
var (
	ErrSignatureInvalid     = newAppError(http.StatusUnauthorized, "SIGNATURE_INVALID", "token signature is invalid")
	ErrTokenExpired         = newAppError(http.StatusUnauthorized, "TOKEN_EXPIRED", "token has expired")
	ErrTokenNotYetValid     = newAppError(http.StatusForbidden, "TOKEN_NOT_YET_VALID", "token is for a later service day")
	ErrCustomerNotFound     = newAppError(http.StatusNotFound, "CUSTOMER_NOT_FOUND", "customer not found")
	ErrAlreadyRedeemed      = newAppError(http.StatusConflict, "ALREADY_REDEEMED", "token has already been redeemed")
	ErrNoAllowance          = newAppError(http.StatusForbidden, "NO_ALLOWANCE", "no meals remaining for this day")
	ErrSubscriptionInactive = newAppError(http.StatusForbidden, "SUBSCRIPTION_INACTIVE", "subscription is not active")
)

// Session and access errors.
var (
	ErrSessionInvalid     = newAppError(http.StatusUnauthorized, "SESSION_INVALID", "session token is invalid")
	ErrSessionRevoked     = newAppError(http.StatusUnauthorized, "SESSION_REVOKED", "session has been revoked")
	ErrSessionExpired     = newAppError(http.StatusUnauthorized, "SESSION_EXPIRED", "session has expired")
	ErrUnauthorized       = newAppError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	ErrLinkInvalid        = newAppError(http.StatusBadRequest, "LINK_INVALID", "link is invalid, expired or already used")
	ErrSessionUnavailable = newAppError(http.StatusServiceUnavailable, "SESSION_CHECK_UNAVAILABLE", "session could not be verified, try again")
)

// Generic errors.
var (
	ErrRateLimited    = newAppError(http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
	ErrInvalidRequest = newAppError(http.StatusBadRequest, "INVALID_REQUEST", "invalid request")
	ErrNotFound       = newAppError(http.StatusNotFound, "NOT_FOUND", "not found")
	ErrInternal       = newAppError(http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
)

// AsAppError unwraps err to an AppError, falling back to ErrInternal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return ErrInternal
}

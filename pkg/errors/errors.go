package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	StatusCode int           `json:"-"`
	RetryAfter time.Duration `json:"-"`
	Internal   error         `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches application errors by code so derived copies still compare equal.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a different user-facing message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidCredentials = &AppError{
		Code:       "INVALID_CREDENTIALS",
		Message:    "Invalid email or password",
		StatusCode: http.StatusUnauthorized,
	}

	ErrTooManyAttempts = &AppError{
		Code:       "TOO_MANY_ATTEMPTS",
		Message:    "Too many failed attempts, please try again later",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrInvalidTwoFactorCode = &AppError{
		Code:       "INVALID_TWO_FACTOR_CODE",
		Message:    "Invalid 2FA code",
		StatusCode: http.StatusBadRequest,
	}

	ErrChallengeExpired = &AppError{
		Code:       "CHALLENGE_EXPIRED",
		Message:    "The 2FA challenge is invalid or has expired",
		StatusCode: http.StatusBadRequest,
	}

	ErrTwoFactorAlreadyEnabled = &AppError{
		Code:       "TWO_FACTOR_ALREADY_ENABLED",
		Message:    "2FA is already enabled for this account",
		StatusCode: http.StatusConflict,
	}

	ErrTwoFactorNotEnabled = &AppError{
		Code:       "TWO_FACTOR_NOT_ENABLED",
		Message:    "2FA is not enabled for this account",
		StatusCode: http.StatusBadRequest,
	}

	ErrUnknownProvider = &AppError{
		Code:       "UNKNOWN_PROVIDER",
		Message:    "Unknown authentication provider",
		StatusCode: http.StatusNotFound,
	}

	ErrProviderExchangeFailed = &AppError{
		Code:       "PROVIDER_EXCHANGE_FAILED",
		Message:    "Authentication failed",
		StatusCode: http.StatusBadGateway,
	}

	ErrDuplicateIdentity = &AppError{
		Code:       "DUPLICATE_IDENTITY",
		Message:    "Username or email is already taken",
		StatusCode: http.StatusConflict,
	}

	ErrEncryptionFailed = &AppError{
		Code:       "ENCRYPTION_FAILED",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrDecryptionFailed = &AppError{
		Code:       "DECRYPTION_FAILED",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRoleNotFound = &AppError{
		Code:       "ROLE_NOT_FOUND",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrInvalidVerificationToken = &AppError{
		Code:       "INVALID_VERIFICATION_TOKEN",
		Message:    "Invalid or expired verification token",
		StatusCode: http.StatusBadRequest,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrServiceUnavailable signals a transient infrastructure outage, such
	// as the shared cache being unreachable. Retryable by the client.
	ErrServiceUnavailable = &AppError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "Service temporarily unavailable, please try again",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}

// NewTooManyAttempts builds a lockout error carrying the remaining window so the
// boundary can render a "try again in N minutes" message.
func NewTooManyAttempts(retryAfter time.Duration) *AppError {
	minutes := int(retryAfter.Minutes())
	if minutes < 1 {
		minutes = 1
	}

	return &AppError{
		Code:       ErrTooManyAttempts.Code,
		Message:    fmt.Sprintf("Too many failed attempts. Try again in %d minutes.", minutes),
		StatusCode: ErrTooManyAttempts.StatusCode,
		RetryAfter: retryAfter,
	}
}

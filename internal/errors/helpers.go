package errors

import (
	"fmt"
	"net/http"

	"chatsync/internal/protocol"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Storage temporarily unavailable")
}

// NewAuthError creates an authentication error. Never retried automatically.
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewPermissionError creates an authorization error for a conversation action.
func NewPermissionError(userID, conversationID, reason string) *AppError {
	return New(ErrCodeAuthorization, reason).
		WithContext("user_id", userID).
		WithContext("conversation_id", conversationID).
		WithUserMessage("You are not allowed to do that in this conversation")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewTransportError wraps a link failure. Always retryable.
func NewTransportError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransport, fmt.Sprintf("%s failed on the link", operation)).
		WithContext("operation", operation)
}

// NewNotConnectedError is returned by send paths while no link is up.
func NewNotConnectedError() *AppError {
	e := New(ErrCodeNotConnected, "not connected to relay")
	e.Retryable = true
	return e
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	e := New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
	e.Retryable = true
	return e
}

// NewRetryExhaustedError marks a queued operation that used up its attempts.
func NewRetryExhaustedError(correlationID string, attempts int, last error) *AppError {
	return Wrap(last, ErrCodeRetryExhausted, fmt.Sprintf("gave up after %d attempts", attempts)).
		WithContext("correlation_id", correlationID).
		WithContext("attempts", attempts).
		WithUserMessage("Message could not be sent")
}

// ToWire converts an error into the body of an error frame.
func ToWire(err error) *protocol.ErrorBody {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return &protocol.ErrorBody{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}
	}
	return &protocol.ErrorBody{
		Code:      string(ErrCodeInternalError),
		Message:   "internal error",
		Retryable: true,
	}
}

// FromWire rebuilds an AppError from an error frame body.
func FromWire(body *protocol.ErrorBody) *AppError {
	if body == nil {
		return New(ErrCodeInternalError, "empty error body")
	}
	code := ErrorCode(body.Code)
	if code == "" {
		code = ErrCodeInternalError
	}
	return &AppError{
		Code:      code,
		Message:   body.Message,
		Retryable: body.Retryable,
	}
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeAuthorization:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

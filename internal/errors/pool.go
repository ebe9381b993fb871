package errors

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Pool-specific error constructors

// InvalidAddressError reports a relay address that cannot be canonicalized.
func InvalidAddressError(address, reason string) *AppError {
	return New(ErrorTypeValidation, "INVALID_RELAY_ADDRESS", fmt.Sprintf("Invalid relay address: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("Address: %q", address))
}

// FilterError creates an error for filter validation issues
func FilterError(reason string) *AppError {
	return New(ErrorTypeValidation, "INVALID_FILTER", fmt.Sprintf("Filter validation failed: %s", reason)).
		WithSeverity(SeverityLow)
}

// FrameError creates an error for an inbound frame that could not be parsed.
func FrameError(label, reason string) *AppError {
	code := "MALFORMED_FRAME"
	if label != "" {
		code = "MALFORMED_" + label
	}
	return New(ErrorTypeProtocol, code, fmt.Sprintf("Unparseable relay frame: %s", reason)).
		WithSeverity(SeverityLow)
}

// SubscriptionError creates an error for subscription-related issues
func SubscriptionError(subID, reason string) *AppError {
	return New(ErrorTypeValidation, "SUBSCRIPTION_ERROR", fmt.Sprintf("Subscription error: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("Subscription ID: %s", subID))
}

// ConnectionError classifies a websocket transport failure against a relay.
func ConnectionError(address, operation string, cause error) *AppError {
	var code string
	severity := SeverityMedium

	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_UNEXPECTED_CLOSURE"
	case cause == websocket.ErrBadHandshake:
		code = "WS_BAD_HANDSHAKE"
		severity = SeverityHigh
	default:
		code = "WS_ERROR"
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("Relay %s %s failed", address, operation)).
		WithSeverity(severity)
}

// PublishError reports a per-relay publish failure that is not a timeout or rejection.
func PublishError(address, eventID, reason string) *AppError {
	return New(ErrorTypeNetwork, "PUBLISH_FAILED", fmt.Sprintf("Publish to %s failed: %s", address, reason)).
		WithDetails(fmt.Sprintf("Event ID: %s", eventID))
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s operation timed out", operation))
}

// ClosedError reports use of a component after it was closed.
func ClosedError(component string) *AppError {
	return New(ErrorTypeState, "CLOSED", fmt.Sprintf("%s is closed", component)).
		WithSeverity(SeverityLow)
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithSeverity(SeverityLow)
}

// ConfigurationError creates an error for invalid configuration values.
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeValidation, "CONFIGURATION_ERROR", fmt.Sprintf("Invalid configuration for %s: %s", field, reason)).
		WithSeverity(SeverityHigh)
}

// ExternalServiceError creates an error for external service failures
func ExternalServiceError(service, operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR",
		fmt.Sprintf("External service %s failed during %s", service, operation))
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	var appErr *AppError
	if !As(err, &appErr) {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeExternal:
		return appErr.Severity != SeverityCritical
	case ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeState, ErrorTypeProtocol:
		return false
	case ErrorTypeInternal:
		return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
	}
	return false
}

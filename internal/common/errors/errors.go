// Package errors provides the billing error taxonomy and its mapping onto
// BPMN errors for the workflow engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode is a stable, machine-readable failure code.
type ErrorCode string

const (
	ErrCodeConfiguration      ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeGatewayAuthFailure ErrorCode = "GATEWAY_AUTH_FAILURE"
	ErrCodeGatewayRejected    ErrorCode = "GATEWAY_REJECTED"
	ErrCodeGatewayNotFound    ErrorCode = "GATEWAY_NOT_FOUND"
	ErrCodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrCodePersistence        ErrorCode = "PERSISTENCE_ERROR"
	ErrCodeReconciliation     ErrorCode = "RECONCILIATION_ERROR"
	ErrCodeValidation         ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidPackage     ErrorCode = "INVALID_PACKAGE"
	ErrCodeDuplicatePurchase  ErrorCode = "DUPLICATE_PURCHASE"
	ErrCodePaymentFailed      ErrorCode = "PAYMENT_FAILED"
	ErrCodePaymentTimeout     ErrorCode = "PAYMENT_TIMEOUT"
	ErrCodeNotFound           ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeNotificationFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeWorkflowEngine     ErrorCode = "WORKFLOW_ENGINE_ERROR"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// StandardError is a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// Is matches on code, so errors.Is(err, &StandardError{Code: X}) works
// through wrapping.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata attaches a key/value pair and returns the receiver.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

func detailsOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError is an error thrown to the workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns the variables set on a thrown or failed job.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

// NewConfigurationError reports that an integration is not set up.
func NewConfigurationError(component string, missing ...string) *StandardError {
	details := ""
	if len(missing) > 0 {
		details = "missing: " + strings.Join(missing, ", ")
	}
	return newError(ErrCodeConfiguration,
		fmt.Sprintf("%s not configured", component), details, false, nil)
}

func NewGatewayAuthFailureError(err error) *StandardError {
	return newError(ErrCodeGatewayAuthFailure,
		"Payment gateway authentication failed", detailsOf(err), false, err)
}

// NewGatewayRejectedError is raised when the gateway answers with an
// unexpected HTTP status.
func NewGatewayRejectedError(statusCode int, body string) *StandardError {
	e := newError(ErrCodeGatewayRejected,
		"Payment gateway rejected the request",
		fmt.Sprintf("status %d: %s", statusCode, body), false, nil)
	e.WithMetadata("statusCode", statusCode)
	if body != "" {
		e.WithMetadata("gatewayMessage", body)
	}
	return e
}

func NewGatewayNotFoundError(referenceID string) *StandardError {
	return newError(ErrCodeGatewayNotFound,
		"Payment reference not known to gateway",
		"referenceId: "+referenceID, false, nil)
}

// NewGatewayUnavailableError covers transport failures. These are the only
// gateway errors worth retrying.
func NewGatewayUnavailableError(err error) *StandardError {
	return newError(ErrCodeGatewayUnavailable,
		"Payment gateway unreachable", detailsOf(err), true, err)
}

func NewPersistenceError(operation string, err error) *StandardError {
	return newError(ErrCodePersistence,
		"Backing store operation failed",
		fmt.Sprintf("%s: %s", operation, detailsOf(err)), true, err)
}

// NewReconciliationError means money moved but the subscription could not be
// recorded. It always needs an operator.
func NewReconciliationError(referenceID string, err error) *StandardError {
	e := newError(ErrCodeReconciliation,
		"Payment succeeded but subscription could not be created",
		detailsOf(err), false, err)
	return e.WithMetadata("referenceId", referenceID)
}

func NewValidationError(details string) *StandardError {
	return newError(ErrCodeValidation, "Invalid purchase request", details, false, nil)
}

func NewInvalidPackageError(packageID interface{}) *StandardError {
	return newError(ErrCodeInvalidPackage, "Invalid package selected",
		fmt.Sprintf("packageId: %v", packageID), false, nil)
}

func NewDuplicatePurchaseError(userID string, packageID interface{}) *StandardError {
	return newError(ErrCodeDuplicatePurchase,
		"A purchase for this package is already in progress",
		fmt.Sprintf("userId: %s, packageId: %v", userID, packageID), false, nil)
}

func NewPaymentFailedError(referenceID, reason string) *StandardError {
	e := newError(ErrCodePaymentFailed, "Payment failed", reason, false, nil)
	return e.WithMetadata("referenceId", referenceID)
}

func NewPaymentTimeoutError(referenceID string, attempts int) *StandardError {
	e := newError(ErrCodePaymentTimeout, "Payment confirmation timed out",
		fmt.Sprintf("no terminal status after %d attempts", attempts), false, nil)
	return e.WithMetadata("referenceId", referenceID)
}

func NewNotFoundError(resource, details string) *StandardError {
	return newError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), details, false, nil)
}

func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return newError(ErrCodeNotificationFailed, "Notification delivery failed",
		fmt.Sprintf("channel: %s, error: %s", channel, detailsOf(err)), true, err)
}

// NewWorkflowEngineError reports a failed broker command.
func NewWorkflowEngineError(operation string, err error, retryable bool) *StandardError {
	return newError(ErrCodeWorkflowEngine, "Workflow engine command failed",
		fmt.Sprintf("%s: %s", operation, detailsOf(err)), retryable, err)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", detailsOf(err), false, err)
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// GetRetryCount returns how many job retries a code deserves. Business
// outcomes are never retried.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodePersistence, ErrCodeNotificationFailed, ErrCodeWorkflowEngine:
		return 3
	case ErrCodeGatewayUnavailable:
		return 2
	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError for the workflow engine.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	for k, v := range stdErr.Metadata {
		vars[k] = v
	}

	return &BPMNError{
		Code:           string(stdErr.Code),
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      stdErr.Retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// As extracts a StandardError from anywhere in the chain.
func As(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// Normalize always returns a StandardError, wrapping unknown errors as
// internal ones.
func Normalize(err error) *StandardError {
	if err == nil {
		return nil
	}
	if stdErr, ok := As(err); ok {
		return stdErr
	}
	return NewInternalError(err)
}

// CodeOf returns the code of err, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	return Normalize(err).Code
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	stdErr, ok := As(err)
	return ok && stdErr.Code == code
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory groups codes for logging and metrics labels.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "GATEWAY"):
		return "GATEWAY"
	case code == ErrCodePersistence || code == ErrCodeReconciliation:
		return "STORE"
	case strings.HasPrefix(codeStr, "PAYMENT"):
		return "PAYMENT"
	case code == ErrCodeConfiguration:
		return "CONFIGURATION"
	case strings.Contains(codeStr, "INVALID") || strings.Contains(codeStr, "VALIDATION") || code == ErrCodeDuplicatePurchase:
		return "VALIDATION"
	case strings.Contains(codeStr, "NOTIFICATION"):
		return "NOTIFICATION"
	case code == ErrCodeWorkflowEngine:
		return "WORKFLOW"
	default:
		return "OTHER"
	}
}

// UserMessage is the text shown to the purchaser for a failed workflow.
func UserMessage(err error) string {
	switch CodeOf(err) {
	case ErrCodeConfiguration:
		return "Payments are not available right now. Please try again later."
	case ErrCodeInvalidPackage:
		return "Invalid package selected"
	case ErrCodeValidation:
		return "Please check your phone number and try again."
	case ErrCodeDuplicatePurchase:
		return "A payment for this package is already in progress."
	case ErrCodePaymentFailed, ErrCodePaymentTimeout:
		return "Payment failed or timed out. Please try again."
	case ErrCodeReconciliation:
		return "Payment received but activation failed. Our team has been notified."
	case ErrCodeGatewayRejected:
		if se, ok := As(err); ok {
			if msg, _ := se.Metadata["gatewayMessage"].(string); msg != "" {
				return "Failed to initiate payment: " + msg
			}
		}
		return "Failed to initiate payment"
	case ErrCodeGatewayAuthFailure, ErrCodeGatewayUnavailable:
		return "Failed to initiate payment"
	default:
		return "An unexpected error occurred"
	}
}

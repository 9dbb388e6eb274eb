package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected by the sync engine.
//
// Runtime errors include:
//   - Engine stopped: the loop is no longer accepting events
//   - Invalid message: a draft could not be built from the caller's input
//   - Rejection budget: a draft was rejected too many times and is now failed
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// CorrelationKey identifies the affected message, when there is one.
	CorrelationKey string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeEngineStopped indicates the engine has been stopped.
	ErrCodeEngineStopped RuntimeErrorCode = "ENGINE_STOPPED"

	// ErrCodeAlreadyRunning indicates Run was called twice.
	ErrCodeAlreadyRunning RuntimeErrorCode = "ALREADY_RUNNING"

	// ErrCodeInvalidMessage indicates the caller's input failed validation.
	ErrCodeInvalidMessage RuntimeErrorCode = "INVALID_MESSAGE"

	// ErrCodeRejectionBudget indicates a draft used up its rejection budget.
	ErrCodeRejectionBudget RuntimeErrorCode = "REJECTION_BUDGET"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.CorrelationKey != "" {
		msg = fmt.Sprintf("%s (key=%s)", msg, e.CorrelationKey)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsStopped returns true if the error reports a stopped engine.
// Uses errors.As to handle wrapped errors.
func IsStopped(err error) bool {
	return hasCode(err, ErrCodeEngineStopped)
}

// IsInvalidMessage returns true if the error reports rejected caller input.
func IsInvalidMessage(err error) bool {
	return hasCode(err, ErrCodeInvalidMessage)
}

// IsRejectionBudgetError returns true if a draft exhausted its budget.
func IsRejectionBudgetError(err error) bool {
	return hasCode(err, ErrCodeRejectionBudget)
}

// NewStoppedError creates the error returned to callers after Stop.
func NewStoppedError() *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeEngineStopped,
		Message: "engine is not running",
	}
}

// NewInvalidMessageError wraps a validation failure from the model.
func NewInvalidMessageError(err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidMessage,
		Message: "cannot create message",
		Err:     err,
	}
}

// NewRejectionBudgetError reports a draft moved to failed.
func NewRejectionBudgetError(key string, attempts, limit int, reason string) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeRejectionBudget,
		Message:        fmt.Sprintf("rejected %d times (limit %d)", attempts, limit),
		CorrelationKey: key,
		Details: map[string]string{
			"last_error": reason,
		},
	}
}

package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	// KindNetwork is transient: unreachable, timed out, lost response.
	KindNetwork ErrorKind = "NETWORK"
	// KindRejected is a refusal by the remote store, such as a validation
	// failure. Retrying the identical request is expected to fail again.
	KindRejected ErrorKind = "REJECTED"
)

// Error is returned by every Client operation that fails.
type Error struct {
	Kind    ErrorKind
	Op      string // "insert", "fetch", "subscribe", "ping"
	Message string
	Status  int // HTTP status, when one was received
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NetworkError builds a transient error for op.
func NetworkError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// RejectedError builds a refusal for op.
func RejectedError(op, message string) *Error {
	return &Error{Kind: KindRejected, Op: op, Message: message}
}

// IsNetwork reports whether err is a transient remote failure.
// Errors that are not a *Error are treated as transient.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindNetwork
	}
	return true
}

// IsRejected reports whether the remote store refused the request.
func IsRejected(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindRejected
}

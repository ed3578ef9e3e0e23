package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// OperationError annotates an infrastructure error with the operation that
// failed and the relay request it belonged to.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with structured context. A nil err yields nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// LogOperationError wraps err, logs it at error level and returns the wrapped value.
func LogOperationError(logger *zap.Logger, operation, requestID, msg string, err error) error {
	wrapped := NewOperationError(operation, requestID, err)
	if wrapped != nil {
		WithOperation(logger, operation, requestID).Error(msg, zap.Error(wrapped))
	}
	return wrapped
}

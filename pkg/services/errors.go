// Package services provides the execution control operations behind the API and the admin CLI.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/genflow/pkg/workflow"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest          = errors.New("invalid request")
	ErrNodesRequired           = errors.New("workflow must have at least one node")
	ErrSourceExecutionMismatch = errors.New("source execution belongs to another workflow")

	// Business Logic Conflicts (409 Conflict).
	ErrExecutionFinished  = errors.New("execution already finished")
	ErrExecutionCompleted = errors.New("execution already completed")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrNodesRequired) ||
		errors.Is(err, ErrSourceExecutionMismatch)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrExecutionFinished) ||
		errors.Is(err, ErrExecutionCompleted) ||
		errors.Is(err, workflow.ErrExecutionTerminal) ||
		errors.Is(err, workflow.ErrNotReopenable)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

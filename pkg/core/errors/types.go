package errors

import (
	"fmt"
	"time"
)

// TimeoutError indicates an operation exceeded its time budget.
type TimeoutError struct {
	Operation string
	Budget    time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Budget, e.Operation)
}

// PanicError wraps a recovered panic so it can travel as an error.
type PanicError struct {
	Operation string
	Value     any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

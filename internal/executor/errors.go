package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownExecution is returned for an execution id the tracker does
	// not know.
	ErrUnknownExecution = errors.New("unknown execution")
	// ErrExecutionFinished is returned when cancelling a finished execution.
	ErrExecutionFinished = errors.New("execution already finished")
)

// TransientError is a failure that was eligible for retry but exhausted the
// retry budget.
type TransientError struct {
	Class    string
	Message  string
	Attempts int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error after %d attempts: %s", e.Class, e.Attempts, e.Message)
}

// PermanentError is a failure that is never retried, such as a SQL error
// reported by the warehouse. Message is the remote text, unmodified.
type PermanentError struct {
	Class   string
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// ExecutionError is returned by Execute when an execution does not succeed.
type ExecutionError struct {
	ExecutionID string
	Status      Status
	// StatementNumber is the statement that failed, or 0 when the execution
	// was cancelled between statements.
	StatementNumber int
	Err             error
}

func (e *ExecutionError) Error() string {
	if e.StatementNumber == 0 {
		return fmt.Sprintf("execution %s %s: %v", e.ExecutionID, e.Status, e.Err)
	}
	return fmt.Sprintf("execution %s %s: statement %d: %v", e.ExecutionID, e.Status, e.StatementNumber, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// errCancelled marks an execution stopped between statements.
var errCancelled = errors.New("cancelled before all statements ran")

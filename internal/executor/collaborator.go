package executor

import (
	"context"
	"fmt"
)

// RemoteStatus is a statement state reported by the statement service.
type RemoteStatus string

const (
	RemotePending   RemoteStatus = "PENDING"
	RemoteRunning   RemoteStatus = "RUNNING"
	RemoteSucceeded RemoteStatus = "SUCCEEDED"
	RemoteFailed    RemoteStatus = "FAILED"
	RemoteCanceled  RemoteStatus = "CANCELED"
)

// Terminal reports whether the remote statement has finished.
func (s RemoteStatus) Terminal() bool {
	return s == RemoteSucceeded || s == RemoteFailed || s == RemoteCanceled
}

// Error classes reported by the statement service.
const (
	ClassTimeout              = "TIMEOUT"
	ClassWarehouseUnavailable = "WAREHOUSE_UNAVAILABLE"
	ClassResourceExhausted    = "RESOURCE_EXHAUSTED"
	ClassConnection           = "CONNECTION"
	ClassSQL                  = "SQL_ERROR"
	ClassCancelled            = "CANCELLED"
	ClassUnknown              = "UNKNOWN"
)

// SubmitRequest is one statement submission.
type SubmitRequest struct {
	SQL string
	// IdempotencyKey lets the service recognize a resubmission of a
	// statement it already knows instead of running it again.
	IdempotencyKey string
	WarehouseID    string
	TimeoutSeconds int
}

// SubmitResult identifies the remote statement.
type SubmitResult struct {
	RemoteQueryID string
	Status        RemoteStatus
}

// PollResult is the current state of a remote statement.
type PollResult struct {
	Status       RemoteStatus
	Error        *RemoteError
	RowsAffected *int64
}

// RemoteError is an error reported by the statement service, tagged with a
// class the retry policy understands.
type RemoteError struct {
	Class   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// StatementService runs SQL on a warehouse. Implementations own transport,
// authentication and connection reuse.
type StatementService interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Poll(ctx context.Context, remoteQueryID string) (PollResult, error)
	Cancel(ctx context.Context, remoteQueryID string) error
}

// AuditLog receives one append-only record per terminal execution.
type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord) error
}

package executor

import (
	"time"

	"github.com/planwright/planwright/internal/plan"
)

// StatementStatus is the lifecycle state of one statement within an execution.
type StatementStatus string

// Statement lifecycle: PENDING -> SUBMITTED -> RUNNING -> SUCCEEDED | FAILED.
const (
	StatementPending   StatementStatus = "PENDING"
	StatementSubmitted StatementStatus = "SUBMITTED"
	StatementRunning   StatementStatus = "RUNNING"
	StatementSucceeded StatementStatus = "SUCCEEDED"
	StatementFailed    StatementStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s StatementStatus) Terminal() bool {
	return s == StatementSucceeded || s == StatementFailed
}

// Status is the overall state of an execution, derived from its statements.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	// StatusPartial means at least one statement committed before a later one
	// failed or the execution was cancelled. Nothing is rolled back.
	StatusPartial   Status = "PARTIAL"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the execution has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusPartial, StatusCancelled:
		return true
	}
	return false
}

// StatementExecution tracks one compiled statement through the warehouse.
type StatementExecution struct {
	StatementNumber int             `json:"statement_number"`
	SQL             string          `json:"sql_text"`
	IdempotencyKey  string          `json:"idempotency_key"`
	RemoteQueryID   string          `json:"remote_query_id,omitempty"`
	Status          StatementStatus `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	LastError       string          `json:"last_error,omitempty"`
	ErrorClass      string          `json:"error_class,omitempty"`
	RowsAffected    *int64          `json:"rows_affected,omitempty"`
	StartedAt       time.Time       `json:"started_at,omitzero"`
	CompletedAt     time.Time       `json:"completed_at,omitzero"`
}

// Execution is one governed run of a compiled plan.
type Execution struct {
	ID          string               `json:"execution_id"`
	PlanID      string               `json:"plan_id"`
	PlanVersion int                  `json:"plan_version"`
	Pattern     plan.PatternType     `json:"pattern"`
	WarehouseID string               `json:"warehouse_id"`
	InitiatedBy string               `json:"initiated_by"`
	Status      Status               `json:"status"`
	Statements  []StatementExecution `json:"statements"`
	Error       string               `json:"error,omitempty"`
	StartedAt   time.Time            `json:"started_at,omitzero"`
	CompletedAt time.Time            `json:"completed_at,omitzero"`
}

func (e *Execution) clone() *Execution {
	c := *e
	c.Statements = make([]StatementExecution, len(e.Statements))
	copy(c.Statements, e.Statements)
	for i, s := range c.Statements {
		if s.RowsAffected != nil {
			n := *s.RowsAffected
			c.Statements[i].RowsAffected = &n
		}
	}
	return &c
}

// succeeded counts statements that committed.
func (e *Execution) succeeded() int {
	n := 0
	for _, s := range e.Statements {
		if s.Status == StatementSucceeded {
			n++
		}
	}
	return n
}

// Event reports a state change. StatementNumber is 0 for execution-level
// events.
type Event struct {
	ExecutionID     string          `json:"execution_id"`
	StatementNumber int             `json:"statement_number,omitempty"`
	StatementStatus StatementStatus `json:"statement_status,omitempty"`
	ExecutionStatus Status          `json:"execution_status"`
	Attempt         int             `json:"attempt,omitempty"`
	Error           string          `json:"error,omitempty"`
	Time            time.Time       `json:"time"`
}

// AuditRecord is written once when an execution reaches a terminal state.
type AuditRecord struct {
	Execution
	RecordedAt time.Time `json:"recorded_at"`
}

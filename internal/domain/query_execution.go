package domain

import "time"

// QueryExecutionStatus represents the lifecycle state of a query execution.
type QueryExecutionStatus string

// Query execution lifecycle statuses.
const (
	QueryExecutionStatusInitialized QueryExecutionStatus = "INITIALIZED"
	QueryExecutionStatusDelivered   QueryExecutionStatus = "DELIVERED"
	QueryExecutionStatusRunning     QueryExecutionStatus = "RUNNING"
	QueryExecutionStatusDone        QueryExecutionStatus = "DONE"
	QueryExecutionStatusError       QueryExecutionStatus = "ERROR"
	QueryExecutionStatusCancel      QueryExecutionStatus = "CANCEL"
)

// UnfinishedQueryExecutionStatuses lists every non-terminal status.
var UnfinishedQueryExecutionStatuses = []QueryExecutionStatus{
	QueryExecutionStatusInitialized,
	QueryExecutionStatusDelivered,
	QueryExecutionStatusRunning,
}

// IsTerminal reports whether no further transition is possible.
func (s QueryExecutionStatus) IsTerminal() bool {
	switch s {
	case QueryExecutionStatusDone, QueryExecutionStatusError, QueryExecutionStatusCancel:
		return true
	default:
		return false
	}
}

// StatementExecutionStatus represents the lifecycle state of one statement.
type StatementExecutionStatus string

// Statement execution lifecycle statuses.
const (
	StatementExecutionStatusInitialized StatementExecutionStatus = "INITIALIZED"
	StatementExecutionStatusRunning     StatementExecutionStatus = "RUNNING"
	StatementExecutionStatusDone        StatementExecutionStatus = "DONE"
	StatementExecutionStatusError       StatementExecutionStatus = "ERROR"
	StatementExecutionStatusCancel      StatementExecutionStatus = "CANCEL"
)

// IsTerminal reports whether no further transition is possible.
func (s StatementExecutionStatus) IsTerminal() bool {
	switch s {
	case StatementExecutionStatusDone, StatementExecutionStatusError, StatementExecutionStatusCancel:
		return true
	default:
		return false
	}
}

// QueryExecution is one user-submitted script run against one engine.
type QueryExecution struct {
	ID          string
	Query       string
	EngineID    string
	UID         string // owner
	Status      QueryExecutionStatus
	TaskID      string // id of the worker task that owns the execution
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// StatementExecution is one statement's run within a QueryExecution.
type StatementExecution struct {
	ID                  string
	QueryExecutionID    string
	StatementIndex      int
	StatementRangeStart int
	StatementRangeEnd   int
	Status              StatementExecutionStatus
	ResultRowCount      int64
	ResultPath          string
	HasLog              bool
	LogPath             string
	TrackingURL         string
	CreatedAt           time.Time
	CompletedAt         *time.Time
}

// QueryExecutionError is the single error record of a failed execution.
type QueryExecutionError struct {
	QueryExecutionID      string
	ErrorType             ErrorKind
	ErrorMessageExtracted string
	ErrorMessage          string // full message, includes stack for internal errors
	Line                  int    // 1-based, 0 when unknown
	CreatedAt             time.Time
}

// TableRef names a schema-qualified table referenced by a query.
type TableRef struct {
	Schema string
	Table  string
}

// String returns the "schema.table" form.
func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

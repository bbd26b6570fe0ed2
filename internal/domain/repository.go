package domain

import (
	"context"
	"time"
)

// QueryExecutionRepository persists QueryExecution rows.
type QueryExecutionRepository interface {
	Create(ctx context.Context, e *QueryExecution) (*QueryExecution, error)
	GetByID(ctx context.Context, id string) (*QueryExecution, error)
	SetTaskID(ctx context.Context, id, taskID string) error
	// TransitionStatus moves the row to `to` only if its current status is one
	// of `from`. It reports whether the row was updated.
	TransitionStatus(ctx context.Context, id string, from []QueryExecutionStatus, to QueryExecutionStatus) (bool, error)
	// ListUnfinished returns non-terminal executions created before the cutoff.
	ListUnfinished(ctx context.Context, createdBefore time.Time) ([]QueryExecution, error)
}

// StatementExecutionRepository persists StatementExecution rows.
type StatementExecutionRepository interface {
	Create(ctx context.Context, s *StatementExecution) (*StatementExecution, error)
	GetByID(ctx context.Context, id string) (*StatementExecution, error)
	ListByExecution(ctx context.Context, executionID string) ([]StatementExecution, error)
	SetTrackingURL(ctx context.Context, id, url string) error
	Finish(ctx context.Context, id string, status StatementExecutionStatus, rowCount int64, resultPath string) error
	// FinishUnfinished moves every non-terminal statement of an execution to
	// status and returns how many rows changed.
	FinishUnfinished(ctx context.Context, executionID string, status StatementExecutionStatus) (int64, error)
}

// QueryExecutionErrorRepository persists the single error record of an execution.
type QueryExecutionErrorRepository interface {
	// Create stores the error; a second error for the same execution is ignored.
	Create(ctx context.Context, e *QueryExecutionError) error
	Get(ctx context.Context, executionID string) (*QueryExecutionError, error)
}

// QueryExecutionTableRepository records which tables a finished execution touched.
type QueryExecutionTableRepository interface {
	Record(ctx context.Context, executionID string, tables []TableRef) error
	ListByExecution(ctx context.Context, executionID string) ([]TableRef, error)
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"querybook/internal/domain"
)

var _ domain.QueryExecutionRepository = (*QueryExecutionRepo)(nil)

// QueryExecutionRepo stores query execution lifecycle state in SQLite.
type QueryExecutionRepo struct {
	db *sql.DB
}

// NewQueryExecutionRepo creates a new QueryExecutionRepo.
func NewQueryExecutionRepo(db *sql.DB) *QueryExecutionRepo {
	return &QueryExecutionRepo{db: db}
}

const queryExecutionColumns = `id, query, engine_id, uid, status, task_id, created_at, updated_at, completed_at`

// Create inserts a new query execution. Status defaults to INITIALIZED.
func (r *QueryExecutionRepo) Create(ctx context.Context, e *domain.QueryExecution) (*domain.QueryExecution, error) {
	if e == nil {
		return nil, domain.ErrValidation("query execution is required")
	}
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	if e.Status == "" {
		e.Status = domain.QueryExecutionStatusInitialized
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO query_executions (id, query, engine_id, uid, status, task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Query, e.EngineID, e.UID, string(e.Status), e.TaskID, formatTime(createdAt), formatTime(createdAt))
	if err != nil {
		return nil, mapDBError(err)
	}

	return r.GetByID(ctx, e.ID)
}

// GetByID returns a query execution by ID.
func (r *QueryExecutionRepo) GetByID(ctx context.Context, id string) (*domain.QueryExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+queryExecutionColumns+` FROM query_executions WHERE id = ?`, id)
	e, err := scanQueryExecution(row)
	if err != nil {
		if _, ok := err.(*domain.NotFoundError); ok {
			return nil, domain.ErrNotFound("query execution %q not found", id)
		}
		return nil, err
	}
	return e, nil
}

// SetTaskID records the id of the worker task that owns the execution.
func (r *QueryExecutionRepo) SetTaskID(ctx context.Context, id, taskID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE query_executions SET task_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, taskID, id)
	if err != nil {
		return mapDBError(err)
	}
	return requireOneRow(res, "query execution %q not found", id)
}

// TransitionStatus performs a compare-and-set on the status column. Terminal
// targets also stamp completed_at.
func (r *QueryExecutionRepo) TransitionStatus(ctx context.Context, id string, from []domain.QueryExecutionStatus, to domain.QueryExecutionStatus) (bool, error) {
	if len(from) == 0 {
		return false, domain.ErrValidation("at least one source status is required")
	}

	args := make([]interface{}, 0, len(from)+3)
	args = append(args, string(to), boolToInt(to.IsTerminal()), id)
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE query_executions
		SET status = ?,
		    completed_at = CASE WHEN ? = 1 THEN CURRENT_TIMESTAMP ELSE completed_at END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return false, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListUnfinished returns non-terminal executions created before the cutoff,
// oldest first.
func (r *QueryExecutionRepo) ListUnfinished(ctx context.Context, createdBefore time.Time) ([]domain.QueryExecution, error) {
	args := []interface{}{formatTime(createdBefore)}
	for _, s := range domain.UnfinishedQueryExecutionStatuses {
		args = append(args, string(s))
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queryExecutionColumns+`
		FROM query_executions
		WHERE created_at < ? AND status IN (`+placeholders(len(domain.UnfinishedQueryExecutionStatuses))+`)
		ORDER BY created_at
	`, args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.QueryExecution
	for rows.Next() {
		e, err := scanQueryExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueryExecution(row rowScanner) (*domain.QueryExecution, error) {
	var (
		e           domain.QueryExecution
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Query, &e.EngineID, &e.UID, &status, &e.TaskID,
		&e.CreatedAt, &e.UpdatedAt, &completedAt)
	if err != nil {
		return nil, mapDBError(err)
	}
	e.Status = domain.QueryExecutionStatus(status)
	e.CompletedAt = nullTimePtr(completedAt)
	return &e, nil
}

func requireOneRow(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound(format, args...)
	}
	return nil
}

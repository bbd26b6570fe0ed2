package repository

import (
	"context"
	"database/sql"
	"fmt"

	"querybook/internal/domain"
)

var _ domain.StatementExecutionRepository = (*StatementExecutionRepo)(nil)

// StatementExecutionRepo stores per-statement execution rows in SQLite.
type StatementExecutionRepo struct {
	db *sql.DB
}

// NewStatementExecutionRepo creates a new StatementExecutionRepo.
func NewStatementExecutionRepo(db *sql.DB) *StatementExecutionRepo {
	return &StatementExecutionRepo{db: db}
}

const statementExecutionColumns = `id, query_execution_id, statement_index, statement_range_start,
	statement_range_end, status, result_row_count, result_path, has_log, log_path, tracking_url,
	created_at, completed_at`

// Create inserts a statement execution row.
func (r *StatementExecutionRepo) Create(ctx context.Context, s *domain.StatementExecution) (*domain.StatementExecution, error) {
	if s == nil {
		return nil, domain.ErrValidation("statement execution is required")
	}
	if s.QueryExecutionID == "" {
		return nil, domain.ErrValidation("query execution id is required")
	}
	if s.ID == "" {
		s.ID = domain.NewID()
	}
	if s.Status == "" {
		s.Status = domain.StatementExecutionStatusInitialized
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO statement_executions
			(id, query_execution_id, statement_index, statement_range_start, statement_range_end, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.QueryExecutionID, s.StatementIndex, s.StatementRangeStart, s.StatementRangeEnd, string(s.Status))
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.GetByID(ctx, s.ID)
}

// GetByID returns a statement execution by ID.
func (r *StatementExecutionRepo) GetByID(ctx context.Context, id string) (*domain.StatementExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+statementExecutionColumns+` FROM statement_executions WHERE id = ?`, id)
	s, err := scanStatementExecution(row)
	if err != nil {
		if _, ok := err.(*domain.NotFoundError); ok {
			return nil, domain.ErrNotFound("statement execution %q not found", id)
		}
		return nil, err
	}
	return s, nil
}

// ListByExecution returns the statements of an execution in statement order.
func (r *StatementExecutionRepo) ListByExecution(ctx context.Context, executionID string) ([]domain.StatementExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+statementExecutionColumns+`
		FROM statement_executions
		WHERE query_execution_id = ?
		ORDER BY statement_index
	`, executionID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.StatementExecution
	for rows.Next() {
		s, err := scanStatementExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// SetTrackingURL stores the engine's job-monitoring link.
func (r *StatementExecutionRepo) SetTrackingURL(ctx context.Context, id, url string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE statement_executions SET tracking_url = ? WHERE id = ?`, url, id)
	if err != nil {
		return mapDBError(err)
	}
	return requireOneRow(res, "statement execution %q not found", id)
}

// Finish moves a statement to a terminal status with its result handle.
func (r *StatementExecutionRepo) Finish(ctx context.Context, id string, status domain.StatementExecutionStatus, rowCount int64, resultPath string) error {
	if !status.IsTerminal() {
		return domain.ErrValidation("status %q is not terminal", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE statement_executions
		SET status = ?, result_row_count = ?, result_path = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(status), rowCount, resultPath, id)
	if err != nil {
		return mapDBError(err)
	}
	return requireOneRow(res, "statement execution %q not found", id)
}

// FinishUnfinished moves every non-terminal statement of an execution to status.
func (r *StatementExecutionRepo) FinishUnfinished(ctx context.Context, executionID string, status domain.StatementExecutionStatus) (int64, error) {
	if !status.IsTerminal() {
		return 0, domain.ErrValidation("status %q is not terminal", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE statement_executions
		SET status = ?, completed_at = CURRENT_TIMESTAMP
		WHERE query_execution_id = ? AND status IN (?, ?)
	`, string(status), executionID,
		string(domain.StatementExecutionStatusInitialized), string(domain.StatementExecutionStatusRunning))
	if err != nil {
		return 0, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanStatementExecution(row rowScanner) (*domain.StatementExecution, error) {
	var (
		s           domain.StatementExecution
		status      string
		hasLog      int64
		completedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.QueryExecutionID, &s.StatementIndex, &s.StatementRangeStart,
		&s.StatementRangeEnd, &status, &s.ResultRowCount, &s.ResultPath, &hasLog, &s.LogPath,
		&s.TrackingURL, &s.CreatedAt, &completedAt)
	if err != nil {
		return nil, mapDBError(err)
	}
	s.Status = domain.StatementExecutionStatus(status)
	s.HasLog = hasLog != 0
	s.CompletedAt = nullTimePtr(completedAt)
	return &s, nil
}

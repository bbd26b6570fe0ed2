package repository

import (
	"context"
	"database/sql"

	"querybook/internal/domain"
)

var _ domain.QueryExecutionErrorRepository = (*QueryExecutionErrorRepo)(nil)

// QueryExecutionErrorRepo stores at most one error record per execution.
type QueryExecutionErrorRepo struct {
	db *sql.DB
}

// NewQueryExecutionErrorRepo creates a new QueryExecutionErrorRepo.
func NewQueryExecutionErrorRepo(db *sql.DB) *QueryExecutionErrorRepo {
	return &QueryExecutionErrorRepo{db: db}
}

// Create stores the error. The first error recorded for an execution wins.
func (r *QueryExecutionErrorRepo) Create(ctx context.Context, e *domain.QueryExecutionError) error {
	if e == nil || e.QueryExecutionID == "" {
		return domain.ErrValidation("query execution id is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO query_execution_errors
			(query_execution_id, error_type, error_message_extracted, error_message, line)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (query_execution_id) DO NOTHING
	`, e.QueryExecutionID, string(e.ErrorType), e.ErrorMessageExtracted, e.ErrorMessage, e.Line)
	return mapDBError(err)
}

// Get returns the error of an execution.
func (r *QueryExecutionErrorRepo) Get(ctx context.Context, executionID string) (*domain.QueryExecutionError, error) {
	var (
		e       domain.QueryExecutionError
		errType string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT query_execution_id, error_type, error_message_extracted, error_message, line, created_at
		FROM query_execution_errors WHERE query_execution_id = ?
	`, executionID).Scan(&e.QueryExecutionID, &errType, &e.ErrorMessageExtracted, &e.ErrorMessage, &e.Line, &e.CreatedAt)
	if err != nil {
		err = mapDBError(err)
		if _, ok := err.(*domain.NotFoundError); ok {
			return nil, domain.ErrNotFound("no error recorded for query execution %q", executionID)
		}
		return nil, err
	}
	e.ErrorType = domain.ErrorKind(errType)
	return &e, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"querybook/internal/domain"
)

var _ domain.QueryExecutionTableRepository = (*QueryExecutionTableRepo)(nil)

// QueryExecutionTableRepo records the tables touched by finished executions.
type QueryExecutionTableRepo struct {
	db *sql.DB
}

// NewQueryExecutionTableRepo creates a new QueryExecutionTableRepo.
func NewQueryExecutionTableRepo(db *sql.DB) *QueryExecutionTableRepo {
	return &QueryExecutionTableRepo{db: db}
}

// Record inserts the tables in one transaction. Duplicates are ignored.
func (r *QueryExecutionTableRepo) Record(ctx context.Context, executionID string, tables []domain.TableRef) error {
	if len(tables) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO query_execution_tables (query_execution_id, schema_name, table_name)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, executionID, t.Schema, t.Table); err != nil {
			return mapDBError(err)
		}
	}
	return tx.Commit()
}

// ListByExecution returns the recorded tables sorted by name.
func (r *QueryExecutionTableRepo) ListByExecution(ctx context.Context, executionID string) ([]domain.TableRef, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT schema_name, table_name FROM query_execution_tables
		WHERE query_execution_id = ?
		ORDER BY schema_name, table_name
	`, executionID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.TableRef
	for rows.Next() {
		var t domain.TableRef
		if err := rows.Scan(&t.Schema, &t.Table); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

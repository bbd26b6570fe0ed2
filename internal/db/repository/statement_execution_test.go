package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querybook/internal/db"
	"querybook/internal/domain"
)

func createExecution(t *testing.T, repo *QueryExecutionRepo) *domain.QueryExecution {
	t.Helper()
	e, err := repo.Create(context.Background(), &domain.QueryExecution{Query: "SELECT 1; SELECT 2", EngineID: "e", UID: "u"})
	require.NoError(t, err)
	return e
}

func TestStatementExecutionRepo_Lifecycle(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	execution := createExecution(t, NewQueryExecutionRepo(writeDB))
	repo := NewStatementExecutionRepo(writeDB)
	ctx := context.Background()

	second, err := repo.Create(ctx, &domain.StatementExecution{
		QueryExecutionID: execution.ID, StatementIndex: 1,
		StatementRangeStart: 10, StatementRangeEnd: 18,
		Status: domain.StatementExecutionStatusRunning,
	})
	require.NoError(t, err)
	first, err := repo.Create(ctx, &domain.StatementExecution{
		QueryExecutionID: execution.ID, StatementIndex: 0,
		StatementRangeStart: 0, StatementRangeEnd: 8,
		Status: domain.StatementExecutionStatusRunning,
	})
	require.NoError(t, err)

	require.NoError(t, repo.SetTrackingURL(ctx, first.ID, "http://coordinator/ui/query.html?q1"))
	require.NoError(t, repo.Finish(ctx, first.ID, domain.StatementExecutionStatusDone, 1, "db://results/1.csv"))

	list, err := repo.ListByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID, "ordered by statement index")
	assert.Equal(t, domain.StatementExecutionStatusDone, list[0].Status)
	assert.Equal(t, int64(1), list[0].ResultRowCount)
	assert.Equal(t, "db://results/1.csv", list[0].ResultPath)
	assert.Equal(t, "http://coordinator/ui/query.html?q1", list[0].TrackingURL)
	assert.NotNil(t, list[0].CompletedAt)
	assert.Equal(t, second.ID, list[1].ID)

	n, err := repo.FinishUnfinished(ctx, execution.ID, domain.StatementExecutionStatusError)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	loaded, err := repo.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatementExecutionStatusError, loaded.Status)
}

func TestStatementExecutionRepo_RejectsNonTerminalFinish(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewStatementExecutionRepo(writeDB)

	err := repo.Finish(context.Background(), "any", domain.StatementExecutionStatusRunning, 0, "")
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestStatementExecutionRepo_DuplicateIndexConflicts(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	execution := createExecution(t, NewQueryExecutionRepo(writeDB))
	repo := NewStatementExecutionRepo(writeDB)
	ctx := context.Background()

	_, err := repo.Create(ctx, &domain.StatementExecution{QueryExecutionID: execution.ID, StatementIndex: 0})
	require.NoError(t, err)
	_, err = repo.Create(ctx, &domain.StatementExecution{QueryExecutionID: execution.ID, StatementIndex: 0})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

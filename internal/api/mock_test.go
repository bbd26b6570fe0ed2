package api

import (
	"context"
	"time"

	"querybook/internal/domain"
	"querybook/internal/service/query"
)

// === Query Service Mock ===

type mockQueryService struct {
	submitFn         func(ctx context.Context, query, engineID, uid string) (*domain.QueryExecution, error)
	pollFn           func(ctx context.Context, id string) (*query.Status, error)
	cancelFn         func(ctx context.Context, id string) error
	listStatementsFn func(ctx context.Context, id string) ([]domain.StatementExecution, error)
	readResultFn     func(ctx context.Context, statementID string, limit int) ([][]string, error)
	runSyncFn        func(ctx context.Context, query, engineID, uid string, limit int) (*query.SyncResult, error)
	downloadURLFn    func(ctx context.Context, statementID string, expiry time.Duration) (string, time.Time, error)
}

func (m *mockQueryService) Submit(ctx context.Context, q, engineID, uid string) (*domain.QueryExecution, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, q, engineID, uid)
	}
	panic("unexpected call to mockQueryService.Submit")
}

func (m *mockQueryService) Poll(ctx context.Context, id string) (*query.Status, error) {
	if m.pollFn != nil {
		return m.pollFn(ctx, id)
	}
	panic("unexpected call to mockQueryService.Poll")
}

func (m *mockQueryService) Cancel(ctx context.Context, id string) error {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, id)
	}
	panic("unexpected call to mockQueryService.Cancel")
}

func (m *mockQueryService) ListStatements(ctx context.Context, id string) ([]domain.StatementExecution, error) {
	if m.listStatementsFn != nil {
		return m.listStatementsFn(ctx, id)
	}
	panic("unexpected call to mockQueryService.ListStatements")
}

func (m *mockQueryService) ReadResult(ctx context.Context, statementID string, limit int) ([][]string, error) {
	if m.readResultFn != nil {
		return m.readResultFn(ctx, statementID, limit)
	}
	panic("unexpected call to mockQueryService.ReadResult")
}

func (m *mockQueryService) RunSync(ctx context.Context, q, engineID, uid string, limit int) (*query.SyncResult, error) {
	if m.runSyncFn != nil {
		return m.runSyncFn(ctx, q, engineID, uid, limit)
	}
	panic("unexpected call to mockQueryService.RunSync")
}

func (m *mockQueryService) ResultDownloadURL(ctx context.Context, statementID string, expiry time.Duration) (string, time.Time, error) {
	if m.downloadURLFn != nil {
		return m.downloadURLFn(ctx, statementID, expiry)
	}
	panic("unexpected call to mockQueryService.ResultDownloadURL")
}

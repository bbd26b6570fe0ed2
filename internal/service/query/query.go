// Package query is the entry point for submitting, observing and cancelling
// query executions.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"querybook/internal/domain"
	"querybook/internal/engine"
	"querybook/internal/resultstore"
	"querybook/internal/splitter"
	"querybook/internal/worker"
)

// Queue dispatches executions to background tasks. Implemented by worker.Pool.
type Queue interface {
	Enqueue(ctx context.Context, executionID string) (string, error)
	Cancel(executionID string) bool
	Progress(executionID string) (float64, bool)
}

var _ Queue = (*worker.Pool)(nil)

// Status is the observable state of one execution.
type Status struct {
	Execution *domain.QueryExecution
	Progress  float64
	Error     *domain.QueryExecutionError // nil unless the execution failed
}

// Config groups the collaborators of a Service.
type Config struct {
	Executions domain.QueryExecutionRepository
	Statements domain.StatementExecutionRepository
	Errors     domain.QueryExecutionErrorRepository
	Results    *resultstore.Store
	Registry   *engine.Registry
	Engines    worker.EngineResolver
	Queue      Queue
}

// Service submits executions and reports on them.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, logger: logger.With("component", "query")}
}

// Submit records a new execution of query on engineID owned by uid and
// enqueues it. The returned execution is INITIALIZED.
func (s *Service) Submit(ctx context.Context, query, engineID, uid string) (*domain.QueryExecution, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.ErrValidation("query is required")
	}
	if uid == "" {
		return nil, domain.ErrValidation("uid is required")
	}
	if _, err := s.cfg.Engines.ResolveEngine(engineID); err != nil {
		return nil, err
	}

	execution, err := s.cfg.Executions.Create(ctx, &domain.QueryExecution{
		Query:    query,
		EngineID: engineID,
		UID:      uid,
	})
	if err != nil {
		return nil, fmt.Errorf("create query execution: %w", err)
	}

	taskID, err := s.cfg.Queue.Enqueue(ctx, execution.ID)
	if err != nil {
		s.abandon(ctx, execution.ID, err)
		return nil, fmt.Errorf("enqueue query execution: %w", err)
	}
	execution.TaskID = taskID
	s.logger.Info("query execution submitted", "execution_id", execution.ID, "engine", engineID, "uid", uid)
	return execution, nil
}

// abandon fails an execution that never reached a worker.
func (s *Service) abandon(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	ok, err := s.cfg.Executions.TransitionStatus(ctx, id,
		[]domain.QueryExecutionStatus{domain.QueryExecutionStatusInitialized}, domain.QueryExecutionStatusError)
	if err != nil || !ok {
		return
	}
	if err := s.cfg.Errors.Create(ctx, &domain.QueryExecutionError{
		QueryExecutionID:      id,
		ErrorType:             domain.ErrorKindInternal,
		ErrorMessageExtracted: cause.Error(),
		ErrorMessage:          cause.Error(),
	}); err != nil {
		s.logger.Warn("save enqueue error", "execution_id", id, "error", err)
	}
}

// Poll returns the execution's status and overall progress. Live progress
// comes from the task running it; otherwise it is derived from finished
// statements.
func (s *Service) Poll(ctx context.Context, id string) (*Status, error) {
	execution, err := s.cfg.Executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &Status{Execution: execution}

	switch {
	case execution.Status == domain.QueryExecutionStatusDone:
		st.Progress = 100
		return st, nil
	case execution.Status == domain.QueryExecutionStatusError:
		rec, err := s.cfg.Errors.Get(ctx, id)
		var notFound *domain.NotFoundError
		if err != nil && !errors.As(err, &notFound) {
			return nil, err
		}
		st.Error = rec
	case !execution.Status.IsTerminal():
		if p, ok := s.cfg.Queue.Progress(id); ok {
			st.Progress = p
			return st, nil
		}
	}

	st.Progress, err = s.finishedShare(ctx, execution)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// finishedShare is the share of statements that completed, below 100.
func (s *Service) finishedShare(ctx context.Context, execution *domain.QueryExecution) (float64, error) {
	rows, err := s.cfg.Statements.ListByExecution(ctx, execution.ID)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, r := range rows {
		if r.Status == domain.StatementExecutionStatusDone {
			done++
		}
	}
	if done == 0 {
		return 0, nil
	}
	total := s.statementCount(execution)
	if total < done {
		total = done
	}
	return min(100*float64(done)/float64(total), 99), nil
}

func (s *Service) statementCount(execution *domain.QueryExecution) int {
	if cfg, err := s.cfg.Engines.ResolveEngine(execution.EngineID); err == nil && cfg.Settings.SingleStatement {
		return len(splitter.Whole(execution.Query))
	}
	return len(splitter.Split(execution.Query))
}

// Cancel stops an execution. A queued execution moves to CANCEL at once; a
// running one is cancelled by its task. Cancelling a finished execution is
// a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	execution, err := s.cfg.Executions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return nil
	}

	ok, err := s.cfg.Executions.TransitionStatus(ctx, id,
		[]domain.QueryExecutionStatus{domain.QueryExecutionStatusInitialized}, domain.QueryExecutionStatusCancel)
	if err != nil {
		return fmt.Errorf("cancel query execution: %w", err)
	}
	live := s.cfg.Queue.Cancel(id)
	if ok {
		s.logger.Info("queued query execution cancelled", "execution_id", id)
		return nil
	}
	if !live {
		return domain.ErrConflict("query execution %q is not running on this worker", id)
	}
	s.logger.Info("query execution cancel requested", "execution_id", id)
	return nil
}

// ListStatements returns the statements of an execution that have started.
func (s *Service) ListStatements(ctx context.Context, id string) ([]domain.StatementExecution, error) {
	if _, err := s.cfg.Executions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.cfg.Statements.ListByExecution(ctx, id)
}

// ReadResult returns up to limit rows of a statement's stored result; the
// first record is the header. A non-positive limit reads everything.
func (s *Service) ReadResult(ctx context.Context, statementID string, limit int) ([][]string, error) {
	stmt, err := s.cfg.Statements.GetByID(ctx, statementID)
	if err != nil {
		return nil, err
	}
	if stmt.Status != domain.StatementExecutionStatusDone {
		return nil, domain.ErrConflict("statement %q has no result yet (status %s)", statementID, stmt.Status)
	}
	if stmt.ResultPath == "" {
		return [][]string{}, nil
	}
	r, err := s.cfg.Results.NewReader(stmt.ResultPath)
	if err != nil {
		return nil, err
	}
	n := 0
	if limit > 0 {
		n = limit + 1
	}
	return r.ReadCSV(ctx, n)
}

// ResultDownloadURL returns a time-limited link to the full result of a
// finished statement, along with the moment it stops working.
func (s *Service) ResultDownloadURL(ctx context.Context, statementID string, expiry time.Duration) (string, time.Time, error) {
	stmt, err := s.cfg.Statements.GetByID(ctx, statementID)
	if err != nil {
		return "", time.Time{}, err
	}
	if stmt.Status != domain.StatementExecutionStatusDone {
		return "", time.Time{}, domain.ErrConflict("statement %q has no result yet (status %s)", statementID, stmt.Status)
	}
	if stmt.ResultPath == "" {
		return "", time.Time{}, domain.ErrNotFound("statement %q returned no rows", statementID)
	}
	switch {
	case expiry <= 0:
		expiry = resultstore.DefaultDownloadExpiry
	case expiry > resultstore.MaxDownloadExpiry:
		expiry = resultstore.MaxDownloadExpiry
	}
	issued := time.Now()
	u, err := s.cfg.Results.DownloadURL(ctx, stmt.ResultPath, expiry)
	if err != nil {
		return "", time.Time{}, err
	}
	return u, issued.Add(expiry).UTC(), nil
}

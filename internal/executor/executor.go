// Package executor drives one query execution through its statements:
// INITIALIZED → DELIVERED → RUNNING → {DONE | ERROR | CANCEL}.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"querybook/internal/acl"
	"querybook/internal/domain"
	"querybook/internal/engine"
	"querybook/internal/resultstore"
	"querybook/internal/splitter"
)

// DefaultPollInterval is the sleep between two polls of a running statement.
const DefaultPollInterval = 5 * time.Second

// ErrCancelledByUser is the context cause that requests cancellation.
// Any other cause ends the execution with an internal error.
var ErrCancelledByUser = errors.New("cancelled by user")

// finalizeTimeout bounds persistence writes made after the run context ended.
const finalizeTimeout = 30 * time.Second

// Engine is the resolved engine an execution runs against.
type Engine struct {
	Settings engine.Settings
	Client   engine.Client
	// Tables authorises referenced tables. Nil allows every table.
	Tables        domain.TableChecker
	DefaultSchema string
}

// Recorder observes statement completion. It may be nil.
type Recorder interface {
	StatementFinished(engineType string, status domain.StatementExecutionStatus, d time.Duration)
}

// Deps groups the collaborators of a QueryExecutor.
type Deps struct {
	Executions   domain.QueryExecutionRepository
	Statements   domain.StatementExecutionRepository
	Errors       domain.QueryExecutionErrorRepository
	Results      *resultstore.Store
	Recorder     Recorder
	PollInterval time.Duration
}

// QueryExecutor runs the statements of one query execution sequentially.
// It is not safe to drive one executor from several goroutines; Progress,
// Status and Err may be read concurrently.
type QueryExecutor struct {
	execution *domain.QueryExecution
	engine    Engine
	deps      Deps
	logger    *slog.Logger

	mu       sync.Mutex
	status   domain.QueryExecutionStatus
	ranges   []splitter.Range
	index    int
	progress []float64
	err      *domain.ExecutionError

	cursor    engine.Cursor
	current   *domain.StatementExecution
	startedAt time.Time
	tracked   bool
}

// New creates an executor for execution. Start must be called first.
func New(execution *domain.QueryExecution, eng Engine, deps Deps, logger *slog.Logger) *QueryExecutor {
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	return &QueryExecutor{
		execution: execution,
		engine:    eng,
		deps:      deps,
		logger:    logger.With("execution_id", execution.ID, "engine", eng.Settings.ID),
		status:    domain.QueryExecutionStatusInitialized,
	}
}

// Status returns the last status the executor persisted.
func (e *QueryExecutor) Status() domain.QueryExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the failure that ended the execution, if any.
func (e *QueryExecutor) Err() *domain.ExecutionError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// StatementCount returns the number of statements to run.
func (e *QueryExecutor) StatementCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ranges)
}

// Progress returns overall progress in [0,100]: the mean of per-statement
// progress. It never decreases and is 100 only once the execution is DONE.
func (e *QueryExecutor) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == domain.QueryExecutionStatusDone {
		return 100
	}
	if len(e.progress) == 0 {
		return 0
	}
	var sum float64
	for _, p := range e.progress {
		sum += p
	}
	return min(sum/float64(len(e.progress)), 99)
}

func (e *QueryExecutor) setStatus(s domain.QueryExecutionStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// Start claims the execution, authorises the referenced tables, splits the
// script and moves the execution to RUNNING. It returns
// domain.ErrAlreadyExecuted when another task claimed the execution first.
// A disallowed table ends the execution in ERROR without running anything;
// Start then returns nil and Status reports the terminal state.
func (e *QueryExecutor) Start(ctx context.Context) error {
	ok, err := e.deps.Executions.TransitionStatus(ctx, e.execution.ID,
		[]domain.QueryExecutionStatus{domain.QueryExecutionStatusInitialized},
		domain.QueryExecutionStatusDelivered)
	if err != nil {
		if ctx.Err() != nil {
			return e.stop(ctx)
		}
		return fmt.Errorf("claim execution: %w", err)
	}
	if !ok {
		return domain.ErrAlreadyExecuted
	}
	e.setStatus(domain.QueryExecutionStatusDelivered)

	if e.engine.Tables != nil {
		tables := splitter.ReferencedTables(e.execution.Query, e.engine.DefaultSchema)
		if err := acl.Check(e.engine.Tables, tables); err != nil {
			return e.fail(ctx, classify(err))
		}
	}

	var ranges []splitter.Range
	if e.engine.Settings.SingleStatement {
		ranges = splitter.Whole(e.execution.Query)
	} else {
		ranges = splitter.Split(e.execution.Query)
	}
	e.mu.Lock()
	e.ranges = ranges
	e.progress = make([]float64, len(ranges))
	e.mu.Unlock()

	ok, err = e.deps.Executions.TransitionStatus(ctx, e.execution.ID,
		[]domain.QueryExecutionStatus{domain.QueryExecutionStatusDelivered},
		domain.QueryExecutionStatusRunning)
	if err != nil {
		if ctx.Err() != nil {
			return e.stop(ctx)
		}
		return fmt.Errorf("mark execution running: %w", err)
	}
	if !ok {
		// Cancelled or swept while queued.
		return e.reload(ctx)
	}
	e.setStatus(domain.QueryExecutionStatusRunning)
	e.logger.Info("execution started", "statements", len(ranges))

	if len(ranges) == 0 {
		return e.complete(ctx)
	}

	cur, err := e.engine.Client.Cursor(ctx)
	if err != nil {
		return e.abort(ctx, err)
	}
	e.cursor = cur
	return nil
}

// reload adopts the persisted status after a lost compare-and-set.
func (e *QueryExecutor) reload(ctx context.Context) error {
	row, err := e.deps.Executions.GetByID(ctx, e.execution.ID)
	if err != nil {
		return fmt.Errorf("reload execution: %w", err)
	}
	e.setStatus(row.Status)
	return nil
}

// Poll advances the execution by one tick: it honours cancellation, starts
// the next statement when none is running, polls the running one and, once
// it finished, uploads its result and starts the following statement. It
// returns true once the execution is terminal. Errors are reserved for
// failures to persist state; statement failures end the execution in ERROR.
func (e *QueryExecutor) Poll(ctx context.Context) (bool, error) {
	if e.Status().IsTerminal() {
		return true, nil
	}
	if ctx.Err() != nil {
		if err := e.stop(ctx); err != nil {
			return true, err
		}
		return true, nil
	}
	if e.cursor == nil {
		return true, e.fail(ctx, classify(errors.New("executor was not started")))
	}

	if e.current == nil {
		if err := e.startStatement(ctx); err != nil {
			return e.Status().IsTerminal(), err
		}
		if e.Status().IsTerminal() {
			return true, nil
		}
	}

	done, err := e.cursor.Poll(ctx)
	e.observeCursor(ctx)
	if err != nil {
		return true, e.abort(ctx, err)
	}
	if !done {
		return false, nil
	}

	if err := e.finishStatement(ctx); err != nil {
		return e.Status().IsTerminal(), err
	}
	if e.Status().IsTerminal() {
		return true, nil
	}
	if err := e.startStatement(ctx); err != nil {
		return e.Status().IsTerminal(), err
	}
	return e.Status().IsTerminal(), nil
}

// Run starts the execution and polls it to a terminal state, sleeping
// PollInterval between polls. The sleep ends early when ctx is done.
func (e *QueryExecutor) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(e.deps.PollInterval)
	defer timer.Stop()
	for {
		terminal, err := e.Poll(ctx)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
		timer.Reset(e.deps.PollInterval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// Close releases the engine cursor.
func (e *QueryExecutor) Close() error {
	if e.cursor == nil {
		return nil
	}
	return e.cursor.Close()
}

// startStatement creates the row of the next statement and submits it.
func (e *QueryExecutor) startStatement(ctx context.Context) error {
	e.mu.Lock()
	idx := e.index
	if idx >= len(e.ranges) {
		e.mu.Unlock()
		return nil
	}
	r := e.ranges[idx]
	e.mu.Unlock()

	stmt, err := e.deps.Statements.Create(ctx, &domain.StatementExecution{
		QueryExecutionID:    e.execution.ID,
		StatementIndex:      idx,
		StatementRangeStart: r.Start,
		StatementRangeEnd:   r.End,
		Status:              domain.StatementExecutionStatusRunning,
	})
	if err != nil {
		if ctx.Err() != nil {
			return e.stop(ctx)
		}
		return fmt.Errorf("create statement execution: %w", err)
	}
	e.current = stmt
	e.startedAt = time.Now()
	e.tracked = false
	e.logger.Debug("statement started", "statement_index", idx, "statement_id", stmt.ID)

	if err := e.cursor.Run(ctx, r.Of(e.execution.Query)); err != nil {
		return e.abort(ctx, err)
	}
	return nil
}

// observeCursor records progress and the tracking URL of the running statement.
func (e *QueryExecutor) observeCursor(ctx context.Context) {
	pct := e.cursor.PercentComplete()
	if pct < 0 {
		pct = 0
	}
	e.mu.Lock()
	// A running statement never reports full progress.
	pct = min(pct, 99)
	if e.index < len(e.progress) && pct > e.progress[e.index] {
		e.progress[e.index] = pct
	}
	e.mu.Unlock()

	if !e.tracked {
		if url := e.cursor.TrackingURL(); url != "" {
			e.tracked = true
			if err := e.deps.Statements.SetTrackingURL(ctx, e.current.ID, url); err != nil {
				e.logger.Warn("save tracking url", "error", err)
			}
		}
	}
}

// finishStatement uploads the result of the current statement, marks it DONE
// and completes the execution after the last statement.
func (e *QueryExecutor) finishStatement(ctx context.Context) error {
	stmt := e.current
	rowCount, path, err := e.upload(ctx, stmt)
	if err != nil {
		return e.abort(ctx, err)
	}
	if err := e.deps.Statements.Finish(ctx, stmt.ID, domain.StatementExecutionStatusDone, rowCount, path); err != nil {
		if ctx.Err() != nil {
			return e.stop(ctx)
		}
		return fmt.Errorf("finish statement execution: %w", err)
	}
	e.record(domain.StatementExecutionStatusDone)
	e.logger.Debug("statement done", "statement_index", stmt.StatementIndex, "rows", rowCount)

	e.mu.Lock()
	e.progress[e.index] = 100
	e.index++
	last := e.index >= len(e.ranges)
	e.mu.Unlock()
	e.current = nil

	if last {
		return e.complete(ctx)
	}
	return nil
}

// complete marks the execution DONE.
func (e *QueryExecutor) complete(ctx context.Context) error {
	ok, err := e.deps.Executions.TransitionStatus(ctx, e.execution.ID,
		[]domain.QueryExecutionStatus{domain.QueryExecutionStatusRunning},
		domain.QueryExecutionStatusDone)
	if err != nil {
		if ctx.Err() != nil {
			return e.stop(ctx)
		}
		return fmt.Errorf("mark execution done: %w", err)
	}
	if !ok {
		return e.reload(ctx)
	}
	e.setStatus(domain.QueryExecutionStatusDone)
	e.logger.Info("execution done")
	return nil
}

// abort ends the execution after a failed engine or result call. When the
// run context ended meanwhile, the failure is a symptom and the context's
// cause decides the outcome.
func (e *QueryExecutor) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return e.stop(ctx)
	}
	return e.fail(ctx, classify(err))
}

// stop ends the execution after ctx finished: a user cancel becomes CANCEL,
// anything else (e.g. the time limit) an internal error.
func (e *QueryExecutor) stop(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelledByUser) {
		return e.Cancel(ctx)
	}
	e.cancelCursor(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return e.fail(ctx, &domain.ExecutionError{
		Kind:    domain.ErrorKindInternal,
		Message: cause.Error(),
		Detail:  fmt.Sprintf("%+v", withStack(cause)),
		Err:     cause,
	})
}

func (e *QueryExecutor) cancelCursor(ctx context.Context) {
	if e.cursor == nil {
		return
	}
	cctx, cancel := writeContext(ctx)
	defer cancel()
	if err := e.cursor.Cancel(cctx); err != nil {
		e.logger.Warn("cancel statement", "error", err)
	}
}

// Cancel aborts the running statement and marks it and the execution
// CANCEL. No further statement starts.
func (e *QueryExecutor) Cancel(ctx context.Context) error {
	if e.Status().IsTerminal() {
		return nil
	}
	e.cancelCursor(ctx)

	wctx, cancel := writeContext(ctx)
	defer cancel()

	if e.current != nil {
		if err := e.deps.Statements.Finish(wctx, e.current.ID, domain.StatementExecutionStatusCancel, 0, ""); err != nil {
			return fmt.Errorf("cancel statement execution: %w", err)
		}
		e.record(domain.StatementExecutionStatusCancel)
		e.current = nil
	}
	ok, err := e.deps.Executions.TransitionStatus(wctx, e.execution.ID,
		domain.UnfinishedQueryExecutionStatuses, domain.QueryExecutionStatusCancel)
	if err != nil {
		return fmt.Errorf("cancel execution: %w", err)
	}
	if !ok {
		return e.reload(wctx)
	}
	e.mu.Lock()
	e.status = domain.QueryExecutionStatusCancel
	e.err = &domain.ExecutionError{Kind: domain.ErrorKindCancelled, Message: ErrCancelledByUser.Error()}
	e.mu.Unlock()
	e.logger.Info("execution cancelled")
	return nil
}

// fail records ee as the execution's error and marks the current statement
// and the execution ERROR.
func (e *QueryExecutor) fail(ctx context.Context, ee *domain.ExecutionError) error {
	if ee.Kind == domain.ErrorKindCancelled {
		return e.Cancel(ctx)
	}

	wctx, cancel := writeContext(ctx)
	defer cancel()

	if e.current != nil {
		if err := e.deps.Statements.Finish(wctx, e.current.ID, domain.StatementExecutionStatusError, 0, ""); err != nil {
			return fmt.Errorf("fail statement execution: %w", err)
		}
		e.record(domain.StatementExecutionStatusError)
		e.current = nil
	}
	ok, err := e.deps.Executions.TransitionStatus(wctx, e.execution.ID,
		domain.UnfinishedQueryExecutionStatuses, domain.QueryExecutionStatusError)
	if err != nil {
		return fmt.Errorf("mark execution failed: %w", err)
	}
	if !ok {
		// Already cancelled or swept; the error belongs to nobody.
		return e.reload(wctx)
	}
	if err := e.deps.Errors.Create(wctx, ee.Record(e.execution.ID)); err != nil {
		return fmt.Errorf("save execution error: %w", err)
	}

	e.mu.Lock()
	e.status = domain.QueryExecutionStatusError
	e.err = ee
	e.mu.Unlock()
	e.logger.Warn("execution failed", "kind", ee.Kind, "line", ee.Line, "error", ee.Message)
	return nil
}

func (e *QueryExecutor) record(status domain.StatementExecutionStatus) {
	if e.deps.Recorder != nil {
		e.deps.Recorder.StatementFinished(e.engine.Settings.Type, status, time.Since(e.startedAt))
	}
}

// writeContext returns a context for persistence that survives the end of
// the run context.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

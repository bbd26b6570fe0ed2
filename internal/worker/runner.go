// Package worker owns the lifecycle of query executions on background tasks:
// it builds an executor per execution, drives it to a terminal state and
// finalizes the persisted row whatever happened.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"querybook/internal/domain"
	"querybook/internal/engine"
	"querybook/internal/executor"
	"querybook/internal/resultstore"
	"querybook/internal/splitter"
)

// DefaultTimeLimit is the wall-clock budget of one execution.
const DefaultTimeLimit = 48 * time.Hour

// CompletionTemplate is the notification template sent when an execution ends.
const CompletionTemplate = "query_execution_completed"

// ErrTimeLimit is the context cause once an execution exceeds its time limit.
var ErrTimeLimit = errors.New("execution exceeded time limit")

const (
	notCompletedMessage = "executor not completed when exit"
	finalizeTimeout     = 30 * time.Second
)

// EngineConfig is the resolved configuration of one engine.
type EngineConfig struct {
	Settings      engine.Settings
	Tables        domain.TableChecker
	DefaultSchema string
}

// EngineResolver looks up engine configuration by engine id.
type EngineResolver interface {
	ResolveEngine(id string) (EngineConfig, error)
}

// EngineResolverFunc adapts a function to EngineResolver.
type EngineResolverFunc func(id string) (EngineConfig, error)

// ResolveEngine implements EngineResolver.
func (f EngineResolverFunc) ResolveEngine(id string) (EngineConfig, error) { return f(id) }

// Recorder observes execution lifecycles. It may be nil.
type Recorder interface {
	executor.Recorder
	ExecutionStarted(engineType string)
	ExecutionFinished(engineType string, status domain.QueryExecutionStatus, kind domain.ErrorKind)
}

// RunnerConfig groups the collaborators of a Runner.
type RunnerConfig struct {
	Executions   domain.QueryExecutionRepository
	Statements   domain.StatementExecutionRepository
	Errors       domain.QueryExecutionErrorRepository
	Tables       domain.QueryExecutionTableRepository
	Results      *resultstore.Store
	Registry     *engine.Registry
	Engines      EngineResolver
	Notifier     domain.Notifier
	Recorder     Recorder
	PollInterval time.Duration
	TimeLimit    time.Duration
}

// Runner runs one execution to completion per call to Run.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger

	// side effects fired after completion
	wg sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = DefaultTimeLimit
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "worker")}
}

// Run executes the query execution with the given id. A duplicate dispatch
// of an execution that was already claimed is a no-op and returns nil. On
// every other exit path the execution is left in a terminal status.
func (r *Runner) Run(ctx context.Context, executionID string) error {
	return r.run(ctx, executionID, nil)
}

// Wait blocks until fire-and-forget side effects started by Run finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, executionID string, track func(*executor.QueryExecutor)) (err error) {
	logger := r.logger.With("execution_id", executionID)

	execution, err := r.cfg.Executions.GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, r.cfg.TimeLimit, ErrTimeLimit)
	defer cancel()

	var (
		ex         *executor.QueryExecutor
		engineType string
	)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("execution task panicked", "panic", rec)
			err = fmt.Errorf("execution task panicked: %v", rec)
		}
		r.finalize(ctx, execution, ex, engineType, err)
		if errors.Is(err, domain.ErrAlreadyExecuted) {
			logger.Info("execution already claimed, skipping")
			err = nil
		}
	}()

	cfg, err := r.cfg.Engines.ResolveEngine(execution.EngineID)
	if err != nil {
		return fmt.Errorf("resolve engine %q: %w", execution.EngineID, err)
	}
	settings := cfg.Settings.WithProxyUser(execution.UID)
	engineType = settings.Type

	client, err := r.cfg.Registry.NewClient(ctx, settings)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	ex = executor.New(execution, executor.Engine{
		Settings:      settings,
		Client:        client,
		Tables:        cfg.Tables,
		DefaultSchema: cfg.DefaultSchema,
	}, executor.Deps{
		Executions:   r.cfg.Executions,
		Statements:   r.cfg.Statements,
		Errors:       r.cfg.Errors,
		Results:      r.cfg.Results,
		Recorder:     r.cfg.Recorder,
		PollInterval: r.cfg.PollInterval,
	}, r.logger)
	defer ex.Close() //nolint:errcheck
	if track != nil {
		track(ex)
	}

	if r.cfg.Recorder != nil {
		r.cfg.Recorder.ExecutionStarted(engineType)
	}
	return ex.Run(ctx)
}

// finalize guarantees a terminal status, then notifies the owner and, on
// success, records the tables the script touched.
func (r *Runner) finalize(ctx context.Context, execution *domain.QueryExecution, ex *executor.QueryExecutor, engineType string, runErr error) {
	if errors.Is(runErr, domain.ErrAlreadyExecuted) {
		if r.cfg.Recorder != nil && ex != nil {
			r.cfg.Recorder.ExecutionFinished(engineType, "", domain.ErrorKindAlreadyExecuted)
		}
		return
	}
	logger := r.logger.With("execution_id", execution.ID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	// Without a claim only a still-queued row may be failed; anything further
	// along belongs to another task.
	from := []domain.QueryExecutionStatus{domain.QueryExecutionStatusInitialized}
	if ex != nil && ex.Status() != domain.QueryExecutionStatusInitialized {
		from = domain.UnfinishedQueryExecutionStatuses
	}
	forced, err := r.forceError(ctx, execution.ID, from, runErr)
	if err != nil {
		logger.Error("finalize execution", "error", err)
	}
	if forced {
		logger.Warn("execution forced to error", "error", runErr)
	}

	row, err := r.cfg.Executions.GetByID(ctx, execution.ID)
	if err != nil {
		logger.Error("load final execution", "error", err)
		return
	}
	if !row.Status.IsTerminal() {
		return
	}

	if r.cfg.Recorder != nil && ex != nil {
		kind := domain.ErrorKind("")
		if forced {
			kind = domain.ErrorKindInternal
		} else if ee := ex.Err(); ee != nil {
			kind = ee.Kind
		}
		r.cfg.Recorder.ExecutionFinished(engineType, row.Status, kind)
	}

	if r.cfg.Notifier != nil {
		params := map[string]any{
			"query_execution_id": row.ID,
			"engine_id":          row.EngineID,
			"status":             string(row.Status),
		}
		if err := r.cfg.Notifier.Notify(ctx, row.UID, CompletionTemplate, params); err != nil {
			logger.Warn("send completion notification", "error", err)
		}
	}

	if row.Status == domain.QueryExecutionStatusDone && r.cfg.Tables != nil {
		defaultSchema := ""
		if cfg, err := r.cfg.Engines.ResolveEngine(row.EngineID); err == nil {
			defaultSchema = cfg.DefaultSchema
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.recordTables(row, defaultSchema)
		}()
	}
}

// forceError moves the execution from one of the given statuses to ERROR and
// fails its unfinished statements. It reports whether the row changed.
func (r *Runner) forceError(ctx context.Context, executionID string, from []domain.QueryExecutionStatus, cause error) (bool, error) {
	ok, err := r.cfg.Executions.TransitionStatus(ctx, executionID, from, domain.QueryExecutionStatusError)
	if err != nil || !ok {
		return false, err
	}
	if _, err := r.cfg.Statements.FinishUnfinished(ctx, executionID, domain.StatementExecutionStatusError); err != nil {
		return true, fmt.Errorf("fail statements: %w", err)
	}
	detail := notCompletedMessage
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", notCompletedMessage, cause)
	}
	rec := &domain.QueryExecutionError{
		QueryExecutionID:      executionID,
		ErrorType:             domain.ErrorKindInternal,
		ErrorMessageExtracted: notCompletedMessage,
		ErrorMessage:          detail,
	}
	if err := r.cfg.Errors.Create(ctx, rec); err != nil {
		return true, fmt.Errorf("save execution error: %w", err)
	}
	return true, nil
}

func (r *Runner) recordTables(execution *domain.QueryExecution, defaultSchema string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	tables := splitter.ReferencedTables(execution.Query, defaultSchema)
	if len(tables) == 0 {
		return
	}
	if err := r.cfg.Tables.Record(ctx, execution.ID, tables); err != nil {
		r.logger.Warn("record tables touched", "execution_id", execution.ID, "error", err)
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"querybook/internal/domain"
	"querybook/internal/executor"
)

// DefaultConcurrency is the number of executions a Pool runs at once.
const DefaultConcurrency = 8

// ErrShutdown is the context cause of tasks interrupted by Pool.Shutdown.
var ErrShutdown = errors.New("worker shutting down")

// ErrPoolClosed is returned by Enqueue after Shutdown.
var ErrPoolClosed = errors.New("worker pool is closed")

var _ domain.TaskInspector = (*Pool)(nil)

// Pool runs executions on background goroutines with bounded concurrency.
// At most one task is live per execution id; enqueueing an execution that
// already has a live task returns that task's id.
type Pool struct {
	runner     *Runner
	executions domain.QueryExecutionRepository
	sem        *semaphore.Weighted
	logger     *slog.Logger

	ctx  context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[string]*task // execution id → task
}

type task struct {
	id          string
	executionID string
	cancel      context.CancelCauseFunc

	mu       sync.Mutex
	executor *executor.QueryExecutor
}

func (t *task) track(ex *executor.QueryExecutor) {
	t.mu.Lock()
	t.executor = ex
	t.mu.Unlock()
}

// NewPool creates a Pool running at most concurrency executions at once.
func NewPool(runner *Runner, executions domain.QueryExecutionRepository, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	ctx, stop := context.WithCancelCause(context.Background())
	return &Pool{
		runner:     runner,
		executions: executions,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		logger:     logger.With("component", "worker-pool"),
		ctx:        ctx,
		stop:       stop,
		tasks:      make(map[string]*task),
	}
}

// Enqueue schedules the execution and returns the id of its task. The task
// id is persisted on the execution so the recovery sweep can tell live
// executions from orphans.
func (p *Pool) Enqueue(ctx context.Context, executionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrPoolClosed
	}
	if t, ok := p.tasks[executionID]; ok {
		return t.id, nil
	}

	taskID := domain.NewID()
	if err := p.executions.SetTaskID(ctx, executionID, taskID); err != nil {
		return "", fmt.Errorf("assign task: %w", err)
	}

	tctx, cancel := context.WithCancelCause(p.ctx)
	t := &task{id: taskID, executionID: executionID, cancel: cancel}
	p.tasks[executionID] = t
	p.wg.Add(1)
	go p.run(tctx, t)

	p.logger.Debug("execution enqueued", "execution_id", executionID, "task_id", taskID)
	return taskID, nil
}

func (p *Pool) run(ctx context.Context, t *task) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.tasks, t.executionID)
		p.mu.Unlock()
		t.cancel(nil)
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.cancelQueued(ctx, t)
		return
	}
	defer p.sem.Release(1)

	if err := p.runner.run(ctx, t.executionID, t.track); err != nil {
		p.logger.Error("execution task failed", "execution_id", t.executionID, "task_id", t.id, "error", err)
	}
}

// cancelQueued handles a task cancelled before it got a slot. A user cancel
// ends the still-queued execution directly; a shutdown leaves it for the
// recovery sweep.
func (p *Pool) cancelQueued(ctx context.Context, t *task) {
	if !errors.Is(context.Cause(ctx), executor.ErrCancelledByUser) {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	_, err := p.executions.TransitionStatus(wctx, t.executionID,
		[]domain.QueryExecutionStatus{domain.QueryExecutionStatusInitialized}, domain.QueryExecutionStatusCancel)
	if err != nil {
		p.logger.Warn("cancel queued execution", "execution_id", t.executionID, "error", err)
	}
}

// ActiveTaskIDs implements domain.TaskInspector: the ids of every task that
// is running or waiting for a slot.
func (p *Pool) ActiveTaskIDs(_ context.Context) (map[string]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make(map[string]struct{}, len(p.tasks))
	for _, t := range p.tasks {
		ids[t.id] = struct{}{}
	}
	return ids, nil
}

// Cancel requests cancellation of the execution's task. It reports whether
// a live task was found.
func (p *Pool) Cancel(executionID string) bool {
	p.mu.Lock()
	t, ok := p.tasks[executionID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(executor.ErrCancelledByUser)
	return true
}

// Progress returns the live progress of a running execution.
func (p *Pool) Progress(executionID string) (float64, bool) {
	p.mu.Lock()
	t, ok := p.tasks[executionID]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	ex := t.executor
	t.mu.Unlock()
	if ex == nil {
		return 0, false
	}
	return ex.Progress(), true
}

// Shutdown stops accepting work and waits for running tasks. When ctx ends
// first, remaining tasks are interrupted with ErrShutdown and awaited.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("interrupting running executions")
		p.stop(ErrShutdown)
		<-done
		err = ctx.Err()
	}
	p.runner.Wait()
	return err
}

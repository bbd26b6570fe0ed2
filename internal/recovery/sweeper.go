// Package recovery fails query executions whose worker task disappeared,
// e.g. after a crash or restart.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"querybook/internal/domain"
)

const (
	// DefaultSchedule runs the sweep every five minutes.
	DefaultSchedule = "@every 5m"
	// DefaultGrace leaves young executions alone so a task that was just
	// enqueued is never mistaken for an orphan.
	DefaultGrace = 20 * time.Minute
)

const restartMessage = "cancelled due to server restart"

// Sweeper reconciles unfinished executions against the live worker tasks.
type Sweeper struct {
	executions domain.QueryExecutionRepository
	statements domain.StatementExecutionRepository
	errors     domain.QueryExecutionErrorRepository
	tasks      domain.TaskInspector
	grace      time.Duration
	now        func() time.Time
	logger     *slog.Logger
	cron       *cron.Cron
	observe    func(failed int)
}

// NewSweeper creates a Sweeper. A non-positive grace uses DefaultGrace.
func NewSweeper(
	executions domain.QueryExecutionRepository,
	statements domain.StatementExecutionRepository,
	errors domain.QueryExecutionErrorRepository,
	tasks domain.TaskInspector,
	grace time.Duration,
	logger *slog.Logger,
) *Sweeper {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Sweeper{
		executions: executions,
		statements: statements,
		errors:     errors,
		tasks:      tasks,
		grace:      grace,
		now:        time.Now,
		logger:     logger.With("component", "recovery"),
		cron:       cron.New(),
	}
}

// SetObserver registers a callback receiving the count of each scheduled
// sweep that failed executions.
func (s *Sweeper) SetObserver(f func(failed int)) {
	s.observe = f
}

// Sweep fails every unfinished execution older than the grace period whose
// task is not live. It returns the number of executions it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.executions.ListUnfinished(ctx, s.now().Add(-s.grace))
	if err != nil {
		return 0, fmt.Errorf("list unfinished executions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	live, err := s.tasks.ActiveTaskIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	failed := 0
	for _, e := range stale {
		if _, ok := live[e.TaskID]; ok && e.TaskID != "" {
			continue
		}
		ok, err := s.fail(ctx, e.ID)
		if err != nil {
			return failed, err
		}
		if ok {
			failed++
			s.logger.Warn("orphaned execution failed",
				"execution_id", e.ID,
				"task_id", e.TaskID,
				"status", e.Status,
			)
		}
	}
	return failed, nil
}

// fail force-transitions one execution to ERROR. The compare-and-set makes
// sure a row is failed at most once even when sweeps overlap.
func (s *Sweeper) fail(ctx context.Context, id string) (bool, error) {
	ok, err := s.executions.TransitionStatus(ctx, id, domain.UnfinishedQueryExecutionStatuses, domain.QueryExecutionStatusError)
	if err != nil {
		return false, fmt.Errorf("fail execution %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	if _, err := s.statements.FinishUnfinished(ctx, id, domain.StatementExecutionStatusError); err != nil {
		return true, fmt.Errorf("fail statements of %s: %w", id, err)
	}
	rec := &domain.QueryExecutionError{
		QueryExecutionID:      id,
		ErrorType:             domain.ErrorKindCancelled,
		ErrorMessageExtracted: restartMessage,
		ErrorMessage:          restartMessage,
	}
	if err := s.errors.Create(ctx, rec); err != nil {
		return true, fmt.Errorf("save error of %s: %w", id, err)
	}
	return true, nil
}

// Start schedules Sweep on the cron schedule (e.g. "@every 5m").
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		n, err := s.Sweep(context.Background())
		if err != nil {
			s.logger.Warn("recovery sweep failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("recovery sweep finished", "failed", n)
			if s.observe != nil {
				s.observe(n)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.Info("recovery sweeper started", "schedule", schedule, "grace", s.grace)
	return nil
}

// Stop stops the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("recovery sweeper stopped")
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"querybook/internal/domain"
)

var (
	_ Client = (*DBAPIClient)(nil)
	_ Cursor = (*dbapiCursor)(nil)
)

// DBAPIClient runs statements through any registered database/sql driver.
// The statement runs on a goroutine; Poll observes its completion.
type DBAPIClient struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDBAPIClient opens the driver named by the "driver" parameter with the
// rendered "connection_string" template and waits for a successful ping.
func NewDBAPIClient(ctx context.Context, s Settings, logger *slog.Logger) (Client, error) {
	driver := s.Params.String(ParamDriver, "")
	if driver == "" {
		return nil, domain.ErrValidation("engine %q: driver parameter is required", s.ID)
	}
	if !slices.Contains(sql.Drivers(), driver) {
		return nil, domain.ErrValidation("engine %q: unsupported driver %q", s.ID, driver)
	}
	dsn, err := s.Params.Render(s.Params.String(ParamConnectionString, ""))
	if err != nil {
		return nil, domain.ErrValidation("engine %q: %v", s.ID, err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &ConnectionError{Engine: s.ID, Err: err}
	}
	if n := s.Params.Int("max_open_conns", 0); n > 0 {
		db.SetMaxOpenConns(n)
	}
	if err := connect(ctx, s, logger, db.PingContext); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewDBAPIClientFromDB(db, logger), nil
}

// NewDBAPIClientFromDB wraps an open database handle.
func NewDBAPIClientFromDB(db *sql.DB, logger *slog.Logger) *DBAPIClient {
	return &DBAPIClient{db: db, logger: logger}
}

// Cursor pins one connection so consecutive statements share a session.
func (c *DBAPIClient) Cursor(ctx context.Context) (Cursor, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &dbapiCursor{conn: conn, logger: c.logger}, nil
}

// Close closes the underlying database handle.
func (c *DBAPIClient) Close() error {
	return c.db.Close()
}

type dbapiCursor struct {
	conn   *sql.Conn
	logger *slog.Logger

	mu        sync.Mutex
	done      chan struct{}
	cancel    context.CancelCauseFunc
	cancelled bool
	rows      *sql.Rows
	columns   []string
	err       error
}

func (c *dbapiCursor) Run(ctx context.Context, statement string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running() {
		return errors.New("cursor: a statement is already running")
	}
	c.closeRows()

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	c.done, c.cancel, c.cancelled = done, cancel, false
	c.columns, c.err = nil, nil

	go func() {
		defer close(done)
		rows, err := c.conn.QueryContext(runCtx, statement)
		var cols []string
		if err == nil {
			cols, err = rows.Columns()
			if err == nil && len(cols) == 0 {
				// Some drivers only step a statement on Next; drain so DDL
				// and DML without a result set actually execute.
				for rows.Next() {
				}
				err = rows.Err()
			}
			if err != nil || len(cols) == 0 {
				_ = rows.Close()
				rows = nil
			}
		}
		c.mu.Lock()
		c.rows, c.columns, c.err = rows, cols, err
		c.mu.Unlock()
	}()
	return nil
}

// running reports whether a submitted statement has not returned yet.
// Callers hold c.mu.
func (c *dbapiCursor) running() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *dbapiCursor) Poll(_ context.Context) (bool, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return false, errors.New("cursor: no statement submitted")
	}

	select {
	case <-done:
	default:
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.err == nil:
		return true, nil
	case c.cancelled || errors.Is(c.err, context.Canceled):
		return false, ErrCancelled
	default:
		return false, NewQueryError(c.err)
	}
}

func (c *dbapiCursor) Cancel(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancelled = true
		c.cancel(ErrCancelled)
	}
	return nil
}

func (c *dbapiCursor) Columns() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.columns, len(c.columns) > 0
}

func (c *dbapiCursor) NextRow(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		return nil, io.EOF
	}
	if !c.rows.Next() {
		err := c.rows.Err()
		c.closeRows()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	values := make([]any, len(c.columns))
	ptrs := make([]any, len(c.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

func (c *dbapiCursor) PercentComplete() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil || c.running() {
		return 0
	}
	return 100
}

// TrackingURL is always empty; database/sql exposes no job link.
func (c *dbapiCursor) TrackingURL() string { return "" }

func (c *dbapiCursor) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel(ErrCancelled)
	}
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeRows()
	return c.conn.Close()
}

// closeRows releases the current result set. Callers hold c.mu.
func (c *dbapiCursor) closeRows() {
	if c.rows != nil {
		if err := c.rows.Close(); err != nil {
			c.logger.Debug("close rows", "error", err)
		}
		c.rows = nil
	}
}

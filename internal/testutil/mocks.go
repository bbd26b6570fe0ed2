// Package testutil provides shared fakes of engine and domain interfaces for
// use in tests across the codebase.
package testutil

import (
	"context"
	"io"
	"sync"

	"querybook/internal/domain"
	"querybook/internal/engine"
)

// === Scripted engine ===

// StubStatement scripts how a StubEngine cursor answers for one statement.
type StubStatement struct {
	// Percents is reported on successive polls; the statement completes on
	// poll len(Percents) (or the first poll when empty).
	Percents    []float64
	Columns     []string
	Rows        [][]any
	Err         error // returned by the completing poll instead of success
	RunErr      error // returned by Run
	TrackingURL string
	// Block keeps the statement running until it is cancelled.
	Block bool
}

// StubEngine implements engine.Client with scripted statements and records
// what was run.
type StubEngine struct {
	mu         sync.Mutex
	Statements map[string]StubStatement // keyed by statement text
	Default    StubStatement
	CursorErr  error

	ran        []string
	cancels    int
	running    int
	maxRunning int
	closed     bool
}

var _ engine.Client = (*StubEngine)(nil)

// Cursor implements engine.Client.
func (s *StubEngine) Cursor(_ context.Context) (engine.Cursor, error) {
	if s.CursorErr != nil {
		return nil, s.CursorErr
	}
	return &stubCursor{eng: s}, nil
}

// Close implements engine.Client.
func (s *StubEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ran returns the submitted statements in order.
func (s *StubEngine) Ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ran...)
}

// Cancels returns how many times a running statement was cancelled.
func (s *StubEngine) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// MaxRunning returns the largest number of statements that ran at once.
func (s *StubEngine) MaxRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning
}

func (s *StubEngine) script(statement string) StubStatement {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.Statements[statement]; ok {
		return st
	}
	return s.Default
}

type stubCursor struct {
	eng       *StubEngine
	st        StubStatement
	polls     int
	rows      [][]any
	active    bool
	finished  bool
	cancelled bool
}

func (c *stubCursor) setActive(active bool) {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if active == c.active {
		return
	}
	c.active = active
	if active {
		c.eng.running++
		c.eng.maxRunning = max(c.eng.maxRunning, c.eng.running)
	} else {
		c.eng.running--
	}
}

func (c *stubCursor) Run(_ context.Context, statement string) error {
	st := c.eng.script(statement)
	c.eng.mu.Lock()
	c.eng.ran = append(c.eng.ran, statement)
	c.eng.mu.Unlock()
	if st.RunErr != nil {
		return st.RunErr
	}
	c.st, c.polls, c.finished, c.cancelled = st, 0, false, false
	c.rows = append([][]any(nil), st.Rows...)
	c.setActive(true)
	return nil
}

func (c *stubCursor) Poll(_ context.Context) (bool, error) {
	if c.cancelled {
		return false, engine.ErrCancelled
	}
	if c.finished {
		return true, nil
	}
	c.polls++
	if c.st.Block {
		return false, nil
	}
	if c.polls < max(len(c.st.Percents), 1) {
		return false, nil
	}
	c.finished = true
	c.setActive(false)
	if c.st.Err != nil {
		return false, c.st.Err
	}
	return true, nil
}

func (c *stubCursor) Cancel(_ context.Context) error {
	c.cancelled = true
	c.setActive(false)
	c.eng.mu.Lock()
	c.eng.cancels++
	c.eng.mu.Unlock()
	return nil
}

func (c *stubCursor) Columns() ([]string, bool) {
	return c.st.Columns, len(c.st.Columns) > 0
}

func (c *stubCursor) NextRow(_ context.Context) ([]any, error) {
	if len(c.rows) == 0 {
		return nil, io.EOF
	}
	row := c.rows[0]
	c.rows = c.rows[1:]
	return row, nil
}

func (c *stubCursor) PercentComplete() float64 {
	if c.polls == 0 || len(c.st.Percents) == 0 {
		if c.finished {
			return 100
		}
		return 0
	}
	return c.st.Percents[min(c.polls, len(c.st.Percents))-1]
}

func (c *stubCursor) TrackingURL() string {
	if c.polls == 0 {
		return ""
	}
	return c.st.TrackingURL
}

func (c *stubCursor) Close() error {
	c.setActive(false)
	return nil
}

// === Notifier Mock ===

// Notification is one call recorded by MockNotifier.
type Notification struct {
	UID      string
	Template string
	Params   map[string]any
}

// MockNotifier implements domain.Notifier for testing.
type MockNotifier struct {
	NotifyFn func(ctx context.Context, uid, templateName string, params map[string]any) error

	mu   sync.Mutex
	sent []Notification
}

var _ domain.Notifier = (*MockNotifier)(nil)

// Notify implements the interface method for testing.
func (m *MockNotifier) Notify(ctx context.Context, uid, templateName string, params map[string]any) error {
	m.mu.Lock()
	m.sent = append(m.sent, Notification{UID: uid, Template: templateName, Params: params})
	m.mu.Unlock()
	if m.NotifyFn != nil {
		return m.NotifyFn(ctx, uid, templateName, params)
	}
	return nil
}

// Sent returns the recorded notifications.
func (m *MockNotifier) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// === Task Inspector Mock ===

// MockTaskInspector implements domain.TaskInspector for testing.
type MockTaskInspector struct {
	ActiveTaskIDsFn func(ctx context.Context) (map[string]struct{}, error)
}

var _ domain.TaskInspector = (*MockTaskInspector)(nil)

// ActiveTaskIDs implements the interface method for testing.
func (m *MockTaskInspector) ActiveTaskIDs(ctx context.Context) (map[string]struct{}, error) {
	if m.ActiveTaskIDsFn != nil {
		return m.ActiveTaskIDsFn(ctx)
	}
	panic("unexpected call to MockTaskInspector.ActiveTaskIDs")
}

// === Table Checker Mock ===

// MockTableChecker implements domain.TableChecker for testing.
type MockTableChecker struct {
	IsTableValidFn func(schema, table string) bool
}

var _ domain.TableChecker = (*MockTableChecker)(nil)

// IsTableValid implements the interface method for testing.
func (m *MockTableChecker) IsTableValid(schema, table string) bool {
	if m.IsTableValidFn != nil {
		return m.IsTableValidFn(schema, table)
	}
	return true
}

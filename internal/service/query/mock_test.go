package query

import (
	"context"
	"sync"
)

// === Queue Mock ===

type mockQueue struct {
	enqueueFn  func(ctx context.Context, executionID string) (string, error)
	cancelFn   func(executionID string) bool
	progressFn func(executionID string) (float64, bool)

	mu       sync.Mutex
	enqueued []string
}

func (m *mockQueue) Enqueue(ctx context.Context, executionID string) (string, error) {
	m.mu.Lock()
	m.enqueued = append(m.enqueued, executionID)
	m.mu.Unlock()
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, executionID)
	}
	return "task-" + executionID, nil
}

func (m *mockQueue) Cancel(executionID string) bool {
	if m.cancelFn != nil {
		return m.cancelFn(executionID)
	}
	return false
}

func (m *mockQueue) Progress(executionID string) (float64, bool) {
	if m.progressFn != nil {
		return m.progressFn(executionID)
	}
	return 0, false
}

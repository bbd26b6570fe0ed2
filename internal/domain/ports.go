package domain

import "context"

// TableChecker decides whether a table may be queried on an engine's metastore.
// Implemented by acl.Checker.
type TableChecker interface {
	IsTableValid(schema, table string) bool
}

// Notifier delivers completion notifications. Implementations must not block
// the caller for long; delivery failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, uid, templateName string, params map[string]any) error
}

// TaskInspector lists task ids currently active or reserved in the worker fleet.
// Implemented by worker.Pool.
type TaskInspector interface {
	ActiveTaskIDs(ctx context.Context) (map[string]struct{}, error)
}

package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"querybook/internal/domain"
)

// Factory constructs a Client for one configured engine.
type Factory func(ctx context.Context, s Settings, logger *slog.Logger) (Client, error)

// Registry maps engine type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With("component", "engine-registry"),
	}
}

// NewDefaultRegistry creates a registry with the built-in engines.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register("dbapi", NewDBAPIClient)
	r.Register("presto", NewPrestoClient)
	r.Register("trino", NewTrinoClient)
	r.Register("bigquery", NewBigQueryClient)
	return r
}

// Register binds tag to f, replacing any previous binding.
func (r *Registry) Register(tag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = f
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// NewClient constructs a client for s.
func (r *Registry) NewClient(ctx context.Context, s Settings) (Client, error) {
	r.mu.RLock()
	f, ok := r.factories[s.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrValidation("unknown engine type %q for engine %q", s.Type, s.ID)
	}
	c, err := f(ctx, s, r.logger.With("engine", s.ID))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// connect retries op with exponential backoff until it succeeds or the
// engine's connect timeout elapses.
func connect(ctx context.Context, s Settings, logger *slog.Logger, op func(ctx context.Context) error) error {
	timeout := s.Params.Duration(ParamConnectTimeout, DefaultConnectTimeout)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = timeout

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := backoff.RetryNotify(func() error {
		return op(connectCtx)
	}, backoff.WithContext(b, connectCtx), func(err error, next time.Duration) {
		logger.Warn("engine connection failed, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		return &ConnectionError{Engine: s.ID, Err: err}
	}
	return nil
}

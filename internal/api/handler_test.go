package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querybook/internal/domain"
	"querybook/internal/engine"
	"querybook/internal/middleware"
	"querybook/internal/service/query"
)

func newTestServer(t *testing.T, svc QueryService, cfg RouterConfig) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := slog.New(slog.DiscardHandler)
	if cfg.CORSAllowedOrigins == nil {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	return NewRouter(ctx, NewHandler(svc, logger), cfg, logger)
}

func do(t *testing.T, h http.Handler, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	resp := rec.Result()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func sampleExecution() *domain.QueryExecution {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &domain.QueryExecution{
		ID:        "exec-1",
		Query:     "SELECT 1",
		EngineID:  "trino",
		UID:       "alice",
		Status:    domain.QueryExecutionStatusInitialized,
		TaskID:    "task-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	var got [3]string
	svc := &mockQueryService{submitFn: func(_ context.Context, q, engineID, uid string) (*domain.QueryExecution, error) {
		got = [3]string{q, engineID, uid}
		return sampleExecution(), nil
	}}
	srv := newTestServer(t, svc, RouterConfig{})

	resp, body := do(t, srv, http.MethodPost, "/api/query_executions",
		`{"query":"SELECT 1","engine_id":"trino","uid":"alice"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, [3]string{"SELECT 1", "trino", "alice"}, got)
	assert.Equal(t, "exec-1", body["id"])
	assert.Equal(t, "INITIALIZED", body["status"])
	assert.Equal(t, "task-1", body["task_id"])
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
}

func TestSubmit_BadBody(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &mockQueryService{}, RouterConfig{})

	for _, body := range []string{"", "{", `{"query": 1}`} {
		resp, out := do(t, srv, http.MethodPost, "/api/query_executions", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		assert.Contains(t, out["message"], "invalid request body")
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		want    int
		message string
	}{
		{"not found", domain.ErrNotFound("query execution %q not found", "x"), http.StatusNotFound, `query execution "x" not found`},
		{"validation", domain.ErrValidation("query is required"), http.StatusBadRequest, "query is required"},
		{"conflict", domain.ErrConflict("busy"), http.StatusConflict, "busy"},
		{"access denied", domain.ErrAccessDenied("no"), http.StatusForbidden, "no"},
		{"not implemented", domain.ErrNotImplemented("later"), http.StatusNotImplemented, "later"},
		{"engine query error", engine.NewQueryError(errors.New("syntax error")), http.StatusUnprocessableEntity, "syntax error"},
		{"engine unreachable", &engine.ConnectionError{Engine: "trino", Err: errors.New("refused")}, http.StatusBadGateway, ""},
		{"internal is hidden", errors.New("disk on fire"), http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &mockQueryService{pollFn: func(context.Context, string) (*query.Status, error) {
				return nil, tt.err
			}}
			srv := newTestServer(t, svc, RouterConfig{})

			resp, body := do(t, srv, http.MethodGet, "/api/query_executions/x", "")
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.InDelta(t, float64(tt.want), body["code"], 0.001)
			if tt.message != "" {
				assert.Equal(t, tt.message, body["message"])
			}
			assert.Equal(t, resp.Header.Get(middleware.RequestIDHeader), body["request_id"])
		})
	}
}

func TestPoll_WithError(t *testing.T) {
	t.Parallel()
	svc := &mockQueryService{pollFn: func(_ context.Context, id string) (*query.Status, error) {
		e := sampleExecution()
		e.ID = id
		e.Status = domain.QueryExecutionStatusError
		return &query.Status{
			Execution: e,
			Progress:  50,
			Error: &domain.QueryExecutionError{
				ErrorType:             domain.ErrorKindEngine,
				ErrorMessageExtracted: "line 2: no such table",
				Line:                  2,
			},
		}, nil
	}}
	srv := newTestServer(t, svc, RouterConfig{})

	resp, body := do(t, srv, http.MethodGet, "/api/query_executions/exec-9", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "exec-9", body["id"])
	assert.Equal(t, "ERROR", body["status"])
	assert.InDelta(t, 50.0, body["progress"], 0.001)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "engine", errBody["type"])
	assert.InDelta(t, 2.0, errBody["line"], 0.001)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	var cancelled string
	svc := &mockQueryService{
		cancelFn: func(_ context.Context, id string) error {
			cancelled = id
			return nil
		},
		pollFn: func(_ context.Context, id string) (*query.Status, error) {
			e := sampleExecution()
			e.Status = domain.QueryExecutionStatusCancel
			return &query.Status{Execution: e}, nil
		},
	}
	srv := newTestServer(t, svc, RouterConfig{})

	resp, body := do(t, srv, http.MethodPost, "/api/query_executions/exec-1/cancel", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "exec-1", cancelled)
	assert.Equal(t, "CANCEL", body["status"])
}

func TestListStatements(t *testing.T) {
	t.Parallel()
	svc := &mockQueryService{listStatementsFn: func(context.Context, string) ([]domain.StatementExecution, error) {
		return []domain.StatementExecution{
			{ID: "s0", StatementIndex: 0, StatementRangeEnd: 8, Status: domain.StatementExecutionStatusDone, ResultPath: "db://r/s0", ResultRowCount: 3},
			{ID: "s1", StatementIndex: 1, StatementRangeStart: 10, StatementRangeEnd: 18, Status: domain.StatementExecutionStatusRunning, TrackingURL: "http://ui/q1"},
		}, nil
	}}
	srv := newTestServer(t, svc, RouterConfig{})

	resp, body := do(t, srv, http.MethodGet, "/api/query_executions/exec-1/statements", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stmts, ok := body["statements"].([]any)
	require.True(t, ok)
	require.Len(t, stmts, 2)
	first := stmts[0].(map[string]any)
	assert.Equal(t, true, first["has_result"])
	assert.InDelta(t, 3.0, first["result_row_count"], 0.001)
	second := stmts[1].(map[string]any)
	assert.Equal(t, "http://ui/q1", second["tracking_url"])
	assert.Equal(t, false, second["has_result"])
}

func TestReadResult(t *testing.T) {
	t.Parallel()
	var gotLimit int
	svc := &mockQueryService{readResultFn: func(_ context.Context, id string, limit int) ([][]string, error) {
		gotLimit = limit
		if id == "empty" {
			return [][]string{}, nil
		}
		return [][]string{{"a", "b"}, {"1", "x"}}, nil
	}}
	srv := newTestServer(t, svc, RouterConfig{})

	resp, body := do(t, srv, http.MethodGet, "/api/statement_executions/s0/result?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, gotLimit)
	assert.Equal(t, []any{"a", "b"}, body["columns"])
	assert.Equal(t, []any{[]any{"1", "x"}}, body["rows"])

	_, body = do(t, srv, http.MethodGet, "/api/statement_executions/empty/result", "")
	assert.Equal(t, []any{}, body["columns"])
	assert.Equal(t, 0, gotLimit)

	resp, _ = do(t, srv, http.MethodGet, "/api/statement_executions/s0/result?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadURL(t *testing.T) {
	t.Parallel()
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var gotExpiry time.Duration
	svc := &mockQueryService{downloadURLFn: func(_ context.Context, id string, expiry time.Duration) (string, time.Time, error) {
		gotExpiry = expiry
		if id == "local" {
			return "", time.Time{}, domain.ErrNotImplemented("file results cannot be downloaded by link")
		}
		return "https://bucket.example/e/s.csv?sig=1", expires, nil
	}}
	srv := newTestServer(t, svc, RouterConfig{})

	resp, body := do(t, srv, http.MethodGet, "/api/statement_executions/s0/download?expires_in=60", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, time.Minute, gotExpiry)
	assert.Equal(t, "https://bucket.example/e/s.csv?sig=1", body["url"])
	assert.Equal(t, "2026-01-02T03:04:05Z", body["expires_at"])

	resp, _ = do(t, srv, http.MethodGet, "/api/statement_executions/local/download", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, time.Duration(0), gotExpiry)
}

func TestRunSync(t *testing.T) {
	t.Parallel()
	svc := &mockQueryService{runSyncFn: func(_ context.Context, q, engineID, uid string, limit int) (*query.SyncResult, error) {
		assert.Equal(t, 10, limit)
		return &query.SyncResult{
			Columns:    []string{"x"},
			Rows:       [][]any{{int64(1)}},
			Statements: 2,
			Truncated:  true,
		}, nil
	}}
	srv := newTestServer(t, svc, RouterConfig{})

	resp, body := do(t, srv, http.MethodPost, "/api/query_executions/sync",
		`{"query":"SELECT 1; SELECT 2","engine_id":"lite","uid":"alice","limit":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"x"}, body["columns"])
	assert.Equal(t, []any{[]any{1.0}}, body["rows"])
	assert.InDelta(t, 2.0, body["statements"], 0.001)
	assert.Equal(t, true, body["truncated"])
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"metrics":true}`))
	})
	srv := newTestServer(t, &mockQueryService{}, RouterConfig{Metrics: metrics})

	resp, body := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["metrics"])
}

func TestRouter_RateLimitAppliesToAPI(t *testing.T) {
	t.Parallel()
	svc := &mockQueryService{pollFn: func(context.Context, string) (*query.Status, error) {
		return &query.Status{Execution: sampleExecution()}, nil
	}}
	srv := newTestServer(t, svc, RouterConfig{
		RateLimit: middleware.RateLimitConfig{RequestsPerSecond: 0.1, Burst: 1},
	})

	resp, _ := do(t, srv, http.MethodGet, "/api/query_executions/exec-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodGet, "/api/query_executions/exec-1", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_CORS(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &mockQueryService{}, RouterConfig{CORSAllowedOrigins: []string{"https://querybook.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/query_executions", nil)
	req.Header.Set("Origin", "https://querybook.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, "https://querybook.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

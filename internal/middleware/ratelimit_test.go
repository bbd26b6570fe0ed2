package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	handler := RateLimiter(ctx, RateLimitConfig{RequestsPerSecond: 100, Burst: 10})(okHandler())

	for range 5 {
		rec := serve(handler, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	handler := RateLimiter(ctx, RateLimitConfig{RequestsPerSecond: 0.5, Burst: 2})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, serve(handler, "").Code)
	}

	rec := serve(handler, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.InDelta(t, float64(429), body["code"], 0.001)
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimiter_PerClientIsolation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	handler := RateLimiter(ctx, RateLimitConfig{RequestsPerSecond: 0.5, Burst: 1})(okHandler())

	require.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:1234").Code)
	require.Equal(t, http.StatusTooManyRequests, serve(handler, "10.0.0.1:5678").Code)
	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.2:1234").Code)
}

func TestLimiterSet_EvictsIdleClients(t *testing.T) {
	t.Parallel()
	set := &limiterSet{
		cfg:     RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute},
		clients: map[string]*clientBucket{},
	}
	now := time.Now()
	set.get("old", now.Add(-2*time.Minute))
	set.get("fresh", now)

	set.evictIdle(now)
	assert.NotContains(t, set.clients, "old")
	assert.Contains(t, set.clients, "fresh")
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querybook/internal/domain"
)

func TestParams_Accessors(t *testing.T) {
	t.Parallel()

	p := Params{
		"host":            "trino",
		"empty":           "",
		"impersonate":     "true",
		"bad_bool":        "maybe",
		"port":            "8443",
		"connect_timeout": "30",
		"request_timeout": "2m",
	}

	assert.Equal(t, "trino", p.String("host", "x"))
	assert.Equal(t, "x", p.String("empty", "x"))
	assert.Equal(t, "x", p.String("missing", "x"))
	assert.True(t, p.Bool("impersonate", false))
	assert.True(t, p.Bool("bad_bool", true))
	assert.Equal(t, 8443, p.Int("port", 0))
	assert.Equal(t, 7, p.Int("host", 7))
	assert.Equal(t, 30*time.Second, p.Duration("connect_timeout", time.Second))
	assert.Equal(t, 2*time.Minute, p.Duration("request_timeout", time.Second))
	assert.Equal(t, time.Second, p.Duration("host", time.Second))
}

func TestParams_Render(t *testing.T) {
	t.Parallel()

	p := Params{"user": "svc", "host": "db", "port": "3306", "database": "sales"}
	got, err := p.Render("{{.user}}@tcp({{.host}}:{{.port}})/{{.database}}?proxy={{.proxy_user}}")
	require.NoError(t, err)
	assert.Equal(t, "svc@tcp(db:3306)/sales?proxy=", got)

	_, err = p.Render("{{.user")
	require.Error(t, err)
}

func TestSettings_WithProxyUser(t *testing.T) {
	t.Parallel()

	plain := Settings{ID: "e1", Params: Params{"user": "svc"}}
	assert.Equal(t, plain, plain.WithProxyUser("alice"))

	imp := Settings{ID: "e2", Params: Params{"user": "svc", ParamImpersonate: "true"}}
	got := imp.WithProxyUser("alice")
	assert.Equal(t, "alice", got.Params[ParamProxyUser])
	_, mutated := imp.Params[ParamProxyUser]
	assert.False(t, mutated, "original params must not change")
}

func TestLineFromMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want int
	}{
		{"line 1:8: Column 'bad_column' cannot be resolved", 1},
		{"You have an error in your SQL syntax near 'FROM' at line 3", 3},
		{"Syntax error: Unexpected keyword FROM at [2:10]", 2},
		{"LINE 4: SELECT bad_column", 4},
		{"relation \"missing\" does not exist", 0},
		{"line 0: nothing", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LineFromMessage(tt.msg), tt.msg)
	}
}

func TestNewQueryError(t *testing.T) {
	t.Parallel()

	cause := errors.New("line 2:1: mismatched input")
	qe := NewQueryError(cause)
	assert.Equal(t, 2, qe.Line)
	assert.Equal(t, cause.Error(), qe.Error())
	assert.ErrorIs(t, qe, cause)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	r := NewDefaultRegistry(logger)
	assert.Equal(t, []string{"bigquery", "dbapi", "presto", "trino"}, r.Types())

	_, err := r.NewClient(context.Background(), Settings{ID: "x", Type: "hive"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	called := false
	r.Register("stub", func(_ context.Context, s Settings, _ *slog.Logger) (Client, error) {
		called = true
		assert.Equal(t, "stub-engine", s.ID)
		return nil, errors.New("boom")
	})
	assert.True(t, r.Has("stub"))
	_, err = r.NewClient(context.Background(), Settings{ID: "stub-engine", Type: "stub"})
	require.EqualError(t, err, "boom")
	assert.True(t, called)
}

func TestConnect_GivesUpWithConnectionError(t *testing.T) {
	t.Parallel()

	s := Settings{ID: "down", Params: Params{ParamConnectTimeout: "1s"}}
	attempts := 0
	err := connect(context.Background(), s, slog.New(slog.DiscardHandler), func(context.Context) error {
		attempts++
		return errors.New("connection refused")
	})

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "down", ce.Engine)
	assert.GreaterOrEqual(t, attempts, 1)
}

func TestConnect_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := Settings{ID: "flaky", Params: Params{ParamConnectTimeout: "10s"}}
	attempts := 0
	err := connect(context.Background(), s, slog.New(slog.DiscardHandler), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

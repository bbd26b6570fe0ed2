package executor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"querybook/internal/domain"
	"querybook/internal/engine"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantKind domain.ErrorKind
		wantLine int
		wantMsg  string
	}{
		{
			name:     "engine error keeps line",
			err:      fmt.Errorf("poll: %w", &engine.QueryError{Message: "line 3:1: mismatched input", Line: 3}),
			wantKind: domain.ErrorKindEngine,
			wantLine: 3,
			wantMsg:  "line 3:1: mismatched input",
		},
		{
			name:     "validation",
			err:      domain.ErrValidation("table x.y is not allowed"),
			wantKind: domain.ErrorKindValidation,
			wantMsg:  "table x.y is not allowed",
		},
		{
			name:     "access denied is validation",
			err:      domain.ErrAccessDenied("no access"),
			wantKind: domain.ErrorKindValidation,
			wantMsg:  "no access",
		},
		{
			name:     "engine cancel",
			err:      engine.ErrCancelled,
			wantKind: domain.ErrorKindCancelled,
			wantMsg:  "statement cancelled",
		},
		{
			name:     "already executed",
			err:      domain.ErrAlreadyExecuted,
			wantKind: domain.ErrorKindAlreadyExecuted,
			wantMsg:  "query execution already executed",
		},
		{
			name:     "anything else is internal",
			err:      errors.New("nil pointer"),
			wantKind: domain.ErrorKindInternal,
			wantMsg:  "nil pointer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantLine, got.Line)
			assert.Equal(t, tt.wantMsg, got.Message)
		})
	}
}

func TestClassify_InternalDetailHasStack(t *testing.T) {
	t.Parallel()

	got := classify(errors.New("boom"))
	assert.Contains(t, got.Detail, "boom")
	assert.Contains(t, got.Detail, "TestClassify_InternalDetailHasStack")

	rec := got.Record("exec-1")
	assert.Equal(t, "boom", rec.ErrorMessageExtracted)
	assert.Equal(t, got.Detail, rec.ErrorMessage)

	// An existing stack is kept rather than replaced.
	withOwn := pkgerrors.New("own stack")
	assert.Equal(t, withOwn, withStack(withOwn))
}

func TestClassify_EngineDetailHasNoStack(t *testing.T) {
	t.Parallel()

	got := classify(&engine.QueryError{Message: "syntax error"})
	rec := got.Record("exec-1")
	assert.Equal(t, "syntax error", rec.ErrorMessage)
}

func TestFormatValue(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{[]byte("raw"), "raw"},
		{int64(42), "42"},
		{1.5, "1.5"},
		{float64(1e21), "1000000000000000000000"},
		{true, "true"},
		{ts, "2024-05-01T12:30:00Z"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in))
	}
}

package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrCancelled is returned by Poll once the statement was cancelled.
var ErrCancelled = errors.New("statement cancelled")

// ConnectionError reports an engine that could not be reached within the
// connect timeout.
type ConnectionError struct {
	Engine string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to engine %q: %v", e.Engine, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError is a statement failure reported by the engine itself.
type QueryError struct {
	Message string
	Line    int // 1-based, 0 when unknown
	Err     error
}

func (e *QueryError) Error() string { return e.Message }

func (e *QueryError) Unwrap() error { return e.Err }

// NewQueryError wraps an engine error, extracting a line number from its
// message when the engine reports one.
func NewQueryError(err error) *QueryError {
	msg := err.Error()
	return &QueryError{Message: msg, Line: LineFromMessage(msg), Err: err}
}

var linePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bline[: ]\s*(\d+)`),
	regexp.MustCompile(`\[(\d+):\d+\]`),
}

// LineFromMessage extracts a 1-based line number from an engine error
// message such as "line 1:8: Column 'x' cannot be resolved" or
// "Syntax error at [3:1]". It returns 0 when none is found.
func LineFromMessage(msg string) int {
	for _, re := range linePatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

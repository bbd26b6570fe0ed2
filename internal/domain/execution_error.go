package domain

import "fmt"

// ErrorKind classifies why an execution stopped.
type ErrorKind string

// Error taxonomy for query executions.
const (
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindEngine          ErrorKind = "engine"
	ErrorKindInternal        ErrorKind = "internal"
	ErrorKindCancelled       ErrorKind = "cancelled"
	ErrorKindAlreadyExecuted ErrorKind = "already_executed"
)

// IsFailure reports whether the kind counts as a failure for alerting.
func (k ErrorKind) IsFailure() bool {
	switch k {
	case ErrorKindCancelled, ErrorKindAlreadyExecuted:
		return false
	default:
		return true
	}
}

// ExecutionError is a classified execution failure. Message is the short
// user-facing text; Detail is the full text stored for operators.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Detail  string
	Line    int
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s error at line %d: %s", e.Kind, e.Line, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Record converts the error into its persisted form.
func (e *ExecutionError) Record(executionID string) *QueryExecutionError {
	detail := e.Detail
	if detail == "" {
		detail = e.Message
	}
	return &QueryExecutionError{
		QueryExecutionID:      executionID,
		ErrorType:             e.Kind,
		ErrorMessageExtracted: e.Message,
		ErrorMessage:          detail,
		Line:                  e.Line,
	}
}

package executor

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"querybook/internal/domain"
	"querybook/internal/engine"
)

// classify maps err onto the execution error taxonomy. Engine errors keep the
// engine's message and line; internal errors carry a stack trace in Detail.
func classify(err error) *domain.ExecutionError {
	var ee *domain.ExecutionError
	if errors.As(err, &ee) {
		return ee
	}

	var qe *engine.QueryError
	if errors.As(err, &qe) {
		return &domain.ExecutionError{
			Kind:    domain.ErrorKindEngine,
			Message: qe.Message,
			Line:    qe.Line,
			Err:     err,
		}
	}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return &domain.ExecutionError{Kind: domain.ErrorKindValidation, Message: ve.Message, Err: err}
	}
	var ad *domain.AccessDeniedError
	if errors.As(err, &ad) {
		return &domain.ExecutionError{Kind: domain.ErrorKindValidation, Message: ad.Message, Err: err}
	}

	if errors.Is(err, engine.ErrCancelled) || errors.Is(err, ErrCancelledByUser) {
		return &domain.ExecutionError{Kind: domain.ErrorKindCancelled, Message: err.Error(), Err: err}
	}
	if errors.Is(err, domain.ErrAlreadyExecuted) {
		return &domain.ExecutionError{Kind: domain.ErrorKindAlreadyExecuted, Message: err.Error(), Err: err}
	}

	return &domain.ExecutionError{
		Kind:    domain.ErrorKindInternal,
		Message: err.Error(),
		Detail:  fmt.Sprintf("%+v", withStack(err)),
		Err:     err,
	}
}

// withStack annotates err with the caller's stack unless it already has one.
func withStack(err error) error {
	type stackTracer interface {
		StackTrace() pkgerrors.StackTrace
	}
	var st stackTracer
	if errors.As(err, &st) {
		return err
	}
	return pkgerrors.WithStack(err)
}

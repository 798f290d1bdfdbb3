package reducer

import (
	"errors"
	"fmt"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// ResultPolicy decides how a parent's result is handed to a follow-up
// signature (a chain step, a callback or a chord body).
type ResultPolicy func(next *domain.Signature, result any) *domain.Signature

// ErrorPolicy decides how a failure is handed to an errback.
type ErrorPolicy func(errback *domain.Signature, failedID string, err error) *domain.Signature

// PrependResult passes the result as the first positional argument unless the
// signature is immutable.
func PrependResult(next *domain.Signature, result any) *domain.Signature {
	if next.Immutable {
		return next.Clone()
	}
	args := make([]any, 0, len(next.Args)+1)
	args = append(args, result)
	args = append(args, next.Args...)
	return next.WithArgs(args...)
}

// IgnoreResult never alters the follow-up's args.
func IgnoreResult(next *domain.Signature, _ any) *domain.Signature {
	return next.Clone()
}

// PrependFailure passes {task_id, exc_type, exc_message} as the first
// positional argument unless the errback is immutable.
func PrependFailure(errback *domain.Signature, failedID string, err error) *domain.Signature {
	if errback.Immutable {
		return errback.Clone()
	}
	return PrependResult(errback, FailureInfo(failedID, err))
}

// FailureInfo describes err in the mapping errbacks receive.
func FailureInfo(taskID string, err error) map[string]any {
	excType := fmt.Sprintf("%T", err)
	msg := err.Error()
	var te *domain.TaskError
	if errors.As(err, &te) {
		if te.Type != "" {
			excType = te.Type
		}
		msg = te.Message
	}
	return map[string]any{
		"task_id":     taskID,
		"exc_type":    excType,
		"exc_message": msg,
	}
}

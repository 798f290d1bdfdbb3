package domain

import (
	"fmt"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// RateLimitExceededError is returned when a task name exceeds its rate limit.
type RateLimitExceededError struct {
	TaskName string
	Limit    int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for task %q: limit is %d", e.TaskName, e.Limit)
}

// UnregisteredTaskError is returned when no handler is registered for a task name.
type UnregisteredTaskError struct {
	TaskName string
}

func (e *UnregisteredTaskError) Error() string {
	return fmt.Sprintf("no handler registered for task %q", e.TaskName)
}

// TaskAlreadyProcessedError is returned when a task is re-delivered but already in a terminal state.
type TaskAlreadyProcessedError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyProcessedError) Error() string {
	return fmt.Sprintf("task %s already processed with status %s", e.TaskID, e.Status)
}

// InvalidWorkflowError is returned for malformed signature compositions.
type InvalidWorkflowError struct {
	Reason string
}

func (e *InvalidWorkflowError) Error() string {
	return "invalid workflow: " + e.Reason
}

// MalformedMessageError is returned when a required wire field is missing or has the wrong shape.
type MalformedMessageError struct {
	Field  string
	Reason string
}

func (e *MalformedMessageError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("malformed message: missing field %q", e.Field)
	}
	return fmt.Sprintf("malformed message: field %q: %s", e.Field, e.Reason)
}

// UnknownContentTypeError is returned when no codec is registered for a content type.
type UnknownContentTypeError struct {
	ContentType string
}

func (e *UnknownContentTypeError) Error() string {
	return fmt.Sprintf("no codec registered for content type %q", e.ContentType)
}

// DecodeError wraps a codec-level parse failure.
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DispatchError is returned when a follow-up message could not be published.
type DispatchError struct {
	TaskID   string
	TaskName string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch follow-up %s[%s]: %v", e.TaskName, e.TaskID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// EncodeError is returned when a message cannot be rendered for the wire.
// Publishing the same message again fails the same way.
type EncodeError struct {
	TaskID string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode task %s: %v", e.TaskID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// UnsupportedFieldError is returned when a field cannot be represented in the target protocol version.
type UnsupportedFieldError struct {
	Field   string
	Version ProtocolVersion
}

func (e *UnsupportedFieldError) Error() string {
	return fmt.Sprintf("field %q is not representable in protocol v%d", e.Field, e.Version)
}

// ExpiredTaskError signals that a message passed its expiry and must be discarded.
// It is informational: the message is acknowledged, not failed.
type ExpiredTaskError struct {
	TaskID  string
	Expires time.Time
}

func (e *ExpiredTaskError) Error() string {
	return fmt.Sprintf("task %s expired at %s", e.TaskID, e.Expires.Format(time.RFC3339Nano))
}

// ChordFailedError is returned by a chord backend when a header member failed.
type ChordFailedError struct {
	GroupID string
	TaskID  string
	Reason  string
}

func (e *ChordFailedError) Error() string {
	return fmt.Sprintf("chord %s: header member %s failed: %s", e.GroupID, e.TaskID, e.Reason)
}

// TaskError is the error recorded for a failed task execution.
type TaskError struct {
	Type    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

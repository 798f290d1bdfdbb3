package domain

import "time"

// Status represents the states a task can be in.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusReceived Status = "RECEIVED"
	StatusStarted  Status = "STARTED"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusRetry    Status = "RETRY"
	StatusRevoked  Status = "REVOKED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReceived, StatusStarted, StatusSuccess, StatusFailure, StatusRetry, StatusRevoked:
		return true
	}
	return false
}

// Outcome is the result of executing one task message.
type Outcome struct {
	Result any
	Err    error
}

// Failed reports whether the execution ended with an error.
func (o Outcome) Failed() bool { return o.Err != nil }

// Status maps the outcome to its terminal state.
func (o Outcome) Status() Status {
	if o.Failed() {
		return StatusFailure
	}
	return StatusSuccess
}

// TaskExecution records a single execution attempt of a task message.
type TaskExecution struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	RootID     string    `json:"root_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	WorkerID   string    `json:"worker_id"`
	Retries    int       `json:"retries"`
	Status     Status    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// TaskMeta is the result-backend view of one task, served by the API gateway.
type TaskMeta struct {
	ID          string     `json:"task_id"`
	Name        string     `json:"task_name"`
	RootID      string     `json:"root_id,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	Status      Status     `json:"status"`
	Retries     int        `json:"retries"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

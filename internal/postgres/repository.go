// Package postgres stores task history and workflow lineage in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// TaskRepository abstracts all database access for tasks.
type TaskRepository interface {
	// Create records a newly published message. Creating an id twice is a no-op.
	Create(ctx context.Context, m *domain.TaskMessage) error
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	// Complete stores the terminal status with its result or error text.
	Complete(ctx context.Context, id string, outcome domain.Outcome) error
	RecordExecution(ctx context.Context, exec *domain.TaskExecution) error
	GetByID(ctx context.Context, id string) (*domain.TaskMeta, error)
	ListByRoot(ctx context.Context, rootID string) ([]*domain.TaskMeta, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.TaskMeta, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const metaColumns = `id, name, root_id, parent_id, group_id, status, retries, result, error, created_at, completed_at`

func (r *repository) Create(ctx context.Context, m *domain.TaskMessage) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, name, root_id, parent_id, group_id, status, retries, eta, expires, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO NOTHING
	`,
		m.ID, m.Name, rootOf(m), nullable(m.ParentID), nullable(m.GroupID),
		string(domain.StatusPending), m.Retries, m.ETA, m.Expires, now,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", m.ID, err)
	}
	return nil
}

func (r *repository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status for task %s: %w", id, err)
	}
	return nil
}

func (r *repository) Complete(ctx context.Context, id string, outcome domain.Outcome) error {
	var result any
	var errText *string
	if outcome.Failed() {
		s := outcome.Err.Error()
		errText = &s
	} else {
		b, err := json.Marshal(outcome.Result)
		if err != nil {
			return fmt.Errorf("marshal result of task %s: %w", id, err)
		}
		result = b
	}
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, result = $2, error = $3, updated_at = $4, completed_at = $4
		WHERE id = $5
	`, string(outcome.Status()), result, errText, now, id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.TaskExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions
			(id, task_id, task_name, root_id, parent_id, group_id, worker_id, retries, status, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		exec.ID, exec.TaskID, exec.TaskName, exec.RootID, nullable(exec.ParentID), nullable(exec.GroupID),
		exec.WorkerID, exec.Retries, string(exec.Status), exec.DurationMs, nullable(exec.Error), exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.TaskMeta, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+metaColumns+` FROM tasks WHERE id = $1`, id)
	meta, err := scanMeta(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return meta, err
}

// ListByRoot returns every task of one workflow, oldest first.
func (r *repository) ListByRoot(ctx context.Context, rootID string) ([]*domain.TaskMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+metaColumns+` FROM tasks WHERE root_id = $1 ORDER BY created_at, id
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of root %s: %w", rootID, err)
	}
	return collectMeta(rows)
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.TaskMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+metaColumns+` FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	return collectMeta(rows)
}

func collectMeta(rows pgx.Rows) ([]*domain.TaskMeta, error) {
	defer rows.Close()
	var out []*domain.TaskMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// scanMeta reads a task row from any pgx row type. A missing row surfaces as
// a wrapped pgx.ErrNoRows.
func scanMeta(row pgx.Row) (*domain.TaskMeta, error) {
	var (
		meta              domain.TaskMeta
		status            string
		parentID, groupID *string
		result            []byte
		errText           *string
	)
	err := row.Scan(
		&meta.ID, &meta.Name, &meta.RootID, &parentID, &groupID, &status,
		&meta.Retries, &result, &errText, &meta.CreatedAt, &meta.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	meta.Status = domain.Status(status)
	meta.ParentID = deref(parentID)
	meta.GroupID = deref(groupID)
	meta.Error = deref(errText)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &meta.Result); err != nil {
			return nil, fmt.Errorf("decode result of task %s: %w", meta.ID, err)
		}
	}
	return &meta, nil
}

func rootOf(m *domain.TaskMessage) string {
	if m.RootID != "" {
		return m.RootID
	}
	return m.ID
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ScheduledJob is one row of scheduled_jobs: a signature fired on a cron schedule.
type ScheduledJob struct {
	ID        string
	Name      string
	CronExpr  string
	TaskName  string
	Args      []any
	Kwargs    map[string]any
	Options   map[string]any
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt time.Time
}

// ScheduleRepository reads and advances periodic jobs.
type ScheduleRepository interface {
	// Upsert inserts job or replaces its definition by name. Run history is kept.
	Upsert(ctx context.Context, job *ScheduledJob) error
	// Due returns enabled jobs whose next run is at or before now, oldest first.
	Due(ctx context.Context, now time.Time) ([]*ScheduledJob, error)
	// MarkRun records a firing and the next time the job is due.
	MarkRun(ctx context.Context, id string, ranAt, next time.Time) error
}

type scheduleRepository struct {
	pool *pgxpool.Pool
}

// NewScheduleRepository wraps a pgxpool with the ScheduleRepository interface.
func NewScheduleRepository(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepository{pool: pool}
}

func (r *scheduleRepository) Upsert(ctx context.Context, job *ScheduledJob) error {
	args, err := json.Marshal(orEmptyArgs(job.Args))
	if err != nil {
		return fmt.Errorf("marshal args of job %q: %w", job.Name, err)
	}
	kwargs, err := json.Marshal(orEmptyMap(job.Kwargs))
	if err != nil {
		return fmt.Errorf("marshal kwargs of job %q: %w", job.Name, err)
	}
	options, err := json.Marshal(orEmptyMap(job.Options))
	if err != nil {
		return fmt.Errorf("marshal options of job %q: %w", job.Name, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs
			(id, name, cron_expr, task_name, args, kwargs, options, enabled, next_run_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			cron_expr   = EXCLUDED.cron_expr,
			task_name   = EXCLUDED.task_name,
			args        = EXCLUDED.args,
			kwargs      = EXCLUDED.kwargs,
			options     = EXCLUDED.options,
			enabled     = EXCLUDED.enabled,
			next_run_at = CASE
				WHEN scheduled_jobs.cron_expr = EXCLUDED.cron_expr THEN scheduled_jobs.next_run_at
				ELSE EXCLUDED.next_run_at
			END
	`, job.ID, job.Name, job.CronExpr, job.TaskName, args, kwargs, options, job.Enabled, job.NextRunAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert scheduled job %q: %w", job.Name, err)
	}
	return nil
}

func (r *scheduleRepository) Due(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, cron_expr, task_name, args, kwargs, options, enabled, last_run_at, next_run_at
		FROM scheduled_jobs
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at ASC
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query scheduled_jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("scan scheduled_jobs: %w", err)
	}
	return jobs, nil
}

func (r *scheduleRepository) MarkRun(ctx context.Context, id string, ranAt, next time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET last_run_at = $1, next_run_at = $2 WHERE id = $3
	`, ranAt.UTC(), next.UTC(), id)
	if err != nil {
		return fmt.Errorf("update scheduled job %s: %w", id, err)
	}
	return nil
}

func scanJob(row pgx.CollectableRow) (*ScheduledJob, error) {
	var (
		j                     ScheduledJob
		args, kwargs, options []byte
	)
	if err := row.Scan(
		&j.ID, &j.Name, &j.CronExpr, &j.TaskName,
		&args, &kwargs, &options, &j.Enabled, &j.LastRunAt, &j.NextRunAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(args, &j.Args); err != nil {
		return nil, fmt.Errorf("args of job %q: %w", j.Name, err)
	}
	if err := json.Unmarshal(kwargs, &j.Kwargs); err != nil {
		return nil, fmt.Errorf("kwargs of job %q: %w", j.Name, err)
	}
	if err := json.Unmarshal(options, &j.Options); err != nil {
		return nil, fmt.Errorf("options of job %q: %w", j.Name, err)
	}
	return &j, nil
}

func orEmptyArgs(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func orEmptyMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-protocol/internal/postgres"
)

func newScheduleRepo(t *testing.T) postgres.ScheduleRepository {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE scheduled_jobs") //nolint:errcheck
		pool.Close()
	})
	return postgres.NewScheduleRepository(pool)
}

func TestScheduleRepository_DueAndMarkRun(t *testing.T) {
	repo := newScheduleRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	due := &postgres.ScheduledJob{
		ID: uuid.NewString(), Name: "nightly-report", CronExpr: "0 3 * * *",
		TaskName: "proj.reports.build", Args: []any{"daily"},
		Kwargs: map[string]any{"format": "pdf"}, Options: map[string]any{"queue": "reports"},
		Enabled: true, NextRunAt: now.Add(-time.Minute),
	}
	later := &postgres.ScheduledJob{
		ID: uuid.NewString(), Name: "weekly", CronExpr: "0 0 * * 0",
		TaskName: "proj.tasks.ping", Enabled: true, NextRunAt: now.Add(time.Hour),
	}
	off := &postgres.ScheduledJob{
		ID: uuid.NewString(), Name: "disabled", CronExpr: "* * * * *",
		TaskName: "proj.tasks.ping", Enabled: false, NextRunAt: now.Add(-time.Hour),
	}
	for _, j := range []*postgres.ScheduledJob{due, later, off} {
		require.NoError(t, repo.Upsert(ctx, j))
	}

	jobs, err := repo.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly-report", jobs[0].Name)
	assert.Equal(t, []any{"daily"}, jobs[0].Args)
	assert.Equal(t, map[string]any{"format": "pdf"}, jobs[0].Kwargs)
	assert.Equal(t, "reports", jobs[0].Options["queue"])
	assert.Nil(t, jobs[0].LastRunAt)

	require.NoError(t, repo.MarkRun(ctx, due.ID, now, now.Add(24*time.Hour)))
	jobs, err = repo.Due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScheduleRepository_UpsertKeepsNextRunForSameCron(t *testing.T) {
	repo := newScheduleRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	job := &postgres.ScheduledJob{
		ID: uuid.NewString(), Name: "heartbeat", CronExpr: "* * * * *",
		TaskName: "proj.tasks.ping", Enabled: true, NextRunAt: now.Add(-time.Minute),
	}
	require.NoError(t, repo.Upsert(ctx, job))

	// re-syncing the same definition must not push the due run into the future
	job.ID = uuid.NewString()
	job.NextRunAt = now.Add(time.Hour)
	require.NoError(t, repo.Upsert(ctx, job))

	jobs, err := repo.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "heartbeat", jobs[0].Name)
}

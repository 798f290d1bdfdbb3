package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-task-protocol/internal/postgres"
	"github.com/ramiqadoumi/go-task-protocol/internal/reducer"
	"github.com/ramiqadoumi/go-task-protocol/internal/workflow"
	"github.com/ramiqadoumi/go-task-protocol/pkg/telemetry"
)

const (
	LeaderKey            = "scheduler:leader"
	LeaderTTL            = 30 * time.Second
	DefaultCheckInterval = 15 * time.Second
)

// Leader decides which scheduler instance fires jobs.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Entry is a periodic job declared in configuration.
type Entry struct {
	Name    string         `mapstructure:"name"`
	Cron    string         `mapstructure:"cron"`
	Task    string         `mapstructure:"task"`
	Args    []any          `mapstructure:"args"`
	Kwargs  map[string]any `mapstructure:"kwargs"`
	Options map[string]any `mapstructure:"options"`
	// Disabled keeps the row but stops it firing.
	Disabled bool `mapstructure:"disabled"`
}

// Scheduler fires cron jobs with Redis leader election. Each firing becomes
// a task message published to tasks.pending.
type Scheduler struct {
	jobs      postgres.ScheduleRepository
	publisher reducer.Publisher
	tasks     postgres.TaskRepository // nil = no history
	leader    Leader
	parser    cron.Parser
	loc       *time.Location
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option             { return func(s *Scheduler) { s.logger = l } }
func WithClock(now func() time.Time) Option        { return func(s *Scheduler) { s.now = now } }
func WithLocation(loc *time.Location) Option       { return func(s *Scheduler) { s.loc = loc } }
func WithHistory(r postgres.TaskRepository) Option { return func(s *Scheduler) { s.tasks = r } }

// WithInterval sets how often due jobs are checked. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func NewScheduler(jobs postgres.ScheduleRepository, publisher reducer.Publisher, leader Leader, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:      jobs,
		publisher: publisher,
		leader:    leader,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:       time.UTC,
		interval:  DefaultCheckInterval,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next returns the first time after t that expr fires.
func (s *Scheduler) Next(expr string, t time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return schedule.Next(t.In(s.loc)).UTC(), nil
}

// Sync stores the configured entries. New or rescheduled entries become due
// at their next cron time.
func (s *Scheduler) Sync(ctx context.Context, entries []Entry) error {
	now := s.now()
	for _, e := range entries {
		if e.Name == "" || e.Task == "" {
			return fmt.Errorf("schedule entry %q: name and task are required", e.Name)
		}
		next, err := s.Next(e.Cron, now)
		if err != nil {
			return fmt.Errorf("schedule entry %q: %w", e.Name, err)
		}
		job := &postgres.ScheduledJob{
			ID:        uuid.NewString(),
			Name:      e.Name,
			CronExpr:  e.Cron,
			TaskName:  e.Task,
			Args:      e.Args,
			Kwargs:    e.Kwargs,
			Options:   e.Options,
			Enabled:   !e.Disabled,
			NextRunAt: next,
		}
		if err := s.jobs.Upsert(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Run is the main polling loop: tries to become leader, then processes due jobs.
// Blocks until ctx is cancelled, then gives up the lease.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer func() {
		if err := s.leader.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("release leadership", slog.String("error", err.Error()))
		}
	}()

	// Run once immediately before waiting for the first tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job if this instance is the leader. It returns the
// number of jobs fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	leader, err := s.leader.Acquire(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		return 0
	}
	if !leader {
		return 0
	}

	now := s.now()
	jobs, err := s.jobs.Due(ctx, now)
	if err != nil {
		s.logger.Error("load due jobs", slog.String("error", err.Error()))
		return 0
	}
	fired := 0
	for _, job := range jobs {
		if err := s.fire(ctx, job, now); err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job", job.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		fired++
	}
	return fired
}

// fire publishes one run of job. Runs missed while no leader was active are
// collapsed into this one; the next run is computed from now.
func (s *Scheduler) fire(ctx context.Context, job *postgres.ScheduledJob, now time.Time) error {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.fire")
	defer span.End()
	span.SetAttributes(attribute.String("job", job.Name), attribute.String("task.name", job.TaskName))

	next, err := s.Next(job.CronExpr, now)
	if err != nil {
		span.RecordError(err)
		return err
	}

	sig, err := workflow.NewSignature(job.TaskName, job.Args, job.Kwargs, job.Options)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("build signature: %w", err)
	}
	m, err := workflow.ToMessage(sig, nil, now)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("build message: %w", err)
	}

	if err := s.publisher.Publish(ctx, m); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}
	if s.tasks != nil {
		if err := s.tasks.Create(ctx, m); err != nil {
			s.logger.Error("failed to record scheduled task",
				slog.String("task_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.jobs.MarkRun(ctx, job.ID, now, next); err != nil {
		return err
	}

	telemetry.SchedulerJobsFired.WithLabelValues(job.Name).Inc()
	s.logger.Info("scheduled job fired",
		slog.String("job", job.Name),
		slog.String("task_id", m.ID),
		slog.String("task_name", m.Name),
		slog.Time("next_run", next),
	)
	return nil
}

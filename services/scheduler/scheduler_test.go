package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-protocol/internal/redis"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeJobs struct {
	mu      sync.Mutex
	byName  map[string]*postgres.ScheduledJob
	marked  map[string]time.Time
	dueErr  error
	markErr error
}

func newFakeJobs(jobs ...*postgres.ScheduledJob) *fakeJobs {
	f := &fakeJobs{byName: map[string]*postgres.ScheduledJob{}, marked: map[string]time.Time{}}
	for _, j := range jobs {
		f.byName[j.Name] = j
	}
	return f
}

func (f *fakeJobs) Upsert(_ context.Context, job *postgres.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.byName[job.Name] = &cp
	return nil
}

func (f *fakeJobs) Due(_ context.Context, now time.Time) ([]*postgres.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	var out []*postgres.ScheduledJob
	for _, j := range f.byName {
		if j.Enabled && !j.NextRunAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextRunAt.Before(out[b].NextRunAt) })
	return out, nil
}

func (f *fakeJobs) MarkRun(_ context.Context, id string, ranAt, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	for _, j := range f.byName {
		if j.ID == id {
			j.LastRunAt = &ranAt
			j.NextRunAt = next
			f.marked[j.Name] = next
		}
	}
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []*domain.TaskMessage
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, m *domain.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, m)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakeLeader struct {
	leader   bool
	err      error
	released bool
}

func (l *fakeLeader) Acquire(context.Context) (bool, error) { return l.leader, l.err }

func (l *fakeLeader) Release(context.Context) error {
	l.released = true
	return nil
}

type fakeTasks struct {
	postgres.TaskRepository
	created []string
}

func (r *fakeTasks) Create(_ context.Context, m *domain.TaskMessage) error {
	r.created = append(r.created, m.ID)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

var now = time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC)

func newTestScheduler(jobs *fakeJobs, pub *fakePublisher, leader Leader, opts ...Option) *Scheduler {
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return now }),
	}, opts...)
	return NewScheduler(jobs, pub, leader, opts...)
}

func job(name, expr string, next time.Time) *postgres.ScheduledJob {
	return &postgres.ScheduledJob{
		ID: "id-" + name, Name: name, CronExpr: expr, TaskName: "proj.tasks.ping",
		Enabled: true, NextRunAt: next,
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestTick_NotLeader_FiresNothing(t *testing.T) {
	jobs := newFakeJobs(job("every-minute", "* * * * *", now.Add(-time.Minute)))
	pub := &fakePublisher{}
	s := newTestScheduler(jobs, pub, &fakeLeader{leader: false})

	assert.Equal(t, 0, s.Tick(context.Background()))
	assert.Empty(t, pub.sent)
}

func TestTick_LeaderError_FiresNothing(t *testing.T) {
	jobs := newFakeJobs(job("every-minute", "* * * * *", now.Add(-time.Minute)))
	pub := &fakePublisher{}
	s := newTestScheduler(jobs, pub, &fakeLeader{err: errors.New("redis down")})

	assert.Equal(t, 0, s.Tick(context.Background()))
	assert.Empty(t, pub.sent)
}

func TestTick_FiresDueJob(t *testing.T) {
	j := job("report", "*/5 * * * *", now.Add(-time.Minute))
	j.TaskName = "proj.reports.build"
	j.Args = []any{"daily"}
	j.Kwargs = map[string]any{"format": "pdf"}
	j.Options = map[string]any{domain.OptCountdown: float64(30), domain.OptQueue: "reports"}
	jobs := newFakeJobs(j, job("later", "* * * * *", now.Add(time.Minute)))
	pub := &fakePublisher{}
	tasks := &fakeTasks{}
	s := newTestScheduler(jobs, pub, &fakeLeader{leader: true}, WithHistory(tasks))

	assert.Equal(t, 1, s.Tick(context.Background()))

	require.Len(t, pub.sent, 1)
	m := pub.sent[0]
	assert.Equal(t, "proj.reports.build", m.Name)
	assert.Equal(t, []any{"daily"}, m.Args)
	assert.Equal(t, map[string]any{"format": "pdf"}, m.Kwargs)
	assert.Equal(t, m.ID, m.RootID)
	require.NotNil(t, m.ETA)
	assert.Equal(t, now.Add(30*time.Second), *m.ETA)
	assert.Equal(t, []string{m.ID}, tasks.created)

	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), jobs.marked["report"])
	_, laterMarked := jobs.marked["later"]
	assert.False(t, laterMarked)
}

func TestTick_MissedRunsCollapse(t *testing.T) {
	jobs := newFakeJobs(job("every-minute", "* * * * *", now.Add(-time.Hour)))
	pub := &fakePublisher{}
	s := newTestScheduler(jobs, pub, &fakeLeader{leader: true})

	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Equal(t, 0, s.Tick(context.Background()), "next run is computed from now")
	assert.Equal(t, time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC), jobs.marked["every-minute"])
}

func TestTick_BadCron_SkipsJobOnly(t *testing.T) {
	jobs := newFakeJobs(
		job("broken", "not a cron", now.Add(-2*time.Minute)),
		job("fine", "@hourly", now.Add(-time.Minute)),
	)
	pub := &fakePublisher{}
	s := newTestScheduler(jobs, pub, &fakeLeader{leader: true})

	assert.Equal(t, 1, s.Tick(context.Background()))
	require.Len(t, pub.sent, 1)
	_, brokenMarked := jobs.marked["broken"]
	assert.False(t, brokenMarked)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), jobs.marked["fine"])
}

func TestTick_PublishFailure_LeavesJobDue(t *testing.T) {
	jobs := newFakeJobs(job("every-minute", "* * * * *", now.Add(-time.Minute)))
	pub := &fakePublisher{err: errors.New("kafka down")}
	s := newTestScheduler(jobs, pub, &fakeLeader{leader: true})

	assert.Equal(t, 0, s.Tick(context.Background()))
	assert.Empty(t, jobs.marked)
}

func TestTick_DueError(t *testing.T) {
	jobs := newFakeJobs()
	jobs.dueErr = errors.New("postgres down")
	s := newTestScheduler(jobs, &fakePublisher{}, &fakeLeader{leader: true})

	assert.Equal(t, 0, s.Tick(context.Background()))
}

func TestNext_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := newTestScheduler(newFakeJobs(), &fakePublisher{}, &fakeLeader{}, WithLocation(loc))

	// 03:00 at UTC+2 is 01:00 UTC
	next, err := s.Next("0 3 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC), next)

	_, err = s.Next("61 * * * *", now)
	assert.Error(t, err)
}

func TestSync_UpsertsEntries(t *testing.T) {
	jobs := newFakeJobs()
	s := newTestScheduler(jobs, &fakePublisher{}, &fakeLeader{})

	err := s.Sync(context.Background(), []Entry{
		{Name: "cleanup", Cron: "0 * * * *", Task: "proj.tasks.cleanup", Args: []any{"tmp"}},
		{Name: "paused", Cron: "@daily", Task: "proj.tasks.ping", Disabled: true},
	})
	require.NoError(t, err)

	require.Contains(t, jobs.byName, "cleanup")
	c := jobs.byName["cleanup"]
	assert.Equal(t, "proj.tasks.cleanup", c.TaskName)
	assert.Equal(t, []any{"tmp"}, c.Args)
	assert.True(t, c.Enabled)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), c.NextRunAt)
	assert.False(t, jobs.byName["paused"].Enabled)
}

func TestSync_RejectsBadEntries(t *testing.T) {
	s := newTestScheduler(newFakeJobs(), &fakePublisher{}, &fakeLeader{})

	assert.Error(t, s.Sync(context.Background(), []Entry{{Name: "x", Cron: "* * * * *"}}))
	assert.Error(t, s.Sync(context.Background(), []Entry{{Name: "x", Cron: "bogus", Task: "t"}}))
}

func TestRun_ReleasesLeadershipOnShutdown(t *testing.T) {
	leader := &fakeLeader{leader: true}
	jobs := newFakeJobs(job("every-minute", "* * * * *", now.Add(-time.Minute)))
	pub := &fakePublisher{}
	s := newTestScheduler(jobs, pub, leader, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.True(t, leader.released)
}

func TestTick_OnlyOneInstanceFires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	jobs := newFakeJobs(job("every-minute", "* * * * *", now.Add(-time.Minute)))
	pub := &fakePublisher{}
	a := newTestScheduler(jobs, pub, redisstore.NewLease(client, LeaderKey, "a", LeaderTTL))
	b := newTestScheduler(jobs, pub, redisstore.NewLease(client, LeaderKey, "b", LeaderTTL))

	assert.Equal(t, 1, a.Tick(context.Background()))
	jobs.byName["every-minute"].NextRunAt = now.Add(-time.Second)
	assert.Equal(t, 0, b.Tick(context.Background()), "b is not the leader")
	assert.Equal(t, 1, pub.count())
}

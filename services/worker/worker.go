package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/handlers"
	"github.com/ramiqadoumi/go-task-protocol/internal/kafka"
	"github.com/ramiqadoumi/go-task-protocol/internal/postgres"
	"github.com/ramiqadoumi/go-task-protocol/internal/protocol"
	redisstore "github.com/ramiqadoumi/go-task-protocol/internal/redis"
	"github.com/ramiqadoumi/go-task-protocol/internal/reducer"
	"github.com/ramiqadoumi/go-task-protocol/pkg/retry"
	"github.com/ramiqadoumi/go-task-protocol/pkg/telemetry"
)

// RevokedChecker reports whether a task id was revoked.
type RevokedChecker interface {
	IsRevoked(ctx context.Context, taskID string) (bool, error)
}

// Deps are the collaborators a Worker needs.
type Deps struct {
	Consumers []kafka.Consumer // one per queue topic
	Producer  kafka.Producer   // dead letters and requeued messages
	Retries   reducer.Publisher
	Decoder   *protocol.Decoder
	Reducer   *reducer.Reducer
	Store     redisstore.StateStore
	Repo      postgres.TaskRepository
	Registry  *handlers.Registry
}

// Worker consumes task messages from a queue topic and executes them.
type Worker struct {
	Deps

	workerID         string
	revoked          RevokedChecker
	maxRetries       int
	timeout          time.Duration
	baseDelay        time.Duration
	maxETAWait       time.Duration
	dispatchAttempts int
	logger           *slog.Logger
	now              func() time.Time

	wg        sync.WaitGroup
	inFlight  atomic.Int64
	startedAt time.Time

	mu        sync.Mutex
	processed map[string]int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithRetries(n int) Option              { return func(w *Worker) { w.maxRetries = n } }
func WithTimeout(d time.Duration) Option    { return func(w *Worker) { w.timeout = d } }
func WithLogger(l *slog.Logger) Option      { return func(w *Worker) { w.logger = l } }
func WithBaseDelay(d time.Duration) Option  { return func(w *Worker) { w.baseDelay = d } }
func WithRevoked(r RevokedChecker) Option   { return func(w *Worker) { w.revoked = r } }
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }
func WithDispatchAttempts(n int) Option     { return func(w *Worker) { w.dispatchAttempts = n } }

// WithMaxETAWait bounds how long one message may hold the consumer while its
// ETA approaches. Messages due later are put back on their topic.
func WithMaxETAWait(d time.Duration) Option { return func(w *Worker) { w.maxETAWait = d } }

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(workerID string, deps Deps, opts ...Option) *Worker {
	w := &Worker{
		Deps:             deps,
		workerID:         workerID,
		maxRetries:       3,
		timeout:          30 * time.Second,
		baseDelay:        time.Second,
		maxETAWait:       time.Minute,
		dispatchAttempts: 3,
		logger:           slog.Default(),
		now:              time.Now,
		processed:        make(map[string]int64),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.startedAt = w.now()
	return w
}

// Run consumes every queue until ctx is cancelled or a consumer fails. The
// first consumer error cancels the others and is returned.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(w.Consumers))
	for _, c := range w.Consumers {
		go func(c kafka.Consumer) {
			err := c.Subscribe(ctx, w.ProcessMessage)
			if err != nil {
				cancel()
			}
			errs <- err
		}(c)
	}

	var first error
	for range w.Consumers {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Wait blocks until all in-flight tasks finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// Hostname identifies this worker in control replies.
func (w *Worker) Hostname() string { return w.workerID }

// Registered lists the task names this worker can run.
func (w *Worker) Registered() []string { return w.Registry.Names() }

// Stats reports counters for the stats control command.
func (w *Worker) Stats() map[string]any {
	w.mu.Lock()
	keys := make([]string, 0, len(w.processed))
	for k := range w.processed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	processed := make(map[string]any, len(keys))
	for _, k := range keys {
		processed[k] = w.processed[k]
	}
	w.mu.Unlock()

	return map[string]any{
		"hostname":       w.workerID,
		"in_flight":      w.inFlight.Load(),
		"processed":      processed,
		"uptime_seconds": int64(w.now().Sub(w.startedAt).Seconds()),
	}
}

func (w *Worker) count(status string) {
	w.mu.Lock()
	w.processed[status]++
	w.mu.Unlock()
}

// ProcessMessage is the Kafka HandlerFunc, called for each message.
// It returns an error only when the message must be redelivered; every
// other outcome, dead letters included, commits the offset.
func (w *Worker) ProcessMessage(consumerCtx context.Context, msg kafka.Message) error {
	wire, err := kafka.DecodeMessage(msg)
	if err != nil {
		return w.deadLetter(consumerCtx, w.logger, msg, "malformed", err)
	}
	m, err := w.Decoder.Normalize(wire, w.now())
	var expired *domain.ExpiredTaskError
	switch {
	case errors.As(err, &expired):
		w.skip(w.logger.With(slog.String("task_id", m.ID)), "expired")
		return nil
	case err != nil:
		reason := protocol.Reason(err)
		telemetry.DecodeErrors.WithLabelValues(reason).Inc()
		return w.deadLetter(consumerCtx, w.logger, msg, reason, err)
	}
	telemetry.MessagesDecoded.WithLabelValues(fmt.Sprintf("v%d", m.Version), m.ContentType).Inc()

	// Start a child span parented to the trace context extracted from Kafka headers.
	ctx, span := otel.Tracer("worker").Start(consumerCtx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", m.ID),
		attribute.String("task.name", m.Name),
		attribute.String("task.root_id", m.RootID),
		attribute.Int("task.retries", m.Retries),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("task_id", m.ID),
		slog.String("task_name", m.DisplayName()),
		slog.String("worker_id", w.workerID),
	)

	if w.revoked != nil {
		revoked, err := w.revoked.IsRevoked(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("revoked check for %s: %w", m.ID, err)
		}
		if revoked {
			w.markRevoked(ctx, log, m)
			return nil
		}
	}

	// Idempotency: if already in a terminal state, skip.
	if s, err := w.Store.GetStatus(ctx, m.ID); err == nil && s.IsTerminal() {
		alreadyProcessed := &domain.TaskAlreadyProcessedError{TaskID: m.ID, Status: s}
		span.RecordError(alreadyProcessed)
		w.skip(log.With(slog.String("error", alreadyProcessed.Error())), "duplicate")
		return nil
	}

	h, err := w.Registry.Get(m.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		w.record(ctx, log, m, domain.Outcome{Err: err}, w.now().UTC(), 0)
		return w.deadLetter(ctx, log, msg, "unregistered", err)
	}

	if due := m.Due(w.now()); due > 0 {
		wait := min(due, w.maxETAWait)
		log.Debug("waiting for eta", slog.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if due > wait {
			return w.requeue(ctx, log, msg)
		}
		if m.Expired(w.now()) {
			w.skip(log, "expired")
			return nil
		}
	}

	return w.execute(ctx, span, log, h, m)
}

func (w *Worker) execute(ctx context.Context, span trace.Span, log *slog.Logger, h handlers.Handler, m *domain.TaskMessage) error {
	received := w.now().UTC()
	if err := w.Repo.Create(ctx, m); err != nil {
		log.Error("failed to record task", slog.String("error", err.Error()))
	}
	if err := w.Store.SetTaskMeta(ctx, metaOf(m, domain.StatusStarted, received)); err != nil {
		return fmt.Errorf("set started status: %w", err)
	}
	if err := w.Repo.UpdateStatus(ctx, m.ID, domain.StatusStarted); err != nil {
		log.Error("failed to update DB status", slog.String("error", err.Error()))
	}

	name := m.DisplayName()
	w.wg.Add(1)
	w.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.WithLabelValues(name).Inc()
	defer func() {
		telemetry.WorkerTasksInFlight.WithLabelValues(name).Dec()
		w.inFlight.Add(-1)
		w.wg.Done()
	}()

	start := time.Now()
	outcome := w.run(span, log, h, m)
	duration := time.Since(start)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(name).Observe(duration.Seconds())

	// Finishing must survive consumer shutdown once the task has run.
	finishCtx := context.WithoutCancel(ctx)

	if outcome.Failed() {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, "task failed")
		if m.Retries < w.maxRetries {
			return w.scheduleRetry(finishCtx, log, m, outcome.Err, received, duration)
		}
		log.Error("task failed",
			slog.Int("retries", m.Retries),
			slog.String("error", outcome.Err.Error()),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	} else {
		log.Info("task succeeded", slog.Int64("duration_ms", duration.Milliseconds()))
	}

	if err := w.reduce(finishCtx, log, m, outcome); err != nil {
		return err
	}
	w.record(finishCtx, log, m, outcome, received, duration)
	return nil
}

// run calls the handler under the hard time limit and warns once the soft
// limit passes. A handler that ignores its context is abandoned at the hard
// limit.
func (w *Worker) run(span trace.Span, log *slog.Logger, h handlers.Handler, m *domain.TaskMessage) domain.Outcome {
	limit := w.timeout
	if m.TimeLimit.Hard != nil {
		limit = *m.TimeLimit.Hard
	}
	// Attach span to a fresh context so the handler timeout is independent
	// of consumer shutdown, but handler child spans are still parented here.
	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), limit)
	defer cancel()

	if m.TimeLimit.Soft != nil {
		soft := *m.TimeLimit.Soft
		t := time.AfterFunc(soft, func() {
			log.Warn("soft time limit exceeded", slog.Duration("soft_time_limit", soft))
		})
		defer t.Stop()
	}

	done := make(chan domain.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
				done <- domain.Outcome{Err: &domain.TaskError{Type: "panic", Message: fmt.Sprint(r)}}
			}
		}()
		result, err := h.Handle(execCtx, m)
		done <- domain.Outcome{Result: result, Err: err}
	}()

	select {
	case o := <-done:
		if o.Err != nil && errors.Is(o.Err, context.DeadlineExceeded) {
			o.Err = timeLimitError(limit)
		}
		return o
	case <-execCtx.Done():
		return domain.Outcome{Err: timeLimitError(limit)}
	}
}

func timeLimitError(limit time.Duration) error {
	return &domain.TaskError{Type: "TimeLimitExceeded", Message: fmt.Sprintf("time limit exceeded (%s)", limit)}
}

// scheduleRetry republishes m with one more retry and an ETA of
// now + base·retries².
func (w *Worker) scheduleRetry(ctx context.Context, log *slog.Logger, m *domain.TaskMessage, cause error, received time.Time, duration time.Duration) error {
	next := m.Clone()
	next.Retries = m.Retries + 1
	eta := w.now().UTC().Add(retry.Backoff(w.baseDelay, next.Retries))
	next.ETA = &eta

	if err := w.Retries.Publish(ctx, next); err != nil {
		return fmt.Errorf("publish retry of %s: %w", m.ID, err)
	}
	telemetry.WorkerRetriesTotal.WithLabelValues(m.DisplayName()).Inc()
	log.Warn("task failed, retry scheduled",
		slog.Int("retries", next.Retries),
		slog.Time("eta", eta),
		slog.String("error", cause.Error()),
	)

	meta := metaOf(m, domain.StatusRetry, received)
	meta.Retries = next.Retries
	meta.Error = cause.Error()
	if err := w.Store.SetTaskMeta(ctx, meta); err != nil {
		log.Error("failed to set RETRY status", slog.String("error", err.Error()))
	}
	if err := w.Repo.UpdateStatus(ctx, m.ID, domain.StatusRetry); err != nil {
		log.Error("failed to update DB status", slog.String("error", err.Error()))
	}
	w.recordExecution(ctx, log, m, domain.StatusRetry, cause, duration)
	w.count(strings.ToLower(string(domain.StatusRetry)))
	telemetry.WorkerTasksProcessed.WithLabelValues(m.DisplayName(), "retry").Inc()
	return nil
}

// reduce plans and publishes the follow-ups of a finished task. A plan that
// can never succeed is logged and dropped; anything else that fails keeps
// the message uncommitted.
func (w *Worker) reduce(ctx context.Context, log *slog.Logger, m *domain.TaskMessage, outcome domain.Outcome) error {
	plan, err := w.Reducer.Plan(ctx, m, outcome)
	if err != nil {
		var (
			malformed *domain.MalformedMessageError
			invalid   *domain.InvalidWorkflowError
		)
		if errors.As(err, &malformed) || errors.As(err, &invalid) {
			log.Error("follow-ups cannot be planned, dropping them", slog.String("error", err.Error()))
			telemetry.WorkerDLQTotal.WithLabelValues("plan").Inc()
			return nil
		}
		return fmt.Errorf("plan follow-ups of %s: %w", m.ID, err)
	}
	if len(plan.Messages) == 0 {
		return nil
	}

	err = retry.Do(ctx, retry.Config{
		MaxAttempts: w.dispatchAttempts,
		BaseDelay:   w.baseDelay,
		OnRetry: func(attempt int, err error) {
			log.Warn("dispatch failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("pending", len(plan.Pending())),
				slog.String("error", err.Error()),
			)
		},
	}, func() error { return w.Reducer.Dispatch(ctx, plan) })
	var encodeErr *domain.EncodeError
	switch {
	case errors.As(err, &encodeErr):
		log.Error("follow-ups cannot be encoded, dropping them",
			slog.Int("skipped", len(plan.Skipped)),
			slog.String("error", err.Error()),
		)
		telemetry.WorkerDLQTotal.WithLabelValues("encode").Add(float64(len(plan.Skipped)))
	case err != nil:
		return fmt.Errorf("dispatch follow-ups of %s: %w", m.ID, err)
	}
	telemetry.WorkerFollowUpsTotal.Add(float64(len(plan.Messages) - len(plan.Skipped)))
	return nil
}

// record stores the terminal state of m in Redis and Postgres.
func (w *Worker) record(ctx context.Context, log *slog.Logger, m *domain.TaskMessage, outcome domain.Outcome, received time.Time, duration time.Duration) {
	status := outcome.Status()
	completed := w.now().UTC()
	meta := metaOf(m, status, received)
	meta.Result = outcome.Result
	meta.CompletedAt = &completed
	if outcome.Failed() {
		meta.Error = outcome.Err.Error()
	}

	if err := w.Store.SetTaskMeta(ctx, meta); err != nil {
		log.Error("failed to store task result", slog.String("error", err.Error()))
	}
	if err := w.Repo.Complete(ctx, m.ID, outcome); err != nil {
		log.Error("failed to update DB status", slog.String("error", err.Error()))
	}
	w.recordExecution(ctx, log, m, status, outcome.Err, duration)

	label := strings.ToLower(string(status))
	w.count(label)
	telemetry.WorkerTasksProcessed.WithLabelValues(m.DisplayName(), label).Inc()
}

func (w *Worker) recordExecution(ctx context.Context, log *slog.Logger, m *domain.TaskMessage, status domain.Status, cause error, duration time.Duration) {
	exec := &domain.TaskExecution{
		TaskID:     m.ID,
		TaskName:   m.Name,
		RootID:     m.RootID,
		ParentID:   m.ParentID,
		GroupID:    m.GroupID,
		WorkerID:   w.workerID,
		Retries:    m.Retries,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		ExecutedAt: w.now().UTC(),
	}
	if cause != nil {
		exec.Error = cause.Error()
	}
	if err := w.Repo.RecordExecution(ctx, exec); err != nil {
		log.Error("failed to record execution", slog.String("error", err.Error()))
	}
}

func (w *Worker) markRevoked(ctx context.Context, log *slog.Logger, m *domain.TaskMessage) {
	now := w.now().UTC()
	meta := metaOf(m, domain.StatusRevoked, now)
	meta.CompletedAt = &now
	if err := w.Store.SetTaskMeta(ctx, meta); err != nil {
		log.Error("failed to set REVOKED status", slog.String("error", err.Error()))
	}
	if err := w.Repo.UpdateStatus(ctx, m.ID, domain.StatusRevoked); err != nil {
		log.Error("failed to update DB status", slog.String("error", err.Error()))
	}
	w.skip(log, "revoked")
}

func (w *Worker) skip(log *slog.Logger, reason string) {
	log.Info("task skipped", slog.String("reason", reason))
	telemetry.WorkerSkippedTotal.WithLabelValues(reason).Inc()
	w.count("skipped_" + reason)
}

// requeue puts msg back on its own topic unchanged so its ETA is checked again
// later without holding the partition.
func (w *Worker) requeue(ctx context.Context, log *slog.Logger, msg kafka.Message) error {
	if err := w.Producer.Publish(ctx, msg.Topic, string(msg.Key), msg.Value, msg.Headers...); err != nil {
		return fmt.Errorf("requeue to %s: %w", msg.Topic, err)
	}
	log.Debug("eta not reached, requeued", slog.String("topic", msg.Topic))
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, log *slog.Logger, msg kafka.Message, reason string, cause error) error {
	headers := kafka.WithDLQReason(msg.Headers, reason, cause)
	if err := w.Producer.Publish(ctx, kafka.TopicDLQ, string(msg.Key), msg.Value, headers...); err != nil {
		return fmt.Errorf("publish to DLQ: %w", err)
	}
	log.Error("message dead-lettered",
		slog.String("reason", reason),
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
		slog.String("error", cause.Error()),
	)
	telemetry.WorkerDLQTotal.WithLabelValues(reason).Inc()
	w.count("dlq_" + reason)
	return nil
}

func metaOf(m *domain.TaskMessage, status domain.Status, created time.Time) *domain.TaskMeta {
	return &domain.TaskMeta{
		ID:        m.ID,
		Name:      m.Name,
		RootID:    m.RootID,
		ParentID:  m.ParentID,
		GroupID:   m.GroupID,
		Status:    status,
		Retries:   m.Retries,
		CreatedAt: created,
	}
}

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/kafka"
	"github.com/ramiqadoumi/go-task-protocol/internal/protocol"
	redisstore "github.com/ramiqadoumi/go-task-protocol/internal/redis"
	"github.com/ramiqadoumi/go-task-protocol/pkg/telemetry"
)

// Dispatcher consumes from tasks.pending and routes each message to the
// topic of its queue. v2 messages are routed from their headers alone; v1
// messages need their body decoded to learn the task name.
type Dispatcher struct {
	consumer kafka.Consumer
	producer kafka.Producer
	store    redisstore.StateStore
	codecs   *codec.Registry
	decoder  *protocol.Decoder
	encoder  *protocol.Encoder
	routes   *Routes
	limiter  redisstore.RateLimiter // nil = disabled
	delay    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithRoutes(r *Routes) Option              { return func(d *Dispatcher) { d.routes = r } }
func WithLogger(l *slog.Logger) Option         { return func(d *Dispatcher) { d.logger = l } }
func WithClock(now func() time.Time) Option    { return func(d *Dispatcher) { d.now = now } }
func WithDecoder(dec *protocol.Decoder) Option { return func(d *Dispatcher) { d.decoder = dec } }

// WithRateLimiter caps messages per task name. A message over the limit is
// still routed, with its ETA pushed back by delay.
func WithRateLimiter(l redisstore.RateLimiter, delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.limiter = l
		d.delay = delay
	}
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	store redisstore.StateStore,
	codecs *codec.Registry,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		consumer: consumer,
		producer: producer,
		store:    store,
		codecs:   codecs,
		decoder:  protocol.NewDecoder(codecs),
		encoder:  protocol.NewEncoder(codecs),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.routes == nil {
		d.routes, _ = NewRoutes(nil, kafka.DefaultQueue)
	}
	return d
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.route)
}

// envelope is what routing needs to know about one message.
type envelope struct {
	wire *protocol.Message
	id   string
	name string
	// decoded is set for v1 messages and for v2 messages that were rate-limited.
	decoded *domain.TaskMessage
}

func (d *Dispatcher) route(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.route")
	defer span.End()

	env, err := d.inspect(msg)
	if err != nil {
		reason := protocol.Reason(err)
		d.logger.Error("undeliverable message, sending to DLQ",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		telemetry.DecodeErrors.WithLabelValues(reason).Inc()
		return d.toDLQ(ctx, msg, reason, err)
	}

	span.SetAttributes(
		attribute.String("task.id", env.id),
		attribute.String("task.name", env.name),
	)
	log := d.logger.With(
		slog.String("task_id", env.id),
		slog.String("task_name", env.name),
	)

	queue := d.routes.Queue(env.name)
	target := kafka.QueueTopic(queue)
	value, headers := msg.Value, msg.Headers

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, env.name)
		if err != nil {
			log.Error("rate limiter error", slog.String("error", err.Error()))
			// Allow on limiter failure to avoid dropping tasks due to Redis issues.
		} else if !allowed {
			limited := &domain.RateLimitExceededError{TaskName: env.name, Limit: d.limiter.Limit()}
			span.RecordError(limited)
			telemetry.DispatcherRateLimitedTotal.WithLabelValues(env.name).Inc()
			value, headers, err = d.postpone(env, msg.Headers)
			if err != nil {
				span.RecordError(err)
				return d.toDLQ(ctx, msg, "reencode", err)
			}
			log.Warn("eta postponed", slog.String("error", limited.Error()), slog.Duration("delay", d.delay))
		}
	}

	if err := d.producer.Publish(ctx, target, env.id, value, headers...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		// Transient Kafka error: returning it leaves the offset uncommitted.
		return fmt.Errorf("publish to %s: %w", target, err)
	}

	// Best-effort state update. A Redis failure here doesn't block routing,
	// and a task already further along keeps its state.
	var notFound *domain.TaskNotFoundError
	if _, err := d.store.GetStatus(ctx, env.id); errors.As(err, &notFound) {
		if err := d.store.SetStatus(ctx, env.id, domain.StatusPending); err != nil {
			log.Error("failed to set status PENDING", slog.String("error", err.Error()))
		}
	}

	telemetry.DispatcherTasksRouted.WithLabelValues(queue).Inc()
	log.Info("task routed", slog.String("topic", target))
	return nil
}

// inspect validates the envelope and extracts the task id and name.
func (d *Dispatcher) inspect(msg kafka.Message) (*envelope, error) {
	wire, err := kafka.DecodeMessage(msg)
	if err != nil {
		return nil, err
	}
	ct := wire.Properties.ContentType
	if ct == "" {
		return nil, &domain.MalformedMessageError{Field: "content_type"}
	}
	if _, err := d.codecs.Lookup(ct); err != nil {
		return nil, err
	}

	env := &envelope{wire: wire}
	if name, ok := protocol.TaskName(wire); ok {
		telemetry.MessagesDecoded.WithLabelValues("v2", ct).Inc()
		env.name = name
		if id, ok := wire.Headers["id"].(string); ok && id != "" {
			env.id = id
		} else {
			env.id = wire.Properties.CorrelationID
		}
		if env.name == "" || env.id == "" {
			return nil, &domain.MalformedMessageError{Field: "headers", Reason: "v2 message without task name or id"}
		}
		return env, nil
	}

	m, err := d.decoder.Decode(wire)
	if err != nil {
		return nil, err
	}
	telemetry.MessagesDecoded.WithLabelValues("v1", ct).Inc()
	env.id, env.name, env.decoded = m.ID, m.Name, m
	return env, nil
}

// postpone re-encodes the message in its own version and content type with
// the ETA moved to at least now + delay. Trace headers of the original are kept.
func (d *Dispatcher) postpone(env *envelope, original []kafkago.Header) ([]byte, []kafkago.Header, error) {
	m := env.decoded
	if m == nil {
		var err error
		if m, err = d.decoder.Decode(env.wire); err != nil {
			return nil, nil, err
		}
	}
	m = m.Clone()
	eta := d.now().UTC().Add(d.delay)
	if m.ETA == nil || m.ETA.Before(eta) {
		m.ETA = &eta
	}
	out, err := d.encoder.EncodeVersion(m, m.Version)
	if err != nil {
		return nil, nil, err
	}
	headers, err := kafka.EncodeHeaders(out)
	if err != nil {
		return nil, nil, err
	}
	telemetry.MessagesEncoded.WithLabelValues(fmt.Sprintf("v%d", m.Version), out.Properties.ContentType).Inc()
	return out.Body, kafka.WithTraceHeaders(headers, original), nil
}

// toDLQ publishes the original message to the dead-letter queue.
func (d *Dispatcher) toDLQ(ctx context.Context, msg kafka.Message, reason string, cause error) error {
	headers := kafka.WithDLQReason(msg.Headers, reason, cause)
	if err := d.producer.Publish(ctx, kafka.TopicDLQ, string(msg.Key), msg.Value, headers...); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	telemetry.DispatcherDLQTotal.WithLabelValues(reason).Inc()
	return nil
}

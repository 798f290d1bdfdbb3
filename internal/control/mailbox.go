package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/kafka"
)

// Request is one broadcast control message.
type Request struct {
	Command     string         `json:"method"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Destination []string       `json:"destination,omitempty"` // empty means every worker
	ReplyTo     string         `json:"reply_to,omitempty"`
	Ticket      string         `json:"ticket,omitempty"`
	Clock       uint64         `json:"clock,omitempty"`
}

// Reply is what a worker publishes to Request.ReplyTo.
type Reply struct {
	Hostname string `json:"hostname"`
	Ticket   string `json:"ticket,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

var wire = codec.JSON()

// Broadcast publishes req to every worker's mailbox.
func Broadcast(ctx context.Context, p kafka.Producer, req Request) error {
	data, err := wire.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode control request: %w", err)
	}
	return p.Publish(ctx, kafka.TopicControl, req.Ticket, data)
}

// ConsumerFactory opens a fresh consumer on the control topic.
type ConsumerFactory func() kafka.Consumer

// Mailbox listens for control requests addressed to one worker.
type Mailbox struct {
	hostname    string
	panel       *Panel
	newConsumer ConsumerFactory
	producer    kafka.Producer
	logger      *slog.Logger

	clock  atomic.Uint64
	resets atomic.Int64
}

func NewMailbox(hostname string, panel *Panel, newConsumer ConsumerFactory, producer kafka.Producer, logger *slog.Logger) *Mailbox {
	return &Mailbox{
		hostname:    hostname,
		panel:       panel,
		newConsumer: newConsumer,
		producer:    producer,
		logger:      logger.With(slog.String("component", "mailbox")),
	}
}

// Clock is the logical clock, advanced by every received request and by
// any request carrying a later clock.
func (m *Mailbox) Clock() uint64 { return m.clock.Load() }

// Resets counts how many times the consumer was replaced after a failure.
func (m *Mailbox) Resets() int64 { return m.resets.Load() }

// Run consumes until ctx is cancelled. A command that fails replaces the
// consumer with a new one.
func (m *Mailbox) Run(ctx context.Context) error {
	for {
		c := m.newConsumer()
		err := c.Subscribe(ctx, m.HandleMessage)
		if cerr := c.Close(); cerr != nil {
			m.logger.Warn("closing control consumer", slog.String("error", cerr.Error()))
		}
		switch {
		case ctx.Err() != nil:
			m.logger.Debug("cancelling broadcast consumer")
			return nil
		case errors.Is(err, kafka.ErrReset):
			m.resets.Add(1)
			m.logger.Info("control consumer reset")
		case err != nil:
			return err
		default:
			return nil
		}
	}
}

// HandleMessage runs one request. Requests for other workers and requests
// that cannot be decoded are acknowledged and dropped.
func (m *Mailbox) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var req Request
	if err := wire.Unmarshal(msg.Value, &req); err != nil {
		m.forwardClock(0)
		m.logger.Error("undecodable control message",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		return nil
	}
	m.forwardClock(req.Clock)
	if len(req.Destination) > 0 && !slices.Contains(req.Destination, m.hostname) {
		return nil
	}

	log := m.logger.With(slog.String("command", req.Command), slog.String("ticket", req.Ticket))
	args, err := normalizeArgs(req.Arguments)
	if err != nil {
		log.Error("control arguments", slog.String("error", err.Error()))
		return nil
	}

	result, err := m.panel.Dispatch(ctx, req.Command, args)
	var unknown *UnknownCommandError
	switch {
	case errors.As(err, &unknown):
		log.Error("no such control command")
		return m.reply(ctx, req, Reply{Error: err.Error()})
	case err != nil:
		log.Error("control command error", slog.String("error", err.Error()))
		if rerr := m.reply(ctx, req, Reply{Error: err.Error()}); rerr != nil {
			log.Warn("control reply failed", slog.String("error", rerr.Error()))
		}
		return fmt.Errorf("command %s: %v: %w", req.Command, err, kafka.ErrReset)
	}
	log.Debug("control command handled")
	return m.reply(ctx, req, Reply{Result: result})
}

func (m *Mailbox) reply(ctx context.Context, req Request, r Reply) error {
	if req.ReplyTo == "" {
		return nil
	}
	r.Hostname = m.hostname
	r.Ticket = req.Ticket
	data, err := wire.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode control reply: %w", err)
	}
	if err := m.producer.Publish(ctx, req.ReplyTo, req.Ticket, data); err != nil {
		return fmt.Errorf("publish control reply: %w", err)
	}
	return nil
}

// forwardClock sets the clock to max(clock, seen) + 1.
func (m *Mailbox) forwardClock(seen uint64) {
	for {
		cur := m.clock.Load()
		next := max(cur, seen) + 1
		if m.clock.CompareAndSwap(cur, next) {
			return
		}
	}
}

package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-protocol/internal/control"
	"github.com/ramiqadoumi/go-task-protocol/internal/kafka"
)

// ── mocks ──

type sentMessage struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeProducer) Publish(_ context.Context, topic, key string, value []byte, _ ...kafkago.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{topic: topic, key: key, value: value})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) replies(t *testing.T) []control.Reply {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]control.Reply, len(f.sent))
	for i, s := range f.sent {
		require.NoError(t, json.Unmarshal(s.value, &out[i]))
	}
	return out
}

// fakeConsumer feeds its messages to the handler, then blocks until ctx ends.
type fakeConsumer struct {
	msgs   []kafka.Message
	closed bool
}

func (c *fakeConsumer) Subscribe(ctx context.Context, handler kafka.HandlerFunc) error {
	for len(c.msgs) > 0 {
		m := c.msgs[0]
		c.msgs = c.msgs[1:]
		if err := handler(ctx, m); errors.Is(err, kafka.ErrReset) {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func (c *fakeConsumer) Close() error { c.closed = true; return nil }

type fakeWorker struct{}

func (fakeWorker) Hostname() string      { return "w1@host" }
func (fakeWorker) Stats() map[string]any { return map[string]any{"processed": int64(7)} }
func (fakeWorker) Registered() []string  { return []string{"tasks.add", "tasks.ping"} }

type fakeRevoker struct{ ids []string }

func (r *fakeRevoker) Revoke(_ context.Context, ids ...string) error {
	r.ids = append(r.ids, ids...)
	return nil
}

func request(t *testing.T, req control.Request) kafka.Message {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.TopicControl, Value: data}
}

func newMailbox(panel *control.Panel, p *fakeProducer, consumers ...*fakeConsumer) *control.Mailbox {
	i := 0
	factory := func() kafka.Consumer {
		c := consumers[i]
		if i < len(consumers)-1 {
			i++
		}
		return c
	}
	return control.NewMailbox("w1@host", panel, factory, p, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMailbox_PingRepliesToRequester(t *testing.T) {
	p := &fakeProducer{}
	mb := newMailbox(control.DefaultPanel(fakeWorker{}, &fakeRevoker{}), p)

	require.NoError(t, mb.HandleMessage(context.Background(), request(t, control.Request{
		Command: "ping", ReplyTo: "replies.client-1", Ticket: "tk-1",
	})))

	require.Len(t, p.sent, 1)
	assert.Equal(t, "replies.client-1", p.sent[0].topic)
	assert.Equal(t, "tk-1", p.sent[0].key)
	r := p.replies(t)[0]
	assert.Equal(t, "w1@host", r.Hostname)
	assert.Equal(t, "tk-1", r.Ticket)
	assert.Equal(t, map[string]any{"ok": "pong"}, r.Result)
}

func TestMailbox_RevokeAndStats(t *testing.T) {
	p := &fakeProducer{}
	rev := &fakeRevoker{}
	mb := newMailbox(control.DefaultPanel(fakeWorker{}, rev), p)
	ctx := context.Background()

	require.NoError(t, mb.HandleMessage(ctx, request(t, control.Request{
		Command: "revoke", Arguments: map[string]any{"task_id": []any{"a", "b"}},
	})))
	assert.Equal(t, []string{"a", "b"}, rev.ids)
	assert.Empty(t, p.sent, "no reply_to, no reply")

	require.NoError(t, mb.HandleMessage(ctx, request(t, control.Request{Command: "stats", ReplyTo: "r"})))
	require.NoError(t, mb.HandleMessage(ctx, request(t, control.Request{Command: "registered", ReplyTo: "r"})))
	replies := p.replies(t)
	assert.Equal(t, map[string]any{"processed": float64(7)}, replies[0].Result)
	assert.Equal(t, []any{"tasks.add", "tasks.ping"}, replies[1].Result)
}

func TestMailbox_IgnoresOtherDestinations(t *testing.T) {
	p := &fakeProducer{}
	mb := newMailbox(control.DefaultPanel(fakeWorker{}, &fakeRevoker{}), p)

	require.NoError(t, mb.HandleMessage(context.Background(), request(t, control.Request{
		Command: "ping", ReplyTo: "r", Destination: []string{"w2@host"},
	})))
	assert.Empty(t, p.sent)
}

func TestMailbox_UnknownCommandIsLoggedNotReset(t *testing.T) {
	p := &fakeProducer{}
	mb := newMailbox(control.NewPanel(), p)

	err := mb.HandleMessage(context.Background(), request(t, control.Request{Command: "shutdown_now", ReplyTo: "r"}))
	require.NoError(t, err)
	assert.Equal(t, "no such control command: shutdown_now", p.replies(t)[0].Error)
}

func TestMailbox_CommandErrorRequestsReset(t *testing.T) {
	panel := control.NewPanel()
	panel.Register("explode", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	})
	mb := newMailbox(panel, &fakeProducer{})

	err := mb.HandleMessage(context.Background(), request(t, control.Request{Command: "explode"}))
	assert.ErrorIs(t, err, kafka.ErrReset)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestMailbox_RevokeWithoutTaskIDResets(t *testing.T) {
	mb := newMailbox(control.DefaultPanel(fakeWorker{}, &fakeRevoker{}), &fakeProducer{})
	err := mb.HandleMessage(context.Background(), request(t, control.Request{Command: "revoke"}))
	assert.ErrorIs(t, err, kafka.ErrReset)
}

func TestMailbox_UndecodableIsDropped(t *testing.T) {
	mb := newMailbox(control.NewPanel(), &fakeProducer{})
	require.NoError(t, mb.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}

func TestMailbox_RunResetsConsumer(t *testing.T) {
	panel := control.DefaultPanel(fakeWorker{}, &fakeRevoker{})
	panel.Register("explode", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	})
	p := &fakeProducer{}
	first := &fakeConsumer{msgs: []kafka.Message{request(t, control.Request{Command: "explode"})}}
	second := &fakeConsumer{msgs: []kafka.Message{request(t, control.Request{Command: "ping", ReplyTo: "r"})}}
	mb := newMailbox(panel, p, first, second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mb.Run(ctx) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, first.closed)
	assert.True(t, second.closed)
	assert.Equal(t, int64(1), mb.Resets())
}

func TestMailbox_ClockForwards(t *testing.T) {
	mb := newMailbox(control.DefaultPanel(fakeWorker{}, &fakeRevoker{}), &fakeProducer{})
	ctx := context.Background()

	require.NoError(t, mb.HandleMessage(ctx, request(t, control.Request{Command: "ping"})))
	assert.Equal(t, uint64(1), mb.Clock())
	require.NoError(t, mb.HandleMessage(ctx, request(t, control.Request{Command: "ping", Clock: 41})))
	assert.Equal(t, uint64(42), mb.Clock())
	require.NoError(t, mb.HandleMessage(ctx, request(t, control.Request{Command: "ping", Clock: 3})))
	assert.Equal(t, uint64(43), mb.Clock())
}

func TestBroadcast(t *testing.T) {
	p := &fakeProducer{}
	require.NoError(t, control.Broadcast(context.Background(), p, control.Request{Command: "ping", Ticket: "tk"}))
	require.Len(t, p.sent, 1)
	assert.Equal(t, kafka.TopicControl, p.sent[0].topic)

	var back control.Request
	require.NoError(t, json.Unmarshal(p.sent[0].value, &back))
	assert.Equal(t, "ping", back.Command)
}

func TestPanel_Commands(t *testing.T) {
	p := control.DefaultPanel(fakeWorker{}, &fakeRevoker{})
	assert.Equal(t, []string{"ping", "registered", "revoke", "stats"}, p.Commands())
}

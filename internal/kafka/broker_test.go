package kafka_test

import (
	"context"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/kafka"
	"github.com/ramiqadoumi/go-task-protocol/internal/protocol"
	"github.com/ramiqadoumi/go-task-protocol/pkg/retry"
)

// ── mocks ──

type published struct {
	topic   string
	key     string
	value   []byte
	headers []kafkago.Header
}

type fakeProducer struct {
	sent []published
	err  error
}

func (f *fakeProducer) Publish(_ context.Context, topic, key string, value []byte, headers ...kafkago.Header) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestBroker_PublishRoutesAndKeysByID(t *testing.T) {
	p := &fakeProducer{}
	codecs := codec.NewDefaultRegistry()
	b := kafka.NewBroker(p, protocol.NewEncoder(codecs), func(m *domain.TaskMessage) string {
		return kafka.QueueTopic("math")
	})

	require.NoError(t, b.Publish(context.Background(), addMessage()))
	require.Len(t, p.sent, 1)
	assert.Equal(t, "tasks.queue.math", p.sent[0].topic)
	assert.Equal(t, "id-1", p.sent[0].key)

	back, err := kafka.DecodeMessage(kafka.Message{Value: p.sent[0].value, Headers: p.sent[0].headers})
	require.NoError(t, err)
	name, ok := protocol.TaskName(back)
	require.True(t, ok)
	assert.Equal(t, "proj.tasks.add", name)
}

func TestBroker_DefaultRouteIsPending(t *testing.T) {
	p := &fakeProducer{}
	b := kafka.NewBroker(p, protocol.NewEncoder(codec.NewDefaultRegistry()), nil)
	require.NoError(t, b.Publish(context.Background(), addMessage()))
	assert.Equal(t, kafka.TopicPending, p.sent[0].topic)
}

func TestBroker_EncodeErrorNotPublished(t *testing.T) {
	p := &fakeProducer{}
	b := kafka.NewBroker(p, protocol.NewEncoder(codec.NewDefaultRegistry()), nil)

	err := b.Publish(context.Background(), &domain.TaskMessage{Name: "no-id"})
	var malformed *domain.MalformedMessageError
	require.True(t, errors.As(err, &malformed))
	var encodeErr *domain.EncodeError
	require.True(t, errors.As(err, &encodeErr))
	assert.Empty(t, p.sent)

	// encoding failures are not retried
	calls := 0
	err = retry.Do(context.Background(), retry.Config{MaxAttempts: 3}, func() error {
		calls++
		return b.Publish(context.Background(), &domain.TaskMessage{Name: "no-id"})
	})
	require.True(t, errors.As(err, &encodeErr))
	assert.Equal(t, 1, calls)
}

func TestBroker_V1ChainPublishes(t *testing.T) {
	p := &fakeProducer{}
	enc := protocol.NewEncoder(codec.NewDefaultRegistry(), protocol.WithVersion(domain.ProtocolV1))
	b := kafka.NewBroker(p, enc, nil)

	m := addMessage()
	m.Embed.Chain = []*domain.Signature{{Task: "proj.tasks.c"}, {Task: "proj.tasks.b"}}
	require.NoError(t, b.Publish(context.Background(), m))
	require.Len(t, p.sent, 1)
}

func TestBroker_ProducerErrorPropagates(t *testing.T) {
	boom := errors.New("broker down")
	b := kafka.NewBroker(&fakeProducer{err: boom}, protocol.NewEncoder(codec.NewDefaultRegistry()), nil)
	assert.ErrorIs(t, b.Publish(context.Background(), addMessage()), boom)
}

func TestQueueTopic(t *testing.T) {
	assert.Equal(t, "tasks.queue.default", kafka.QueueTopic(""))
	assert.Equal(t, "tasks.queue.io", kafka.QueueTopic("io"))
}

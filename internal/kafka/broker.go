package kafka

import (
	"context"
	"fmt"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/protocol"
	"github.com/ramiqadoumi/go-task-protocol/pkg/retry"
)

// Router picks the topic a task message is published to.
type Router func(m *domain.TaskMessage) string

// StaticRouter sends every message to topic.
func StaticRouter(topic string) Router {
	return func(*domain.TaskMessage) string { return topic }
}

// Broker encodes task messages with the protocol encoder and publishes them
// keyed by task id. It satisfies reducer.Publisher.
type Broker struct {
	producer Producer
	encoder  *protocol.Encoder
	route    Router
}

// NewBroker returns a Broker. A nil route publishes to TopicPending.
func NewBroker(p Producer, enc *protocol.Encoder, route Router) *Broker {
	if route == nil {
		route = StaticRouter(TopicPending)
	}
	return &Broker{producer: p, encoder: enc, route: route}
}

// Publish encodes m and sends it to the routed topic. A message that cannot
// be encoded fails with a *domain.EncodeError marked retry.Permanent.
func (b *Broker) Publish(ctx context.Context, m *domain.TaskMessage) error {
	msg, err := b.encoder.Encode(m)
	if err != nil {
		return retry.Permanent(&domain.EncodeError{TaskID: m.ID, Err: err})
	}
	headers, err := EncodeHeaders(msg)
	if err != nil {
		return retry.Permanent(&domain.EncodeError{TaskID: m.ID, Err: err})
	}
	topic := b.route(m)
	if err := b.producer.Publish(ctx, topic, m.ID, msg.Body, headers...); err != nil {
		return fmt.Errorf("publish task %s to %s: %w", m.ID, topic, err)
	}
	return nil
}

// PublishRaw sends an already encoded message, keeping its properties and
// protocol headers intact.
func (b *Broker) PublishRaw(ctx context.Context, topic, key string, msg *protocol.Message) error {
	headers, err := EncodeHeaders(msg)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, topic, key, msg.Body, headers...)
}

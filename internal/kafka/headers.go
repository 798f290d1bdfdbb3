package kafka

import (
	"fmt"
	"sort"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/protocol"
)

// Kafka header keys that carry message properties verbatim.
const (
	hdrCorrelationID   = "correlation_id"
	hdrContentType     = "content_type"
	hdrContentEncoding = "content_encoding"
	hdrReplyTo         = "reply_to"
)

// Trace propagation headers are owned by the OTel propagator.
var reservedHeaders = map[string]bool{
	"traceparent": true,
	"tracestate":  true,
	"baggage":     true,
}

var headerCodec = codec.JSON()

// HeaderCarrier adapts a Kafka message's []Header slice to the
// OpenTelemetry propagation.TextMapCarrier interface.
type HeaderCarrier []kafka.Header

// Get returns the value for the first header matching key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys returns all header keys present in the carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

// EncodeHeaders maps the properties and protocol headers of msg onto Kafka
// headers. Properties travel as raw strings; protocol header values are JSON
// so that nil, numbers and lists survive the trip.
func EncodeHeaders(msg *protocol.Message) ([]kafka.Header, error) {
	out := make([]kafka.Header, 0, len(msg.Headers)+4)
	p := msg.Properties
	for _, kv := range [][2]string{
		{hdrCorrelationID, p.CorrelationID},
		{hdrContentType, p.ContentType},
		{hdrContentEncoding, p.ContentEncoding},
		{hdrReplyTo, p.ReplyTo},
	} {
		if kv[1] != "" {
			out = append(out, kafka.Header{Key: kv[0], Value: []byte(kv[1])})
		}
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isPropertyKey(k) || reservedHeaders[k] {
			return nil, fmt.Errorf("protocol header %q collides with a transport header", k)
		}
		v, err := headerCodec.Marshal(msg.Headers[k])
		if err != nil {
			return nil, fmt.Errorf("encode header %q: %w", k, err)
		}
		out = append(out, kafka.Header{Key: k, Value: v})
	}
	return out, nil
}

// DecodeMessage rebuilds a protocol message from a consumed Kafka message.
// A message without protocol headers yields nil Headers and is detected as v1.
func DecodeMessage(m Message) (*protocol.Message, error) {
	msg := &protocol.Message{Body: m.Value}
	for _, h := range m.Headers {
		switch h.Key {
		case hdrCorrelationID:
			msg.Properties.CorrelationID = string(h.Value)
		case hdrContentType:
			msg.Properties.ContentType = string(h.Value)
		case hdrContentEncoding:
			msg.Properties.ContentEncoding = string(h.Value)
		case hdrReplyTo:
			msg.Properties.ReplyTo = string(h.Value)
		default:
			if reservedHeaders[h.Key] {
				continue
			}
			var raw any
			if err := headerCodec.Unmarshal(h.Value, &raw); err != nil {
				return nil, &domain.MalformedMessageError{Field: "header " + h.Key, Reason: err.Error()}
			}
			v, err := codec.Normalize(raw)
			if err != nil {
				return nil, &domain.MalformedMessageError{Field: "header " + h.Key, Reason: err.Error()}
			}
			if msg.Headers == nil {
				msg.Headers = make(protocol.Headers)
			}
			msg.Headers[h.Key] = v
		}
	}
	return msg, nil
}

// Dead-letter header keys. Values are JSON strings so a DLQ message still
// decodes with DecodeMessage.
const (
	HeaderDLQReason = "dlq_reason"
	HeaderDLQError  = "dlq_error"
)

// WithDLQReason returns a copy of headers annotated with why a message was
// dead-lettered.
func WithDLQReason(headers []kafka.Header, reason string, cause error) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+2)
	for _, h := range headers {
		if h.Key != HeaderDLQReason && h.Key != HeaderDLQError {
			out = append(out, h)
		}
	}
	r, _ := headerCodec.Marshal(reason)
	out = append(out, kafka.Header{Key: HeaderDLQReason, Value: r})
	if cause != nil {
		e, _ := headerCodec.Marshal(cause.Error())
		out = append(out, kafka.Header{Key: HeaderDLQError, Value: e})
	}
	return out
}

// WithTraceHeaders returns headers plus the trace propagation headers of from
// that headers does not already carry.
func WithTraceHeaders(headers, from []kafka.Header) []kafka.Header {
	carrier := HeaderCarrier(headers)
	out := append([]kafka.Header(nil), headers...)
	for _, h := range from {
		if reservedHeaders[h.Key] && carrier.Get(h.Key) == "" {
			out = append(out, h)
		}
	}
	return out
}

func isPropertyKey(k string) bool {
	switch k {
	case hdrCorrelationID, hdrContentType, hdrContentEncoding, hdrReplyTo:
		return true
	}
	return false
}

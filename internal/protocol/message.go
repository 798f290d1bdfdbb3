// Package protocol converts task messages to and from the v1 and v2 wire
// layouts and detects which layout an inbound message uses.
package protocol

import "github.com/ramiqadoumi/go-task-protocol/internal/domain"

// Properties are the transport-level fields present on every message.
type Properties struct {
	CorrelationID   string
	ContentType     string
	ContentEncoding string
	ReplyTo         string
}

// Headers are inspectable without decoding the body. Values are scalars,
// nil, or []any.
type Headers map[string]any

// Message is one wire envelope as handed to or received from a broker.
type Message struct {
	Properties Properties
	Headers    Headers
	Body       []byte
}

// RawMessage is an inbound message tagged with the layout it was detected as.
// It is either RawV1 or RawV2.
type RawMessage interface {
	Version() domain.ProtocolVersion
	isRaw()
}

// RawV2 carries metadata in headers and (args, kwargs, embed) in the body.
type RawV2 struct {
	Properties Properties
	Headers    Headers
	Body       []byte
}

// RawV1 carries every field in one flat body mapping.
type RawV1 struct {
	Properties Properties
	Body       []byte
}

func (RawV2) Version() domain.ProtocolVersion { return domain.ProtocolV2 }
func (RawV1) Version() domain.ProtocolVersion { return domain.ProtocolV1 }
func (RawV2) isRaw()                          {}
func (RawV1) isRaw()                          {}

// Detect classifies msg by structure alone: a "task" header key means v2,
// anything else is v1. The body is not inspected.
func Detect(msg *Message) RawMessage {
	if _, ok := msg.Headers[hdrTask]; ok {
		return RawV2{Properties: msg.Properties, Headers: msg.Headers, Body: msg.Body}
	}
	return RawV1{Properties: msg.Properties, Body: msg.Body}
}

// Header keys of the v2 layout.
const (
	hdrLang      = "lang"
	hdrTask      = "task"
	hdrID        = "id"
	hdrRootID    = "root_id"
	hdrParentID  = "parent_id"
	hdrGroup     = "group"
	hdrMethod    = "meth"
	hdrShadow    = "shadow"
	hdrETA       = "eta"
	hdrExpires   = "expires"
	hdrRetries   = "retries"
	hdrTimeLimit = "timelimit"
	hdrOrigin    = "origin"
)

// Embed keys shared by the v2 embed map and the v1 body.
const (
	embedCallbacks = "callbacks"
	embedErrbacks  = "errbacks"
	embedChain     = "chain"
	embedChord     = "chord"
)

// TaskName returns the task name from the headers of a v2 message without
// decoding its body. ok is false for v1 messages.
func TaskName(msg *Message) (string, bool) {
	v, ok := msg.Headers[hdrTask]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

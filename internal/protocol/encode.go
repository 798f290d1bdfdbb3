package protocol

import (
	"time"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/isotime"
)

// DefaultLang is the lang header emitted when a message does not set one.
// Existing consumers on the wire identify themselves as "py".
const DefaultLang = "py"

// Encoder renders task messages into wire envelopes.
// An Encoder holds no mutable state and is safe for concurrent use.
type Encoder struct {
	codecs      *codec.Registry
	contentType string
	lang        string
	origin      string
	version     domain.ProtocolVersion
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

func WithContentType(ct string) EncoderOption { return func(e *Encoder) { e.contentType = ct } }
func WithLang(lang string) EncoderOption      { return func(e *Encoder) { e.lang = lang } }
func WithOrigin(origin string) EncoderOption  { return func(e *Encoder) { e.origin = origin } }

// WithVersion selects the layout used by Encode. Defaults to v2.
func WithVersion(v domain.ProtocolVersion) EncoderOption {
	return func(e *Encoder) { e.version = v }
}

// NewEncoder returns an Encoder that serializes bodies with codecs.
func NewEncoder(codecs *codec.Registry, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		codecs:      codecs,
		contentType: codec.ContentTypeJSON,
		lang:        DefaultLang,
		version:     domain.ProtocolV2,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Version returns the layout Encode emits.
func (e *Encoder) Version() domain.ProtocolVersion { return e.version }

// Encode renders m in the encoder's configured version.
func (e *Encoder) Encode(m *domain.TaskMessage) (*Message, error) {
	return e.EncodeVersion(m, e.version)
}

// EncodeVersion renders m in the requested layout.
func (e *Encoder) EncodeVersion(m *domain.TaskMessage, v domain.ProtocolVersion) (*Message, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	switch v {
	case domain.ProtocolV2:
		return e.encodeV2(m)
	case domain.ProtocolV1:
		return e.encodeV1(m)
	default:
		return nil, &domain.UnsupportedFieldError{Field: "protocol_version", Version: v}
	}
}

func (e *Encoder) encodeV2(m *domain.TaskMessage) (*Message, error) {
	lang := m.Lang
	if lang == "" {
		lang = e.lang
	}
	h := Headers{
		hdrLang:      lang,
		hdrTask:      m.Name,
		hdrID:        m.ID,
		hdrRootID:    nullable(m.RootID),
		hdrParentID:  nullable(m.ParentID),
		hdrGroup:     nullable(m.GroupID),
		hdrETA:       timeOrNil(m.ETA),
		hdrExpires:   timeOrNil(m.Expires),
		hdrRetries:   int64(m.Retries),
		hdrTimeLimit: timeLimitToWire(m.TimeLimit),
	}
	if m.Method != "" {
		h[hdrMethod] = m.Method
	}
	if m.Shadow != "" {
		h[hdrShadow] = m.Shadow
	}
	origin := m.Origin
	if origin == "" {
		origin = e.origin
	}
	if origin != "" {
		h[hdrOrigin] = origin
	}

	embed := map[string]any{
		embedCallbacks: SignaturesToWire(m.Embed.Callbacks),
		embedErrbacks:  SignaturesToWire(m.Embed.Errbacks),
		embedChain:     SignaturesToWire(m.Embed.Chain),
		embedChord:     signatureOrNil(m.Embed.Chord),
	}
	body := []any{orEmptySlice(m.Args), orEmptyMap(m.Kwargs), embed}

	return e.envelope(m, h, body)
}

func (e *Encoder) encodeV1(m *domain.TaskMessage) (*Message, error) {
	// root_id, parent_id, meth, shadow and origin have no v1 field and are dropped.
	callbacks := m.Embed.Callbacks
	if next := chainAsCallback(m.Embed.Chain); next != nil {
		callbacks = append(append([]*domain.Signature(nil), callbacks...), next)
	}
	body := map[string]any{
		"task":         m.Name,
		"id":           m.ID,
		"args":         orEmptySlice(m.Args),
		"kwargs":       orEmptyMap(m.Kwargs),
		"retries":      int64(m.Retries),
		"eta":          timeOrNil(m.ETA),
		"expires":      timeOrNil(m.Expires),
		"taskset":      nullable(m.GroupID),
		"chord":        signatureOrNil(m.Embed.Chord),
		"utc":          true,
		embedCallbacks: SignaturesToWire(callbacks),
		embedErrbacks:  SignaturesToWire(m.Embed.Errbacks),
		"timelimit":    timeLimitToWire(m.TimeLimit),
	}
	return e.envelope(m, nil, body)
}

// chainAsCallback folds the remaining chain into the next step, which v1
// carries as a callback holding the rest of the chain in its own options.
func chainAsCallback(chain []*domain.Signature) *domain.Signature {
	n := len(chain)
	if n == 0 {
		return nil
	}
	next := chain[n-1].Clone()
	rest := make([]*domain.Signature, 0, n-1+len(next.Embed.Chain))
	for _, s := range chain[:n-1] {
		rest = append(rest, s.Clone())
	}
	next.Embed.Chain = append(rest, next.Embed.Chain...)
	return next
}

func (e *Encoder) envelope(m *domain.TaskMessage, h Headers, body any) (*Message, error) {
	ct := m.ContentType
	if ct == "" {
		ct = e.contentType
	}
	data, enc, err := e.codecs.Encode(ct, body)
	if err != nil {
		return nil, err
	}
	return &Message{
		Properties: Properties{
			CorrelationID:   m.ID,
			ContentType:     ct,
			ContentEncoding: enc,
			ReplyTo:         m.ReplyTo,
		},
		Headers: h,
		Body:    data,
	}, nil
}

func validate(m *domain.TaskMessage) error {
	if m.ID == "" {
		return &domain.MalformedMessageError{Field: hdrID}
	}
	if m.Name == "" {
		return &domain.MalformedMessageError{Field: hdrTask}
	}
	if m.Retries < 0 {
		return &domain.MalformedMessageError{Field: hdrRetries, Reason: "must be >= 0"}
	}
	return validateTimeLimit(m.TimeLimit)
}

func validateTimeLimit(tl domain.TimeLimit) error {
	if tl.Soft != nil && tl.Hard != nil && *tl.Hard < *tl.Soft {
		return &domain.MalformedMessageError{Field: hdrTimeLimit, Reason: "hard limit is below soft limit"}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return isotime.Format(*t)
}

func signatureOrNil(s *domain.Signature) any {
	if s == nil {
		return nil
	}
	return SignatureToWire(s)
}

func timeLimitToWire(tl domain.TimeLimit) []any {
	return []any{secondsOrNil(tl.Soft), secondsOrNil(tl.Hard)}
}

func secondsOrNil(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return d.Seconds()
}

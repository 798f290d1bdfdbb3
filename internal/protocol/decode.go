package protocol

import (
	"fmt"
	"math"
	"time"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/isotime"
)

// Decoder turns wire envelopes of either layout into TaskMessages.
type Decoder struct {
	codecs *codec.Registry
	loc    *time.Location
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLocation sets the zone used for naive v1 timestamps whose body does
// not carry utc=true. Defaults to time.Local.
func WithLocation(loc *time.Location) DecoderOption {
	return func(d *Decoder) { d.loc = loc }
}

// NewDecoder returns a Decoder that parses bodies with codecs.
func NewDecoder(codecs *codec.Registry, opts ...DecoderOption) *Decoder {
	d := &Decoder{codecs: codecs, loc: time.Local}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Normalize decodes msg and checks its expiry against now. An expired message
// is returned together with an *domain.ExpiredTaskError; callers discard it
// without running it.
func (d *Decoder) Normalize(msg *Message, now time.Time) (*domain.TaskMessage, error) {
	m, err := d.Decode(msg)
	if err != nil {
		return nil, err
	}
	if m.Expired(now) {
		return m, &domain.ExpiredTaskError{TaskID: m.ID, Expires: *m.Expires}
	}
	return m, nil
}

// Decode detects the layout of msg and converts it.
func (d *Decoder) Decode(msg *Message) (*domain.TaskMessage, error) {
	ct := msg.Properties.ContentType
	if ct == "" {
		return nil, &domain.MalformedMessageError{Field: "content_type"}
	}
	if _, err := d.codecs.Lookup(ct); err != nil {
		return nil, err
	}
	switch raw := Detect(msg).(type) {
	case RawV2:
		return d.decodeV2(raw)
	case RawV1:
		return d.decodeV1(raw)
	default:
		return nil, fmt.Errorf("unknown raw message %T", raw)
	}
}

func (d *Decoder) decodeV2(raw RawV2) (*domain.TaskMessage, error) {
	h := raw.Headers
	m := &domain.TaskMessage{
		ContentType:     raw.Properties.ContentType,
		ContentEncoding: raw.Properties.ContentEncoding,
		ReplyTo:         raw.Properties.ReplyTo,
		Version:         domain.ProtocolV2,
	}

	var err error
	if m.Name, err = stringField(h[hdrTask], hdrTask); err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, &domain.MalformedMessageError{Field: hdrTask}
	}
	if m.ID, err = stringField(h[hdrID], hdrID); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = raw.Properties.CorrelationID
	}
	if m.ID == "" {
		return nil, &domain.MalformedMessageError{Field: hdrID}
	}

	for _, f := range []struct {
		key string
		dst *string
	}{
		{hdrLang, &m.Lang},
		{hdrRootID, &m.RootID},
		{hdrParentID, &m.ParentID},
		{hdrGroup, &m.GroupID},
		{hdrMethod, &m.Method},
		{hdrShadow, &m.Shadow},
		{hdrOrigin, &m.Origin},
	} {
		if *f.dst, err = stringField(h[f.key], f.key); err != nil {
			return nil, err
		}
	}

	// v2 producers emit offset-aware timestamps; a naive one is taken as UTC.
	if m.ETA, err = timeField(h[hdrETA], hdrETA, time.UTC); err != nil {
		return nil, err
	}
	if m.Expires, err = timeField(h[hdrExpires], hdrExpires, time.UTC); err != nil {
		return nil, err
	}
	if m.Retries, err = retriesField(h[hdrRetries]); err != nil {
		return nil, err
	}
	if m.TimeLimit, err = timeLimitField(h[hdrTimeLimit]); err != nil {
		return nil, err
	}

	v, err := d.codecs.Decode(m.ContentType, raw.Body)
	if err != nil {
		return nil, err
	}
	body, ok := v.([]any)
	if !ok || len(body) != 3 {
		return nil, &domain.MalformedMessageError{Field: "body", Reason: "expected [args, kwargs, embed]"}
	}
	if m.Args, err = asList(body[0], "body.args"); err != nil {
		return nil, err
	}
	if m.Kwargs, err = asMap(body[1], "body.kwargs"); err != nil {
		return nil, err
	}
	embed, err := asMap(body[2], "body.embed")
	if err != nil {
		return nil, err
	}
	if m.Embed, err = embedFromWire(embed, "body.embed", true); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Decoder) decodeV1(raw RawV1) (*domain.TaskMessage, error) {
	m := &domain.TaskMessage{
		ContentType:     raw.Properties.ContentType,
		ContentEncoding: raw.Properties.ContentEncoding,
		ReplyTo:         raw.Properties.ReplyTo,
		Version:         domain.ProtocolV1,
	}

	v, err := d.codecs.Decode(m.ContentType, raw.Body)
	if err != nil {
		return nil, err
	}
	body, ok := v.(map[string]any)
	if !ok {
		return nil, &domain.MalformedMessageError{Field: "body", Reason: fmt.Sprintf("expected a mapping, got %T", v)}
	}

	if m.Name, err = stringField(body["task"], "task"); err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, &domain.MalformedMessageError{Field: "task"}
	}
	if m.ID, err = stringField(body["id"], "id"); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = raw.Properties.CorrelationID
	}
	if m.ID == "" {
		return nil, &domain.MalformedMessageError{Field: "id"}
	}
	if m.GroupID, err = stringField(body["taskset"], "taskset"); err != nil {
		return nil, err
	}
	if m.Args, err = asList(body["args"], "args"); err != nil {
		return nil, err
	}
	if m.Kwargs, err = asMap(body["kwargs"], "kwargs"); err != nil {
		return nil, err
	}

	loc := d.loc
	if utc, _ := body["utc"].(bool); utc {
		loc = time.UTC
	}
	if m.ETA, err = timeField(body["eta"], "eta", loc); err != nil {
		return nil, err
	}
	if m.Expires, err = timeField(body["expires"], "expires", loc); err != nil {
		return nil, err
	}
	if m.Retries, err = retriesField(body["retries"]); err != nil {
		return nil, err
	}
	if m.TimeLimit, err = timeLimitField(body["timelimit"]); err != nil {
		return nil, err
	}
	if m.Embed, err = embedFromWire(body, "body", false); err != nil {
		return nil, err
	}
	return m, nil
}

func embedFromWire(src map[string]any, field string, withChain bool) (domain.Embed, error) {
	var (
		e   domain.Embed
		err error
	)
	if e.Callbacks, err = SignaturesFromWire(src[embedCallbacks], field+"."+embedCallbacks); err != nil {
		return e, err
	}
	if e.Errbacks, err = SignaturesFromWire(src[embedErrbacks], field+"."+embedErrbacks); err != nil {
		return e, err
	}
	if withChain {
		if e.Chain, err = SignaturesFromWire(src[embedChain], field+"."+embedChain); err != nil {
			return e, err
		}
	}
	if c := src[embedChord]; c != nil {
		if e.Chord, err = SignatureFromWire(c, field+"."+embedChord); err != nil {
			return e, err
		}
	}
	return e, nil
}

func stringField(v any, field string) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		return "", &domain.MalformedMessageError{Field: field, Reason: fmt.Sprintf("expected a string, got %T", v)}
	}
}

func timeField(v any, field string, loc *time.Location) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		ts, err := isotime.Parse(t, loc)
		if err != nil {
			return nil, &domain.MalformedMessageError{Field: field, Reason: err.Error()}
		}
		ts = isotime.Truncate(ts)
		return &ts, nil
	case time.Time:
		ts := isotime.Truncate(t)
		return &ts, nil
	default:
		return nil, &domain.MalformedMessageError{Field: field, Reason: fmt.Sprintf("expected a timestamp, got %T", v)}
	}
}

func retriesField(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	n, ok := codec.ToInt64(v)
	if !ok {
		return 0, &domain.MalformedMessageError{Field: hdrRetries, Reason: fmt.Sprintf("expected an integer, got %T", v)}
	}
	if n < 0 {
		return 0, &domain.MalformedMessageError{Field: hdrRetries, Reason: "must be >= 0"}
	}
	if n > math.MaxInt32 {
		return 0, &domain.MalformedMessageError{Field: hdrRetries, Reason: "out of range"}
	}
	return int(n), nil
}

func timeLimitField(v any) (domain.TimeLimit, error) {
	var tl domain.TimeLimit
	if v == nil {
		return tl, nil
	}
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return tl, &domain.MalformedMessageError{Field: hdrTimeLimit, Reason: "expected [soft, hard]"}
	}
	var err error
	if tl.Soft, err = secondsField(pair[0]); err != nil {
		return tl, err
	}
	if tl.Hard, err = secondsField(pair[1]); err != nil {
		return tl, err
	}
	return tl, validateTimeLimit(tl)
}

func secondsField(v any) (*time.Duration, error) {
	if v == nil {
		return nil, nil
	}
	f, ok := codec.ToFloat64(v)
	if !ok || f < 0 {
		return nil, &domain.MalformedMessageError{Field: hdrTimeLimit, Reason: fmt.Sprintf("invalid limit %v", v)}
	}
	d, ok := isotime.Seconds(f)
	if !ok {
		return nil, &domain.MalformedMessageError{Field: hdrTimeLimit, Reason: fmt.Sprintf("limit %v out of range", v)}
	}
	return &d, nil
}

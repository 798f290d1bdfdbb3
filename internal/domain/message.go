package domain

import "time"

// ProtocolVersion identifies the wire layout a message was produced with.
type ProtocolVersion int

const (
	ProtocolV1 ProtocolVersion = 1
	ProtocolV2 ProtocolVersion = 2
)

// Embed is the workflow continuation carried inside a task message.
type Embed struct {
	Callbacks []*Signature // run on success
	Errbacks  []*Signature // run on failure
	Chain     []*Signature // remaining steps, next step is the LAST element
	Chord     *Signature   // fired once when the chord header completes
}

// IsZero reports whether the embed carries no continuation at all.
func (e Embed) IsZero() bool {
	return len(e.Callbacks) == 0 && len(e.Errbacks) == 0 && len(e.Chain) == 0 && e.Chord == nil
}

// Clone deep-copies every signature referenced by the embed.
func (e Embed) Clone() Embed {
	return Embed{
		Callbacks: cloneSignatures(e.Callbacks),
		Errbacks:  cloneSignatures(e.Errbacks),
		Chain:     cloneSignatures(e.Chain),
		Chord:     e.Chord.Clone(),
	}
}

// TimeLimit holds the soft and hard execution limits. Nil means unlimited.
type TimeLimit struct {
	Soft *time.Duration
	Hard *time.Duration
}

// TaskMessage is the version-independent form of one task invocation.
// Empty strings stand for absent optional identifiers.
// Values are never mutated after decoding; use Clone before changing fields.
type TaskMessage struct {
	ID       string
	Name     string
	RootID   string
	ParentID string
	GroupID  string

	Args   []any
	Kwargs map[string]any
	Embed  Embed

	Lang      string
	Method    string
	Shadow    string
	Origin    string
	ETA       *time.Time
	Expires   *time.Time
	Retries   int
	TimeLimit TimeLimit

	ContentType     string
	ContentEncoding string
	ReplyTo         string
	Version         ProtocolVersion
}

// Expired reports whether the message must be discarded at time now.
func (m *TaskMessage) Expired(now time.Time) bool {
	return m.Expires != nil && m.Expires.Before(now)
}

// Due reports how long the caller must wait before the ETA is reached.
func (m *TaskMessage) Due(now time.Time) time.Duration {
	if m.ETA == nil || !m.ETA.After(now) {
		return 0
	}
	return m.ETA.Sub(now)
}

// DisplayName is the name used for logging and monitoring.
func (m *TaskMessage) DisplayName() string {
	if m.Shadow != "" {
		return m.Shadow
	}
	return m.Name
}

// Clone returns a deep copy of the message.
func (m *TaskMessage) Clone() *TaskMessage {
	if m == nil {
		return nil
	}
	c := *m
	c.Args = cloneSlice(m.Args)
	c.Kwargs = cloneMap(m.Kwargs)
	c.Embed = m.Embed.Clone()
	c.ETA = cloneTime(m.ETA)
	c.Expires = cloneTime(m.Expires)
	c.TimeLimit = TimeLimit{Soft: cloneDuration(m.TimeLimit.Soft), Hard: cloneDuration(m.TimeLimit.Hard)}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

package domain

// Option keys understood by the workflow builder and the message materializer.
const (
	OptTaskID        = "task_id"
	OptRootID        = "root_id"
	OptGroupID       = "group_id"
	OptQueue         = "queue"
	OptCountdown     = "countdown"
	OptETA           = "eta"
	OptExpires       = "expires"
	OptRetries       = "retries"
	OptSoftTimeLimit = "soft_time_limit"
	OptTimeLimit     = "time_limit"
	OptShadow        = "shadow"
	OptReplyTo       = "reply_to"
	OptChordSize     = "chord_size"
	OptChordIndex    = "chord_index"
)

// Signature describes "call task T with these args, kwargs and options".
// A Signature is treated as immutable: every modifier returns a new value.
// Two structurally equal signatures are still distinct instances.
type Signature struct {
	Task        string
	Args        []any
	Kwargs      map[string]any
	Options     map[string]any
	Immutable   bool
	SubtaskType string
	Embed       Embed
}

// Clone returns a deep copy of s. A nil signature clones to nil.
func (s *Signature) Clone() *Signature {
	if s == nil {
		return nil
	}
	return &Signature{
		Task:        s.Task,
		Args:        cloneSlice(s.Args),
		Kwargs:      cloneMap(s.Kwargs),
		Options:     cloneMap(s.Options),
		Immutable:   s.Immutable,
		SubtaskType: s.SubtaskType,
		Embed:       s.Embed.Clone(),
	}
}

// Set returns a copy of s with the given options merged over the existing ones.
func (s *Signature) Set(opts map[string]any) *Signature {
	c := s.Clone()
	if c.Options == nil {
		c.Options = make(map[string]any, len(opts))
	}
	for k, v := range opts {
		c.Options[k] = cloneValue(v)
	}
	return c
}

// WithArgs returns a copy of s whose positional arguments are replaced.
func (s *Signature) WithArgs(args ...any) *Signature {
	c := s.Clone()
	c.Args = cloneSlice(args)
	return c
}

// Replace returns a copy of s with args, kwargs or options swapped out. A nil
// argument keeps the current value.
func (s *Signature) Replace(args []any, kwargs, options map[string]any) *Signature {
	c := s.Clone()
	if args != nil {
		c.Args = cloneSlice(args)
	}
	if kwargs != nil {
		c.Kwargs = cloneMap(kwargs)
	}
	if options != nil {
		c.Options = cloneMap(options)
	}
	return c
}

// Link returns a copy of s with callbacks appended.
func (s *Signature) Link(callbacks ...*Signature) *Signature {
	c := s.Clone()
	c.Embed.Callbacks = append(c.Embed.Callbacks, cloneSignatures(callbacks)...)
	return c
}

// LinkError returns a copy of s with errbacks appended.
func (s *Signature) LinkError(errbacks ...*Signature) *Signature {
	c := s.Clone()
	c.Embed.Errbacks = append(c.Embed.Errbacks, cloneSignatures(errbacks)...)
	return c
}

// Option returns the option value for key.
func (s *Signature) Option(key string) (any, bool) {
	if s == nil || s.Options == nil {
		return nil, false
	}
	v, ok := s.Options[key]
	return v, ok
}

// StringOption returns the option as a string, or "" when unset or not a string.
func (s *Signature) StringOption(key string) string {
	v, _ := s.Option(key)
	str, _ := v.(string)
	return str
}

func cloneSignatures(in []*Signature) []*Signature {
	if in == nil {
		return nil
	}
	out := make([]*Signature, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

func cloneSlice(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		return cloneSlice(t)
	case map[string]any:
		return cloneMap(t)
	case *Signature:
		return t.Clone()
	default:
		return v
	}
}

// CloneArgs deep-copies positional arguments. The result is never nil.
func CloneArgs(in []any) []any {
	if in == nil {
		return []any{}
	}
	return cloneSlice(in)
}

// CloneKwargs deep-copies keyword arguments. The result is never nil.
func CloneKwargs(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return cloneMap(in)
}

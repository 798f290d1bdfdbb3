package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/isotime"
)

// ToMessage turns s into a TaskMessage. parent, when non-nil, is the message
// whose execution produced s and supplies root_id and parent_id. Without a
// parent the root_id option, set on group members, wins over the message's
// own id. now anchors relative options such as countdown and numeric expires.
func ToMessage(s *domain.Signature, parent *domain.TaskMessage, now time.Time) (*domain.TaskMessage, error) {
	if s == nil || s.Task == "" {
		return nil, &domain.InvalidWorkflowError{Reason: "signature has no task name"}
	}
	now = isotime.Truncate(now)

	m := &domain.TaskMessage{
		ID:      s.StringOption(domain.OptTaskID),
		Name:    s.Task,
		GroupID: s.StringOption(domain.OptGroupID),
		Shadow:  s.StringOption(domain.OptShadow),
		ReplyTo: s.StringOption(domain.OptReplyTo),
		Args:    domain.CloneArgs(s.Args),
		Kwargs:  domain.CloneKwargs(s.Kwargs),
		Embed:   s.Embed.Clone(),
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	switch {
	case parent == nil:
		m.RootID = s.StringOption(domain.OptRootID)
		if m.RootID == "" {
			m.RootID = m.ID
		}
	case parent.RootID != "":
		m.RootID = parent.RootID
		m.ParentID = parent.ID
	default:
		m.RootID = parent.ID
		m.ParentID = parent.ID
	}

	var err error
	if m.ETA, err = etaOption(s, now); err != nil {
		return nil, err
	}
	if m.Expires, err = timeOption(s, domain.OptExpires, now); err != nil {
		return nil, err
	}
	if v, ok := s.Option(domain.OptRetries); ok {
		n, ok := codec.ToInt64(v)
		if !ok || n < 0 {
			return nil, optionError(domain.OptRetries, v)
		}
		m.Retries = int(n)
	}
	if m.TimeLimit.Soft, err = durationOption(s, domain.OptSoftTimeLimit); err != nil {
		return nil, err
	}
	if m.TimeLimit.Hard, err = durationOption(s, domain.OptTimeLimit); err != nil {
		return nil, err
	}
	if tl := m.TimeLimit; tl.Soft != nil && tl.Hard != nil && *tl.Hard < *tl.Soft {
		return nil, &domain.InvalidWorkflowError{Reason: "time_limit is below soft_time_limit"}
	}
	return m, nil
}

// Messages materializes every member of g as a root message.
func (g *Group) Messages(parent *domain.TaskMessage, now time.Time) ([]*domain.TaskMessage, error) {
	out := make([]*domain.TaskMessage, 0, len(g.Members))
	for _, s := range g.Members {
		m, err := ToMessage(s, parent, now)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func etaOption(s *domain.Signature, now time.Time) (*time.Time, error) {
	if _, ok := s.Option(domain.OptETA); ok {
		return timeOption(s, domain.OptETA, now)
	}
	v, ok := s.Option(domain.OptCountdown)
	if !ok || v == nil {
		return nil, nil
	}
	secs, ok := codec.ToFloat64(v)
	if !ok {
		return nil, optionError(domain.OptCountdown, v)
	}
	d, ok := isotime.Seconds(secs)
	if !ok {
		return nil, optionError(domain.OptCountdown, v)
	}
	t := isotime.Truncate(now.Add(d))
	return &t, nil
}

// timeOption accepts an ISO-8601 string, a time.Time, or a number of seconds
// relative to now.
func timeOption(s *domain.Signature, key string, now time.Time) (*time.Time, error) {
	v, ok := s.Option(key)
	if !ok || v == nil {
		return nil, nil
	}
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case string:
		parsed, err := isotime.Parse(x, time.UTC)
		if err != nil {
			return nil, optionError(key, v)
		}
		t = parsed
	default:
		secs, ok := codec.ToFloat64(v)
		if !ok {
			return nil, optionError(key, v)
		}
		d, ok := isotime.Seconds(secs)
		if !ok {
			return nil, optionError(key, v)
		}
		t = now.Add(d)
	}
	t = isotime.Truncate(t)
	return &t, nil
}

func durationOption(s *domain.Signature, key string) (*time.Duration, error) {
	v, ok := s.Option(key)
	if !ok || v == nil {
		return nil, nil
	}
	var d time.Duration
	if x, ok := v.(time.Duration); ok {
		d = x
	} else {
		secs, ok := codec.ToFloat64(v)
		if !ok || secs < 0 {
			return nil, optionError(key, v)
		}
		if d, ok = isotime.Seconds(secs); !ok {
			return nil, optionError(key, v)
		}
	}
	return &d, nil
}

func optionError(key string, v any) error {
	return &domain.InvalidWorkflowError{Reason: fmt.Sprintf("option %s has unusable value %v (%T)", key, v, v)}
}

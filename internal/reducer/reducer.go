// Package reducer computes and dispatches the follow-up messages of a
// finished task: the next chain step, callbacks, errbacks and chord bodies.
package reducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/workflow"
	"github.com/ramiqadoumi/go-task-protocol/pkg/retry"
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg *domain.TaskMessage) error
}

// ChordBackend tracks chord header completion.
//
// ReportChordMember records the member at header position index (negative
// when unknown) and returns true to the member whose report brings the number
// of distinct members to size. A later report from that same member returns
// true again until MarkChordDispatched is called, so a redelivered member
// whose first dispatch failed still fires the body. Every other report
// returns false, no matter how many times or in what order members report.
type ChordBackend interface {
	ReportChordMember(ctx context.Context, groupID, taskID string, index, size int, outcome domain.Outcome) (bool, error)
	// ChordResults returns the member results in header order, or a
	// *domain.ChordFailedError when any member failed.
	ChordResults(ctx context.Context, groupID string) ([]any, error)
	// MarkChordDispatched records that the body of groupID was published.
	MarkChordDispatched(ctx context.Context, groupID string) error
}

// Plan is the set of follow-up messages for one finished task. IDs are
// assigned when the plan is built so a retried Dispatch republishes the
// same messages.
type Plan struct {
	Source   *domain.TaskMessage
	Messages []*domain.TaskMessage
	// Chord is the group whose body this plan fires, if any.
	Chord string
	// Skipped holds the messages that could not be encoded.
	Skipped []*domain.TaskMessage

	sent    int
	skipErr error
}

// Pending returns the messages not yet published.
func (p *Plan) Pending() []*domain.TaskMessage { return p.Messages[p.sent:] }

// Done reports whether every message has been published.
func (p *Plan) Done() bool { return p.sent == len(p.Messages) }

// Reducer turns a task outcome into follow-up messages.
type Reducer struct {
	publisher    Publisher
	chords       ChordBackend
	logger       *slog.Logger
	resultPolicy ResultPolicy
	errorPolicy  ErrorPolicy
	now          func() time.Time
}

// Option configures a Reducer.
type Option func(*Reducer)

func WithLogger(l *slog.Logger) Option       { return func(r *Reducer) { r.logger = l } }
func WithResultPolicy(p ResultPolicy) Option { return func(r *Reducer) { r.resultPolicy = p } }
func WithErrorPolicy(p ErrorPolicy) Option   { return func(r *Reducer) { r.errorPolicy = p } }
func WithClock(now func() time.Time) Option  { return func(r *Reducer) { r.now = now } }

// New returns a Reducer. chords may be nil when no chords are in use; a
// message carrying a chord then fails to plan.
func New(publisher Publisher, chords ChordBackend, opts ...Option) *Reducer {
	r := &Reducer{
		publisher:    publisher,
		chords:       chords,
		logger:       slog.Default(),
		resultPolicy: PrependResult,
		errorPolicy:  PrependFailure,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete plans and dispatches the follow-ups of msg.
func (r *Reducer) Complete(ctx context.Context, msg *domain.TaskMessage, outcome domain.Outcome) (*Plan, error) {
	plan, err := r.Plan(ctx, msg, outcome)
	if err != nil {
		return nil, err
	}
	return plan, r.Dispatch(ctx, plan)
}

// Plan computes the follow-ups of msg and reports chord membership. It does
// not publish anything.
func (r *Reducer) Plan(ctx context.Context, msg *domain.TaskMessage, outcome domain.Outcome) (*Plan, error) {
	plan := &Plan{Source: msg}
	now := r.now()

	add := func(s *domain.Signature, key string) error {
		if s.StringOption(domain.OptTaskID) == "" {
			s = s.Set(map[string]any{domain.OptTaskID: FollowUpID(key)})
		}
		m, err := workflow.ToMessage(s, msg, now)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", s.Task, err)
		}
		plan.Messages = append(plan.Messages, m)
		return nil
	}

	if outcome.Failed() {
		// a failure halts the chain; only errbacks run
		for i, eb := range msg.Embed.Errbacks {
			if err := add(r.errorPolicy(eb, msg.ID, outcome.Err), fmt.Sprintf("%s/errback/%d", msg.ID, i)); err != nil {
				return nil, err
			}
		}
	} else {
		if n := len(msg.Embed.Chain); n > 0 {
			next := r.resultPolicy(msg.Embed.Chain[n-1], outcome.Result)
			var remaining []*domain.Signature
			for _, s := range msg.Embed.Chain[:n-1] {
				remaining = append(remaining, s.Clone())
			}
			next.Embed.Chain = append(remaining, next.Embed.Chain...)
			if err := add(next, msg.ID+"/chain"); err != nil {
				return nil, err
			}
		}
		for i, cb := range msg.Embed.Callbacks {
			if err := add(r.resultPolicy(cb, outcome.Result), fmt.Sprintf("%s/callback/%d", msg.ID, i)); err != nil {
				return nil, err
			}
		}
	}

	if groupID, body := chordOf(msg, outcome); body != nil {
		fired, err := r.reportChord(ctx, msg, groupID, body, outcome)
		if err != nil {
			return nil, err
		}
		for i, s := range fired {
			if err := add(s, fmt.Sprintf("chord/%s/%d", groupID, i)); err != nil {
				return nil, err
			}
		}
		if len(fired) > 0 {
			plan.Chord = groupID
		}
	}

	r.logger.Debug("follow-ups planned",
		slog.String("task_id", msg.ID),
		slog.String("task_name", msg.Name),
		slog.String("status", string(outcome.Status())),
		slog.Int("count", len(plan.Messages)),
	)
	return plan, nil
}

// chordOf returns the chord msg must report to. A chain member of a chord
// reports from its last step, unless an earlier step fails and halts it.
func chordOf(msg *domain.TaskMessage, outcome domain.Outcome) (string, *domain.Signature) {
	if msg.Embed.Chord != nil {
		return msg.GroupID, msg.Embed.Chord
	}
	if outcome.Failed() && len(msg.Embed.Chain) > 0 {
		last := msg.Embed.Chain[0]
		if last.Embed.Chord != nil {
			return last.StringOption(domain.OptGroupID), last.Embed.Chord
		}
	}
	return "", nil
}

// reportChord records msg as a finished header member and, for the last one,
// returns the signatures to fire: the body on success or its errbacks when a
// member failed.
func (r *Reducer) reportChord(ctx context.Context, msg *domain.TaskMessage, groupID string, body *domain.Signature, outcome domain.Outcome) ([]*domain.Signature, error) {
	if r.chords == nil {
		return nil, fmt.Errorf("task %s is a chord member but no chord backend is configured", msg.ID)
	}
	if groupID == "" {
		return nil, &domain.MalformedMessageError{Field: "group", Reason: "chord member has no group id"}
	}
	sizeOpt, _ := body.Option(domain.OptChordSize)
	size, ok := codec.ToInt64(sizeOpt)
	if !ok || size <= 0 {
		return nil, &domain.MalformedMessageError{Field: "chord.options.chord_size", Reason: fmt.Sprintf("unusable value %v", sizeOpt)}
	}
	index := int64(-1)
	if v, ok := body.Option(domain.OptChordIndex); ok {
		if index, ok = codec.ToInt64(v); !ok || index < 0 || index >= size {
			return nil, &domain.MalformedMessageError{Field: "chord.options.chord_index", Reason: fmt.Sprintf("unusable value %v", v)}
		}
	}
	body = body.Clone()
	delete(body.Options, domain.OptChordIndex)

	last, err := r.chords.ReportChordMember(ctx, groupID, msg.ID, int(index), int(size), outcome)
	if err != nil {
		return nil, fmt.Errorf("report chord member %s of %s: %w", msg.ID, groupID, err)
	}
	if !last {
		return nil, nil
	}

	results, err := r.chords.ChordResults(ctx, groupID)
	var failed *domain.ChordFailedError
	switch {
	case errors.As(err, &failed):
		r.logger.Warn("chord header failed",
			slog.String("group_id", groupID),
			slog.String("failed_task_id", failed.TaskID),
		)
		out := make([]*domain.Signature, 0, len(body.Embed.Errbacks))
		for _, eb := range body.Embed.Errbacks {
			out = append(out, r.errorPolicy(eb, failed.TaskID, failed))
		}
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("chord results for %s: %w", groupID, err)
	}

	r.logger.Info("chord complete",
		slog.String("group_id", groupID),
		slog.String("body", body.Task),
		slog.Int("size", int(size)),
	)
	return []*domain.Signature{r.resultPolicy(body, results)}, nil
}

// Dispatch publishes the pending messages of plan in order. On failure it
// returns a *domain.DispatchError and calling it again resumes after the last
// message that was published. A message that cannot be encoded is skipped
// and reported once the rest are out, as a DispatchError marked
// retry.Permanent.
func (r *Reducer) Dispatch(ctx context.Context, plan *Plan) error {
	for !plan.Done() {
		m := plan.Messages[plan.sent]
		if err := r.publisher.Publish(ctx, m); err != nil {
			var encodeErr *domain.EncodeError
			if !errors.As(err, &encodeErr) {
				return &domain.DispatchError{TaskID: m.ID, TaskName: m.Name, Err: err}
			}
			r.logger.Error("follow-up cannot be encoded, skipping it",
				slog.String("task_id", m.ID),
				slog.String("task_name", m.Name),
				slog.String("error", encodeErr.Error()),
			)
			if len(plan.Skipped) == 0 {
				plan.skipErr = &domain.DispatchError{TaskID: m.ID, TaskName: m.Name, Err: encodeErr}
			}
			plan.Skipped = append(plan.Skipped, m)
		}
		plan.sent++
	}

	if plan.Chord != "" {
		if err := r.chords.MarkChordDispatched(ctx, plan.Chord); err != nil {
			// a redelivery may publish the body again under the same id
			r.logger.Warn("failed to mark chord dispatched",
				slog.String("group_id", plan.Chord),
				slog.String("error", err.Error()),
			)
		} else {
			plan.Chord = ""
		}
	}

	if plan.skipErr != nil {
		return retry.Permanent(plan.skipErr)
	}
	return nil
}

// FollowUpID derives the task id of a follow-up from what produced it, so
// replaying the same completion yields the same ids.
func FollowUpID(key string) string {
	return uuid.NewSHA1(followUpNamespace, []byte(key)).String()
}

var followUpNamespace = uuid.MustParse("6f1c1f3e-8d8a-4f55-9d43-5c9a2b9d7e41")

package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusSuccess, domain.StatusFailure, domain.StatusRevoked} {
		t.Run(string(s), func(t *testing.T) {
			assert.True(t, s.IsTerminal())
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusReceived,
		domain.StatusStarted, domain.StatusRetry,
	} {
		t.Run(string(s), func(t *testing.T) {
			assert.False(t, s.IsTerminal())
		})
	}
}

func TestTaskMessage_Expired(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Microsecond)
	future := now.Add(time.Minute)

	assert.False(t, (&domain.TaskMessage{}).Expired(now), "no expiry never expires")
	assert.True(t, (&domain.TaskMessage{Expires: &past}).Expired(now))
	assert.False(t, (&domain.TaskMessage{Expires: &now}).Expired(now), "expiry equal to now is not strictly before")
	assert.False(t, (&domain.TaskMessage{Expires: &future}).Expired(now))
}

func TestTaskMessage_Due(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	eta := now.Add(3 * time.Second)

	assert.Equal(t, time.Duration(0), (&domain.TaskMessage{}).Due(now))
	assert.Equal(t, 3*time.Second, (&domain.TaskMessage{ETA: &eta}).Due(now))
	assert.Equal(t, time.Duration(0), (&domain.TaskMessage{ETA: &eta}).Due(eta.Add(time.Second)))
}

func TestTaskMessage_CloneIsDeep(t *testing.T) {
	soft := 5 * time.Second
	orig := &domain.TaskMessage{
		ID:        "t-1",
		Name:      "proj.tasks.add",
		Args:      []any{int64(1), []any{"nested"}},
		Kwargs:    map[string]any{"k": map[string]any{"x": "y"}},
		Embed:     domain.Embed{Chain: []*domain.Signature{{Task: "b"}}},
		TimeLimit: domain.TimeLimit{Soft: &soft},
	}
	c := orig.Clone()
	c.Args[1].([]any)[0] = "changed"
	c.Kwargs["k"].(map[string]any)["x"] = "z"
	c.Embed.Chain[0].Task = "c"
	*c.TimeLimit.Soft = time.Second

	assert.Equal(t, "nested", orig.Args[1].([]any)[0])
	assert.Equal(t, "y", orig.Kwargs["k"].(map[string]any)["x"])
	assert.Equal(t, "b", orig.Embed.Chain[0].Task)
	assert.Equal(t, 5*time.Second, *orig.TimeLimit.Soft)
}

func TestTaskMessage_DisplayName(t *testing.T) {
	assert.Equal(t, "proj.tasks.add", (&domain.TaskMessage{Name: "proj.tasks.add"}).DisplayName())
	assert.Equal(t, "add-shadow", (&domain.TaskMessage{Name: "proj.tasks.add", Shadow: "add-shadow"}).DisplayName())
}

func TestSignature_ModifiersReturnCopies(t *testing.T) {
	base := &domain.Signature{Task: "proj.tasks.add", Args: []any{int64(1)}}

	withArgs := base.WithArgs(int64(2), int64(3))
	set := base.Set(map[string]any{domain.OptQueue: "math"})
	linked := base.Link(&domain.Signature{Task: "proj.tasks.log"})
	errLinked := base.LinkError(&domain.Signature{Task: "proj.tasks.alert"})

	assert.Equal(t, []any{int64(1)}, base.Args, "original args untouched")
	assert.Nil(t, base.Options, "original options untouched")
	assert.Empty(t, base.Embed.Callbacks)
	assert.Empty(t, base.Embed.Errbacks)

	assert.Equal(t, []any{int64(2), int64(3)}, withArgs.Args)
	assert.Equal(t, "math", set.StringOption(domain.OptQueue))
	require.Len(t, linked.Embed.Callbacks, 1)
	assert.Equal(t, "proj.tasks.log", linked.Embed.Callbacks[0].Task)
	require.Len(t, errLinked.Embed.Errbacks, 1)
	assert.NotSame(t, base, withArgs)
}

func TestSignature_Replace(t *testing.T) {
	base := &domain.Signature{
		Task:    "proj.tasks.add",
		Args:    []any{int64(1)},
		Kwargs:  map[string]any{"a": "b"},
		Options: map[string]any{domain.OptQueue: "math"},
	}

	args := base.Replace([]any{int64(5)}, nil, nil)
	assert.Equal(t, []any{int64(5)}, args.Args)
	assert.Equal(t, base.Kwargs, args.Kwargs, "nil kwargs keeps the current ones")
	assert.Equal(t, "math", args.StringOption(domain.OptQueue))

	opts := base.Replace(nil, map[string]any{}, map[string]any{domain.OptQueue: "io"})
	assert.Equal(t, []any{int64(1)}, opts.Args)
	assert.Empty(t, opts.Kwargs)
	assert.Equal(t, "io", opts.StringOption(domain.OptQueue))

	assert.Equal(t, []any{int64(1)}, base.Args, "original untouched")
	assert.Equal(t, "math", base.StringOption(domain.OptQueue))
}

func TestSignature_CloneNil(t *testing.T) {
	var s *domain.Signature
	assert.Nil(t, s.Clone())
	_, ok := s.Option(domain.OptQueue)
	assert.False(t, ok)
}

func TestEmbed_IsZero(t *testing.T) {
	assert.True(t, domain.Embed{}.IsZero())
	assert.False(t, domain.Embed{Chord: &domain.Signature{Task: "body"}}.IsZero())
}

func TestOutcome(t *testing.T) {
	ok := domain.Outcome{Result: int64(4)}
	failed := domain.Outcome{Err: &domain.TaskError{Type: "ValueError", Message: "bad"}}

	assert.False(t, ok.Failed())
	assert.Equal(t, domain.StatusSuccess, ok.Status())
	assert.True(t, failed.Failed())
	assert.Equal(t, domain.StatusFailure, failed.Status())
	assert.Equal(t, "ValueError: bad", failed.Err.Error())
}

func TestStatus_ValidAndTerminal(t *testing.T) {
	assert.True(t, domain.StatusRetry.Valid())
	assert.False(t, domain.Status("").Valid())
	assert.False(t, domain.Status("success").Valid())

	assert.True(t, domain.StatusRevoked.IsTerminal())
	assert.False(t, domain.StatusRetry.IsTerminal())
}

package workflow_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/workflow"
)

func names(list []*domain.Signature) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.Task
	}
	return out
}

func requireInvalid(t *testing.T, err error) {
	t.Helper()
	var invalid *domain.InvalidWorkflowError
	require.True(t, errors.As(err, &invalid), "expected InvalidWorkflowError, got %v", err)
}

func TestNewSignature_NonNilCollections(t *testing.T) {
	s, err := workflow.NewSignature("proj.tasks.ping", nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, s.Args)
	assert.NotNil(t, s.Kwargs)
	assert.NotNil(t, s.Options)

	kwargs := map[string]any{"y": int64(2)}
	s, err = workflow.NewSignature("proj.tasks.add", []any{int64(2)}, kwargs, map[string]any{domain.OptQueue: "math"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2)}, s.Args)
	assert.Equal(t, "math", s.StringOption(domain.OptQueue))
	kwargs["y"] = int64(3)
	assert.Equal(t, int64(2), s.Kwargs["y"], "inputs are copied")

	s = workflow.MustSignature("proj.tasks.add", int64(2), int64(2))
	assert.Equal(t, []any{int64(2), int64(2)}, s.Args)
}

func TestNewSignature_EmptyTask(t *testing.T) {
	_, err := workflow.NewSignature("", nil, nil, nil)
	requireInvalid(t, err)
	assert.Panics(t, func() { workflow.MustSignature("") })
}

func TestChain_StoresRemainingStepsNextLast(t *testing.T) {
	a, b, c := workflow.MustSignature("A"), workflow.MustSignature("B"), workflow.MustSignature("C")

	head, err := workflow.Chain(a, b, c)
	require.NoError(t, err)

	assert.Equal(t, "A", head.Task)
	assert.Equal(t, []string{"C", "B"}, names(head.Embed.Chain))
	assert.Empty(t, a.Embed.Chain, "inputs are not mutated")
}

func TestChain_FlattensNested(t *testing.T) {
	ab, err := workflow.Chain(workflow.MustSignature("A"), workflow.MustSignature("B"))
	require.NoError(t, err)
	cd, err := workflow.Chain(workflow.MustSignature("C"), workflow.MustSignature("D"))
	require.NoError(t, err)

	head, err := workflow.Chain(ab, cd, workflow.MustSignature("E"))
	require.NoError(t, err)
	assert.Equal(t, "A", head.Task)
	assert.Equal(t, []string{"E", "D", "C", "B"}, names(head.Embed.Chain))
	for _, s := range head.Embed.Chain {
		assert.Empty(t, s.Embed.Chain, "flattened steps carry no chain of their own")
	}
}

func TestChain_SingleStep(t *testing.T) {
	head, err := workflow.Chain(workflow.MustSignature("A"))
	require.NoError(t, err)
	assert.Equal(t, "A", head.Task)
	assert.Nil(t, head.Embed.Chain)
}

func TestChain_VeryLongIsNotRecursive(t *testing.T) {
	const n = 100_000
	steps := make([]*domain.Signature, n)
	for i := range steps {
		steps[i] = workflow.MustSignature(fmt.Sprintf("step-%d", i))
	}
	head, err := workflow.Chain(steps...)
	require.NoError(t, err)
	require.Len(t, head.Embed.Chain, n-1)
	assert.Equal(t, "step-1", head.Embed.Chain[n-2].Task)
	assert.Equal(t, "step-99999", head.Embed.Chain[0].Task)

	// Re-chaining the result flattens it again without recursion.
	again, err := workflow.Chain(head, workflow.MustSignature("tail"))
	require.NoError(t, err)
	require.Len(t, again.Embed.Chain, n)
	assert.Equal(t, "tail", again.Embed.Chain[0].Task)
}

func TestChain_Invalid(t *testing.T) {
	_, err := workflow.Chain()
	requireInvalid(t, err)
	_, err = workflow.Chain(workflow.MustSignature("A"), nil)
	requireInvalid(t, err)
	_, err = workflow.Chain(workflow.MustSignature("A"), &domain.Signature{})
	requireInvalid(t, err)

	nested := workflow.MustSignature("B")
	nested.Embed.Chain = []*domain.Signature{{}}
	_, err = workflow.Chain(workflow.MustSignature("A"), nested)
	requireInvalid(t, err)
}

func TestPipe(t *testing.T) {
	head, err := workflow.Pipe(workflow.MustSignature("A"), workflow.MustSignature("B"))
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, names(head.Embed.Chain))
}

func TestGroup_SharedID(t *testing.T) {
	chain, err := workflow.Chain(workflow.MustSignature("C1"), workflow.MustSignature("C2"))
	require.NoError(t, err)

	g, err := workflow.NewGroup(workflow.MustSignature("A"), workflow.MustSignature("B"), chain)
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())
	require.NotEmpty(t, g.ID)

	for _, m := range g.Members {
		assert.Equal(t, g.ID, m.StringOption(domain.OptGroupID))
	}
	assert.Equal(t, g.ID, g.Members[2].Embed.Chain[0].StringOption(domain.OptGroupID), "last chain step reports for the member")
	assert.Empty(t, chain.StringOption(domain.OptGroupID), "inputs are not mutated")

	other, err := workflow.NewGroup(workflow.MustSignature("A"))
	require.NoError(t, err)
	assert.NotEqual(t, g.ID, other.ID)
}

func TestGroup_Empty(t *testing.T) {
	_, err := workflow.NewGroup()
	requireInvalid(t, err)
	_, err = workflow.NewGroup(nil)
	requireInvalid(t, err)
	_, err = workflow.NewGroup(workflow.MustSignature("A"), &domain.Signature{})
	requireInvalid(t, err)

	chained := workflow.MustSignature("B")
	chained.Embed.Chain = []*domain.Signature{{Task: ""}}
	_, err = workflow.NewGroup(chained)
	requireInvalid(t, err)
}

func TestGroup_MembersShareRoot(t *testing.T) {
	chain, err := workflow.Chain(workflow.MustSignature("C1"), workflow.MustSignature("C2"))
	require.NoError(t, err)
	g, err := workflow.NewGroup(workflow.MustSignature("A"), workflow.MustSignature("B"), chain)
	require.NoError(t, err)

	msgs, err := g.Messages(nil, time.Now())
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, msgs[0].ID, m.RootID, "member %s", m.Name)
		assert.Empty(t, m.ParentID)
	}

	fixed := workflow.MustSignature("A").Set(map[string]any{domain.OptTaskID: "first"})
	g, err = workflow.NewGroup(fixed, workflow.MustSignature("B"))
	require.NoError(t, err)
	msgs, err = g.Messages(nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "first", msgs[0].ID)
	assert.Equal(t, "first", msgs[1].RootID)
}

func TestChord_AttachesSizedBody(t *testing.T) {
	chain, err := workflow.Chain(workflow.MustSignature("C1"), workflow.MustSignature("C2"))
	require.NoError(t, err)
	header, err := workflow.NewGroup(workflow.MustSignature("A"), chain)
	require.NoError(t, err)

	ch, err := workflow.Chord(header, workflow.MustSignature("tsum"))
	require.NoError(t, err)
	assert.Equal(t, header.ID, ch.ID)

	plain := ch.Members[0]
	require.NotNil(t, plain.Embed.Chord)
	assert.Equal(t, "tsum", plain.Embed.Chord.Task)
	size, _ := plain.Embed.Chord.Option(domain.OptChordSize)
	assert.Equal(t, int64(2), size)

	chained := ch.Members[1]
	assert.Nil(t, chained.Embed.Chord, "a chain member reports from its last step")
	require.NotNil(t, chained.Embed.Chain[0].Embed.Chord)
	assert.Equal(t, header.ID, chained.Embed.Chain[0].StringOption(domain.OptGroupID))

	assert.Nil(t, header.Members[0].Embed.Chord, "header is not mutated")
}

func TestChord_Invalid(t *testing.T) {
	g, err := workflow.NewGroup(workflow.MustSignature("A"))
	require.NoError(t, err)

	_, err = workflow.Chord(nil, workflow.MustSignature("body"))
	requireInvalid(t, err)
	_, err = workflow.Chord(&workflow.Group{}, workflow.MustSignature("body"))
	requireInvalid(t, err)
	_, err = workflow.Chord(g, nil)
	requireInvalid(t, err)
	_, err = workflow.Chord(g, &domain.Signature{})
	requireInvalid(t, err)
}

func TestChord_MembersCarryHeaderIndex(t *testing.T) {
	chain, err := workflow.Chain(workflow.MustSignature("C1"), workflow.MustSignature("C2"))
	require.NoError(t, err)
	header, err := workflow.NewGroup(workflow.MustSignature("A"), workflow.MustSignature("B"), chain)
	require.NoError(t, err)
	ch, err := workflow.Chord(header, workflow.MustSignature("tsum"))
	require.NoError(t, err)

	bodies := []*domain.Signature{
		ch.Members[0].Embed.Chord,
		ch.Members[1].Embed.Chord,
		ch.Members[2].Embed.Chain[0].Embed.Chord,
	}
	for i, b := range bodies {
		require.NotNil(t, b)
		idx, _ := b.Option(domain.OptChordIndex)
		assert.Equal(t, int64(i), idx)
	}
}

func TestToMessage_RootLineage(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := workflow.MustSignature("proj.tasks.add", int64(2), int64(2))

	root, err := workflow.ToMessage(s, nil, now)
	require.NoError(t, err)
	require.NotEmpty(t, root.ID)
	assert.Equal(t, root.ID, root.RootID)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, []any{int64(2), int64(2)}, root.Args)
	assert.Equal(t, map[string]any{}, root.Kwargs)

	child, err := workflow.ToMessage(workflow.MustSignature("proj.tasks.mul"), root, now)
	require.NoError(t, err)
	assert.Equal(t, root.ID, child.RootID)
	assert.Equal(t, root.ID, child.ParentID)

	grandchild, err := workflow.ToMessage(workflow.MustSignature("proj.tasks.log"), child, now)
	require.NoError(t, err)
	assert.Equal(t, root.ID, grandchild.RootID)
	assert.Equal(t, child.ID, grandchild.ParentID)
}

func TestToMessage_Options(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := workflow.MustSignature("proj.tasks.add").Set(map[string]any{
		domain.OptTaskID:        "fixed-id",
		domain.OptGroupID:       "g-1",
		domain.OptCountdown:     int64(30),
		domain.OptExpires:       "2024-01-02T00:00:00+00:00",
		domain.OptRetries:       int64(1),
		domain.OptSoftTimeLimit: 10.0,
		domain.OptTimeLimit:     int64(20),
		domain.OptShadow:        "add-alias",
		domain.OptReplyTo:       "replies",
	})

	m, err := workflow.ToMessage(s, nil, now)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", m.ID)
	assert.Equal(t, "g-1", m.GroupID)
	assert.Equal(t, now.Add(30*time.Second), *m.ETA)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), *m.Expires)
	assert.Equal(t, 1, m.Retries)
	assert.Equal(t, 10*time.Second, *m.TimeLimit.Soft)
	assert.Equal(t, 20*time.Second, *m.TimeLimit.Hard)
	assert.Equal(t, "add-alias", m.Shadow)
	assert.Equal(t, "replies", m.ReplyTo)
}

func TestToMessage_ETAOverridesCountdownAndRelativeExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	eta := now.Add(time.Hour)
	s := workflow.MustSignature("x").Set(map[string]any{
		domain.OptETA:       eta,
		domain.OptCountdown: int64(5),
		domain.OptExpires:   int64(60),
	})
	m, err := workflow.ToMessage(s, nil, now)
	require.NoError(t, err)
	assert.Equal(t, eta, *m.ETA)
	assert.Equal(t, now.Add(time.Minute), *m.Expires)
}

func TestToMessage_Invalid(t *testing.T) {
	now := time.Now()
	_, err := workflow.ToMessage(&domain.Signature{}, nil, now)
	requireInvalid(t, err)

	_, err = workflow.ToMessage(workflow.MustSignature("x").Set(map[string]any{domain.OptCountdown: "soon"}), nil, now)
	requireInvalid(t, err)

	_, err = workflow.ToMessage(workflow.MustSignature("x").Set(map[string]any{domain.OptRetries: int64(-1)}), nil, now)
	requireInvalid(t, err)

	_, err = workflow.ToMessage(workflow.MustSignature("x").Set(map[string]any{domain.OptCountdown: 1e12}), nil, now)
	requireInvalid(t, err)

	_, err = workflow.ToMessage(workflow.MustSignature("x").Set(map[string]any{domain.OptTimeLimit: 1e12}), nil, now)
	requireInvalid(t, err)

	_, err = workflow.ToMessage(workflow.MustSignature("x").Set(map[string]any{
		domain.OptSoftTimeLimit: int64(10),
		domain.OptTimeLimit:     int64(5),
	}), nil, now)
	requireInvalid(t, err)
}

func TestGroup_Messages(t *testing.T) {
	g, err := workflow.NewGroup(workflow.MustSignature("A"), workflow.MustSignature("B"))
	require.NoError(t, err)

	msgs, err := g.Messages(nil, time.Now())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, g.ID, m.GroupID)
		assert.Equal(t, msgs[0].ID, m.RootID)
	}
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
}

func TestToMessage_EmbedIsCopied(t *testing.T) {
	head, err := workflow.Chain(workflow.MustSignature("A"), workflow.MustSignature("B"))
	require.NoError(t, err)
	m, err := workflow.ToMessage(head, nil, time.Now())
	require.NoError(t, err)

	m.Embed.Chain[0].Task = "changed"
	assert.Equal(t, "B", head.Embed.Chain[0].Task)
}

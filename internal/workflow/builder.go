// Package workflow composes signatures into chains, groups and chords and
// materializes them into task messages.
package workflow

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// NewSignature returns a signature for task. Nil args, kwargs and options
// start empty, never nil. An empty task name is an InvalidWorkflowError.
func NewSignature(task string, args []any, kwargs, options map[string]any) (*domain.Signature, error) {
	if task == "" {
		return nil, &domain.InvalidWorkflowError{Reason: "signature has no task name"}
	}
	s := &domain.Signature{Task: task}
	return s.Replace(domain.CloneArgs(args), domain.CloneKwargs(kwargs), domain.CloneKwargs(options)), nil
}

// MustSignature is NewSignature for literal task names with positional args
// only. It panics on an empty name.
func MustSignature(task string, args ...any) *domain.Signature {
	s, err := NewSignature(task, args, nil, nil)
	if err != nil {
		panic(err)
	}
	return s
}

// Chain composes steps so each runs after the previous one succeeds, with the
// previous result prepended to its args. Steps that are chains themselves are
// flattened. The returned signature is the first step; its Embed.Chain holds
// the remaining steps with the next one LAST.
func Chain(steps ...*domain.Signature) (*domain.Signature, error) {
	flat, err := flatten(steps)
	if err != nil {
		return nil, err
	}
	head := flat[0]
	rest := flat[1:]
	if len(rest) > 0 {
		head.Embed.Chain = make([]*domain.Signature, len(rest))
		for i, s := range rest {
			head.Embed.Chain[len(rest)-1-i] = s
		}
	}
	return head, nil
}

// Pipe is Chain(a, b).
func Pipe(a, b *domain.Signature) (*domain.Signature, error) {
	return Chain(a, b)
}

// flatten expands nested chains with an explicit stack so arbitrarily long
// compositions never grow the goroutine stack.
func flatten(steps []*domain.Signature) ([]*domain.Signature, error) {
	if len(steps) == 0 {
		return nil, &domain.InvalidWorkflowError{Reason: "chain has no steps"}
	}
	stack := make([]*domain.Signature, 0, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		if err := checkSignature(steps[i], "chain step", i); err != nil {
			return nil, err
		}
		stack = append(stack, steps[i])
	}

	var flat []*domain.Signature
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top == nil || top.Task == "" {
			return nil, &domain.InvalidWorkflowError{Reason: "nested chain step has no task name"}
		}
		if len(top.Embed.Chain) == 0 {
			flat = append(flat, top.Clone())
			continue
		}
		// Embed.Chain is stored next-step-last, which is already stack order.
		stack = append(stack, top.Embed.Chain...)
		head := *top
		head.Embed.Chain = nil
		stack = append(stack, &head)
	}
	return flat, nil
}

// Group is a set of signatures that run in parallel under one group id.
type Group struct {
	ID      string
	Members []*domain.Signature
}

// NewGroup clones members and tags each with a fresh group id. A member that
// is a chain is tagged on its first and last step. Every member is a root of
// the same workflow: all of them carry the id of the first member as root_id.
func NewGroup(members ...*domain.Signature) (*Group, error) {
	if len(members) == 0 {
		return nil, &domain.InvalidWorkflowError{Reason: "group has no members"}
	}
	for i, m := range members {
		if err := checkSignature(m, "group member", i); err != nil {
			return nil, err
		}
		for _, step := range m.Embed.Chain {
			if err := checkSignature(step, "chain step of group member", i); err != nil {
				return nil, err
			}
		}
	}

	g := &Group{ID: uuid.NewString(), Members: make([]*domain.Signature, len(members))}
	rootID := members[0].StringOption(domain.OptRootID)
	if rootID == "" {
		rootID = members[0].StringOption(domain.OptTaskID)
	}
	if rootID == "" {
		rootID = uuid.NewString()
	}
	for i, m := range members {
		tags := map[string]any{domain.OptGroupID: g.ID, domain.OptRootID: rootID}
		if i == 0 && m.StringOption(domain.OptTaskID) == "" {
			tags[domain.OptTaskID] = rootID
		}
		c := m.Set(tags)
		if n := len(c.Embed.Chain); n > 0 {
			c.Embed.Chain[0] = c.Embed.Chain[0].Set(map[string]any{domain.OptGroupID: g.ID})
		}
		g.Members[i] = c
	}
	return g, nil
}

func checkSignature(s *domain.Signature, what string, i int) error {
	if s == nil {
		return &domain.InvalidWorkflowError{Reason: fmt.Sprintf("%s %d is nil", what, i)}
	}
	if s.Task == "" {
		return &domain.InvalidWorkflowError{Reason: fmt.Sprintf("%s %d has no task name", what, i)}
	}
	return nil
}

// Len returns the number of members.
func (g *Group) Len() int { return len(g.Members) }

// Chord attaches body to every member of header. body fires once, after all
// header members have completed, with the list of their results in header
// order. The body records the header size under chord_size, and the copy
// carried by each member records that member's position under chord_index.
func Chord(header *Group, body *domain.Signature) (*Group, error) {
	if header == nil || len(header.Members) == 0 {
		return nil, &domain.InvalidWorkflowError{Reason: "chord header is empty"}
	}
	if err := checkSignature(body, "chord body", 0); err != nil {
		return nil, err
	}
	b := body.Set(map[string]any{domain.OptChordSize: int64(len(header.Members))})

	out := &Group{ID: header.ID, Members: make([]*domain.Signature, len(header.Members))}
	for i, m := range header.Members {
		c := m.Clone()
		mb := b.Set(map[string]any{domain.OptChordIndex: int64(i)})
		// the step that produces the member's result is the one that reports
		if n := len(c.Embed.Chain); n > 0 {
			c.Embed.Chain[0].Embed.Chord = mb
		} else {
			c.Embed.Chord = mb
		}
		out.Members[i] = c
	}
	return out, nil
}

package protocol

import (
	"fmt"
	"maps"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// Option keys under which a signature's own embed and flags travel.
const (
	optLink        = "link"
	optLinkError   = "link_error"
	optChain       = "chain"
	optChord       = "chord"
	optImmutable   = "immutable"
	optSubtaskType = "subtask_type"
)

var wireOptionKeys = []string{optLink, optLinkError, optChain, optChord, optImmutable, optSubtaskType}

// SignatureToWire renders s as the 4-element array [task, args, kwargs,
// options]. The embed, the immutable flag and the subtask type travel inside
// options.
func SignatureToWire(s *domain.Signature) []any {
	opts := make(map[string]any, len(s.Options)+4)
	for k, v := range s.Options {
		opts[k] = v
	}
	if l := SignaturesToWire(s.Embed.Callbacks); l != nil {
		opts[optLink] = l
	}
	if l := SignaturesToWire(s.Embed.Errbacks); l != nil {
		opts[optLinkError] = l
	}
	if l := SignaturesToWire(s.Embed.Chain); l != nil {
		opts[optChain] = l
	}
	if s.Embed.Chord != nil {
		opts[optChord] = SignatureToWire(s.Embed.Chord)
	}
	if s.Immutable {
		opts[optImmutable] = true
	}
	if s.SubtaskType != "" {
		opts[optSubtaskType] = s.SubtaskType
	}
	return []any{s.Task, orEmptySlice(s.Args), orEmptyMap(s.Kwargs), opts}
}

// SignaturesToWire renders a list of signatures, or nil for an empty list.
func SignaturesToWire(list []*domain.Signature) []any {
	if len(list) == 0 {
		return nil
	}
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = SignatureToWire(s)
	}
	return out
}

// SignatureFromWire accepts the 4-element array form [task, args, kwargs,
// options] or the mapping form {task, args, kwargs, options, immutable,
// subtask_type}. field names the location for error reports.
func SignatureFromWire(v any, field string) (*domain.Signature, error) {
	var (
		task   any
		args   any
		kwargs any
		opts   any
		imm    any
		sub    any
	)
	switch t := v.(type) {
	case map[string]any:
		task, args, kwargs, opts = t["task"], t["args"], t["kwargs"], t["options"]
		imm, sub = t["immutable"], t["subtask_type"]
	case []any:
		if len(t) != 4 {
			return nil, &domain.MalformedMessageError{Field: field, Reason: fmt.Sprintf("signature array has %d elements, want 4", len(t))}
		}
		task, args, kwargs, opts = t[0], t[1], t[2], t[3]
	default:
		return nil, &domain.MalformedMessageError{Field: field, Reason: fmt.Sprintf("signature has type %T", v)}
	}

	name, ok := task.(string)
	if !ok || name == "" {
		return nil, &domain.MalformedMessageError{Field: field + ".task"}
	}
	argList, err := asList(args, field+".args")
	if err != nil {
		return nil, err
	}
	kw, err := asMap(kwargs, field+".kwargs")
	if err != nil {
		return nil, err
	}
	options, err := asMap(opts, field+".options")
	if err != nil {
		return nil, err
	}
	options = maps.Clone(options)

	if imm == nil {
		imm = options[optImmutable]
	}
	if sub == nil {
		sub = options[optSubtaskType]
	}
	s := &domain.Signature{Task: name, Args: argList, Kwargs: kw, Options: options}
	s.Immutable, _ = imm.(bool)
	s.SubtaskType, _ = sub.(string)

	if s.Embed.Callbacks, err = SignaturesFromWire(options[optLink], field+".options.link"); err != nil {
		return nil, err
	}
	if s.Embed.Errbacks, err = SignaturesFromWire(options[optLinkError], field+".options.link_error"); err != nil {
		return nil, err
	}
	if s.Embed.Chain, err = SignaturesFromWire(options[optChain], field+".options.chain"); err != nil {
		return nil, err
	}
	if c := options[optChord]; c != nil {
		if s.Embed.Chord, err = SignatureFromWire(c, field+".options.chord"); err != nil {
			return nil, err
		}
	}
	for _, k := range wireOptionKeys {
		delete(options, k)
	}
	return s, nil
}

// SignaturesFromWire decodes a list of signatures; nil decodes to nil.
func SignaturesFromWire(v any, field string) ([]*domain.Signature, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &domain.MalformedMessageError{Field: field, Reason: fmt.Sprintf("expected a list, got %T", v)}
	}
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]*domain.Signature, len(list))
	for i, e := range list {
		s, err := SignatureFromWire(e, fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func asList(v any, field string) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return t, nil
	default:
		return nil, &domain.MalformedMessageError{Field: field, Reason: fmt.Sprintf("expected a list, got %T", v)}
	}
}

func asMap(v any, field string) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	default:
		return nil, &domain.MalformedMessageError{Field: field, Reason: fmt.Sprintf("expected a mapping, got %T", v)}
	}
}

func orEmptySlice(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func orEmptyMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

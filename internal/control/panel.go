// Package control implements the worker remote-control mailbox: broadcast
// requests name a command, the local Panel runs it, and the result is sent
// back to the requester's reply topic.
package control

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
)

// CommandFunc runs one control command with the request arguments.
type CommandFunc func(ctx context.Context, args map[string]any) (any, error)

// UnknownCommandError is returned for a command the panel does not have.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("no such control command: %s", e.Command)
}

// Panel is the set of commands a worker answers.
type Panel struct {
	mu       sync.RWMutex
	commands map[string]CommandFunc
}

func NewPanel() *Panel {
	return &Panel{commands: make(map[string]CommandFunc)}
}

// Register adds or replaces the command name.
func (p *Panel) Register(name string, fn CommandFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands[name] = fn
}

// Commands lists the registered command names in order.
func (p *Panel) Commands() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.commands))
	for name := range p.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the named command.
func (p *Panel) Dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	p.mu.RLock()
	fn, ok := p.commands[name]
	p.mu.RUnlock()
	if !ok {
		return nil, &UnknownCommandError{Command: name}
	}
	return fn(ctx, args)
}

// Revoker marks task ids so workers skip them.
type Revoker interface {
	Revoke(ctx context.Context, taskIDs ...string) error
}

// Worker exposes the worker state the default commands read.
type Worker interface {
	Hostname() string
	Stats() map[string]any
	Registered() []string
}

// DefaultPanel returns a panel with ping, revoke, stats and registered.
func DefaultPanel(w Worker, revoker Revoker) *Panel {
	p := NewPanel()
	p.Register("ping", func(context.Context, map[string]any) (any, error) {
		return map[string]any{"ok": "pong"}, nil
	})
	p.Register("revoke", func(ctx context.Context, args map[string]any) (any, error) {
		ids, err := taskIDsArg(args)
		if err != nil {
			return nil, err
		}
		if err := revoker.Revoke(ctx, ids...); err != nil {
			return nil, err
		}
		return map[string]any{"ok": fmt.Sprintf("tasks %v flagged as revoked", ids)}, nil
	})
	p.Register("stats", func(context.Context, map[string]any) (any, error) {
		return w.Stats(), nil
	})
	p.Register("registered", func(context.Context, map[string]any) (any, error) {
		names := w.Registered()
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return out, nil
	})
	return p
}

// taskIDsArg accepts task_id as a string or a list of strings.
func taskIDsArg(args map[string]any) ([]string, error) {
	switch v := args["task_id"].(type) {
	case string:
		if v != "" {
			return []string{v}, nil
		}
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("revoke: task_id entries must be strings, got %v", item)
			}
			ids = append(ids, s)
		}
		if len(ids) > 0 {
			return ids, nil
		}
	}
	return nil, fmt.Errorf("revoke: missing task_id")
}

// normalizeArgs brings decoded JSON arguments to the canonical value shape.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	v, err := codec.Normalize(args)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

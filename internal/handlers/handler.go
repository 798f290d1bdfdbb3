// Package handlers holds the task implementations a worker can execute,
// looked up by task name.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// Handler executes one task name. The returned value becomes the task result
// handed to chain steps, callbacks and chord bodies.
type Handler interface {
	Handle(ctx context.Context, m *domain.TaskMessage) (any, error)
	TaskName() string
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, m *domain.TaskMessage) (any, error)
}

func (f funcHandler) TaskName() string { return f.name }
func (f funcHandler) Handle(ctx context.Context, m *domain.TaskMessage) (any, error) {
	return f.fn(ctx, m)
}

// Func adapts a plain function to Handler.
func Func(name string, fn func(ctx context.Context, m *domain.TaskMessage) (any, error)) Handler {
	return funcHandler{name: name, fn: fn}
}

// Registry maps task names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.TaskName()] = h
}

// Get returns the handler for name or an UnregisteredTaskError.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &domain.UnregisteredTaskError{TaskName: name}
	}
	return h, nil
}

// Names lists the registered task names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// bindKwargs copies the message kwargs into the struct pointed to by dst
// using its json tags.
func bindKwargs(m *domain.TaskMessage, dst any) error {
	data, err := json.Marshal(m.Kwargs)
	if err != nil {
		return fmt.Errorf("kwargs of %s: %w", m.Name, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("kwargs of %s: %w", m.Name, err)
	}
	return nil
}

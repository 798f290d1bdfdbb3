package handlers

import (
	"context"
	"fmt"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// Built-in task names.
const (
	TaskPing = "tasks.ping"
	TaskAdd  = "tasks.add"
	TaskSum  = "tasks.sum"
)

// Ping answers "pong". Useful as a liveness check through the whole pipeline.
func Ping() Handler {
	return Func(TaskPing, func(context.Context, *domain.TaskMessage) (any, error) {
		return "pong", nil
	})
}

// Add returns the sum of its positional args. A chain step receives the
// previous result as its first argument.
func Add() Handler {
	return Func(TaskAdd, func(_ context.Context, m *domain.TaskMessage) (any, error) {
		return sum(m.Args)
	})
}

// Sum adds up the list passed as its first argument, typically the results
// of a chord header.
func Sum() Handler {
	return Func(TaskSum, func(_ context.Context, m *domain.TaskMessage) (any, error) {
		if len(m.Args) == 0 {
			return int64(0), nil
		}
		list, ok := m.Args[0].([]any)
		if !ok {
			return nil, &domain.TaskError{Type: "TypeError", Message: fmt.Sprintf("%s expects a list, got %T", TaskSum, m.Args[0])}
		}
		return sum(list)
	})
}

// sum stays integral while every operand is an integer.
func sum(values []any) (any, error) {
	var i int64
	var f float64
	integral := true
	for _, v := range values {
		if n, ok := v.(int64); ok && integral {
			i += n
			continue
		}
		x, ok := codec.ToFloat64(v)
		if !ok {
			return nil, &domain.TaskError{Type: "TypeError", Message: fmt.Sprintf("cannot add %T", v)}
		}
		if integral {
			f = float64(i)
			integral = false
		}
		f += x
	}
	if integral {
		return i, nil
	}
	return f, nil
}

// RegisterBuiltins adds ping, add and sum to r.
func RegisterBuiltins(r *Registry) {
	r.Register(Ping())
	r.Register(Add())
	r.Register(Sum())
}

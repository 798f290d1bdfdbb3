package worker

import (
	"context"
	"testing"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/handlers"
	"github.com/ramiqadoumi/go-task-protocol/internal/workflow"
)

// BenchmarkWorker_ProcessTask measures ProcessMessage with a no-op handler:
// the decode, state and reduce path itself, excluding real I/O.
func BenchmarkWorker_ProcessTask(b *testing.B) {
	h := newHarness()
	h.reg.Register(&fakeHandler{name: "noop"})
	m := message(b, workflow.MustSignature("noop", int64(1), "two", map[string]any{"three": 3.0}))
	msg := encode(b, m)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Re-seed a fresh state so idempotency guard doesn't short-circuit.
		h.store.states[m.ID] = domain.StatusPending
		_ = h.worker.ProcessMessage(ctx, msg)
	}
}

// BenchmarkWorker_ProcessChainStep adds follow-up planning and dispatch.
func BenchmarkWorker_ProcessChainStep(b *testing.B) {
	h := newHarness()
	head, err := workflow.Chain(
		workflow.MustSignature(handlers.TaskAdd, int64(1), int64(2)),
		workflow.MustSignature(handlers.TaskAdd, int64(3)),
		workflow.MustSignature(handlers.TaskPing),
	)
	if err != nil {
		b.Fatal(err)
	}
	m := message(b, head)
	msg := encode(b, m)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.store.states[m.ID] = domain.StatusPending
		h.follow.sent = h.follow.sent[:0]
		_ = h.worker.ProcessMessage(ctx, msg)
	}
}

// BenchmarkWorker_ProcessTask_Parallel measures throughput under concurrent load.
func BenchmarkWorker_ProcessTask_Parallel(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		h := newHarness()
		h.reg.Register(&fakeHandler{name: "noop"})
		m := message(b, workflow.MustSignature("noop"))
		msg := encode(b, m)
		ctx := context.Background()

		for pb.Next() {
			h.store.states[m.ID] = domain.StatusPending
			_ = h.worker.ProcessMessage(ctx, msg)
		}
	})
}

package reducer

import (
	"context"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

// MemoryChordBackend keeps chord state in process. It suits single-worker
// deployments and tests; use the Redis store when workers are distributed.
type MemoryChordBackend struct {
	mu     sync.Mutex
	chords map[string]*memoryChord
}

type memoryChord struct {
	seen       map[string]struct{}
	results    map[int]any
	failed     *domain.ChordFailedError
	firedBy    string
	dispatched bool
}

func NewMemoryChordBackend() *MemoryChordBackend {
	return &MemoryChordBackend{chords: make(map[string]*memoryChord)}
}

func (b *MemoryChordBackend) ReportChordMember(_ context.Context, groupID, taskID string, index, size int, outcome domain.Outcome) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chords[groupID]
	if !ok {
		c = &memoryChord{seen: make(map[string]struct{}), results: make(map[int]any)}
		b.chords[groupID] = c
	}
	if _, dup := c.seen[taskID]; !dup {
		c.seen[taskID] = struct{}{}
		if index < 0 {
			index = len(c.seen) - 1
		}
		if outcome.Failed() {
			if c.failed == nil {
				c.failed = &domain.ChordFailedError{GroupID: groupID, TaskID: taskID, Reason: outcome.Err.Error()}
			}
		} else {
			c.results[index] = outcome.Result
		}
	}

	if c.firedBy != "" {
		return c.firedBy == taskID && !c.dispatched, nil
	}
	if len(c.seen) >= size {
		c.firedBy = taskID
		return true, nil
	}
	return false, nil
}

func (b *MemoryChordBackend) ChordResults(_ context.Context, groupID string) ([]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chords[groupID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: groupID}
	}
	if c.failed != nil {
		return nil, c.failed
	}
	keys := make([]int, 0, len(c.results))
	for k := range c.results {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = c.results[k]
	}
	return out, nil
}

func (b *MemoryChordBackend) MarkChordDispatched(_ context.Context, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chords[groupID]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: groupID}
	}
	c.dispatched = true
	return nil
}

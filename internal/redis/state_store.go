package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

const stateTTL = 24 * time.Hour

func stateKey(taskID string) string { return "task:state:" + taskID }
func metaKey(taskID string) string  { return "task:meta:" + taskID }

// StateStore keeps the live status and result-backend view of each task.
type StateStore interface {
	SetStatus(ctx context.Context, taskID string, status domain.Status) error
	GetStatus(ctx context.Context, taskID string) (domain.Status, error)
	SetTaskMeta(ctx context.Context, meta *domain.TaskMeta) error
	GetTaskMeta(ctx context.Context, taskID string) (*domain.TaskMeta, error)
}

type stateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStateStore creates a Redis-backed StateStore. Entries expire after a day.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client, ttl: stateTTL}
}

func (s *stateStore) SetStatus(ctx context.Context, taskID string, status domain.Status) error {
	if err := s.client.Set(ctx, stateKey(taskID), string(status), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", taskID, err)
	}
	return nil
}

func (s *stateStore) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, stateKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}

// SetTaskMeta writes the meta and its status in one transaction so readers
// never see them disagree.
func (s *stateStore) SetTaskMeta(ctx context.Context, meta *domain.TaskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal task meta: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, metaKey(meta.ID), data, s.ttl)
	pipe.Set(ctx, stateKey(meta.ID), string(meta.Status), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set meta for %s: %w", meta.ID, err)
	}
	return nil
}

func (s *stateStore) GetTaskMeta(ctx context.Context, taskID string) (*domain.TaskMeta, error) {
	data, err := s.client.Get(ctx, metaKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get meta for %s: %w", taskID, err)
	}
	var meta domain.TaskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal task meta: %w", err)
	}
	return &meta, nil
}

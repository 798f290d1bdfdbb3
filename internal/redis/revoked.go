package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRevokeTTL bounds how long a revocation is remembered.
const DefaultRevokeTTL = 3 * time.Hour

func revokedKey(taskID string) string { return "task:revoked:" + taskID }

// RevokedSet remembers revoked task ids so every worker skips them.
type RevokedSet struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRevokedSet returns a RevokedSet. A ttl of zero uses DefaultRevokeTTL.
func NewRevokedSet(client *redis.Client, ttl time.Duration) *RevokedSet {
	if ttl <= 0 {
		ttl = DefaultRevokeTTL
	}
	return &RevokedSet{client: client, ttl: ttl}
}

func (r *RevokedSet) Revoke(ctx context.Context, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, id := range taskIDs {
		pipe.Set(ctx, revokedKey(id), "1", r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis revoke %v: %w", taskIDs, err)
	}
	return nil
}

func (r *RevokedSet) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis revoked check for %s: %w", taskID, err)
	}
	return n > 0, nil
}

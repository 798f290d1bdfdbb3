package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps how many messages of one task name pass per window.
type RateLimiter interface {
	Allow(ctx context.Context, taskName string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a sliding-window limiter allowing limit events per
// window for each task name.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records one event for taskName and reports whether it is within the
// limit. A sorted set of nanosecond timestamps holds the window.
func (r *slidingWindowLimiter) Allow(ctx context.Context, taskName string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	key := "ratelimit:task:" + taskName
	member := strconv.FormatInt(now, 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	count := pipe.ZCard(ctx, key)
	pipe.PExpire(ctx, key, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", taskName, err)
	}
	return count.Val() <= int64(r.limit), nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
)

const chordTTL = 24 * time.Hour

// reportScript records one header member. It returns 1 to the member that
// completes the chord, and again to that member on a later report until the
// fired flag is overwritten by MarkChordDispatched.
//
// KEYS: members set, results hash (header index -> result), failure, fired flag
// ARGV: task id, size, result, failure (empty on success), ttl seconds, header index
var reportScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  if ARGV[4] ~= '' then
    redis.call('SETNX', KEYS[3], ARGV[4])
    redis.call('EXPIRE', KEYS[3], ARGV[5])
  else
    local idx = ARGV[6]
    if tonumber(idx) < 0 then
      idx = tostring(redis.call('SCARD', KEYS[1]) - 1)
    end
    redis.call('HSET', KEYS[2], idx, ARGV[3])
    redis.call('EXPIRE', KEYS[2], ARGV[5])
  end
  redis.call('EXPIRE', KEYS[1], ARGV[5])
end
local fired = redis.call('GET', KEYS[4])
if fired then
  if fired == ARGV[1] then
    return 1
  end
  return 0
end
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  redis.call('SET', KEYS[4], ARGV[1], 'EX', ARGV[5])
  return 1
end
return 0
`)

// firedDispatched replaces the completing member's id in the fired flag.
const firedDispatched = "!"

// chordKeys share a hash tag so the script runs on one cluster slot.
func chordKeys(groupID string) []string {
	p := "chord:{" + groupID + "}:"
	return []string{p + "members", p + "results", p + "failed", p + "fired"}
}

type chordFailure struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

var resultCodec = codec.JSON()

// ChordStore counts chord header completions in Redis. It implements
// reducer.ChordBackend and is safe across any number of workers.
type ChordStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewChordStore(client *redis.Client) *ChordStore {
	return &ChordStore{client: client, ttl: chordTTL}
}

// ReportChordMember returns true to the report that brings the number of
// distinct members to size, and to repeats of that report until the body is
// marked dispatched. Other redelivered reports are ignored.
func (s *ChordStore) ReportChordMember(ctx context.Context, groupID, taskID string, index, size int, outcome domain.Outcome) (bool, error) {
	result, err := resultCodec.Marshal(outcome.Result)
	if err != nil {
		return false, fmt.Errorf("encode result of %s: %w", taskID, err)
	}
	failure := ""
	if outcome.Failed() {
		b, err := json.Marshal(chordFailure{TaskID: taskID, Reason: outcome.Err.Error()})
		if err != nil {
			return false, fmt.Errorf("encode failure of %s: %w", taskID, err)
		}
		failure = string(b)
	}

	fired, err := reportScript.Run(ctx, s.client, chordKeys(groupID),
		taskID, size, result, failure, int64(s.ttl/time.Second), index).Int()
	if err != nil {
		return false, fmt.Errorf("redis chord report %s/%s: %w", groupID, taskID, err)
	}
	return fired == 1, nil
}

// ChordResults returns the member results in header order, or a
// *domain.ChordFailedError naming the first member that failed.
func (s *ChordStore) ChordResults(ctx context.Context, groupID string) ([]any, error) {
	keys := chordKeys(groupID)

	failed, err := s.client.Get(ctx, keys[2]).Bytes()
	switch {
	case err == nil:
		var f chordFailure
		if err := json.Unmarshal(failed, &f); err != nil {
			return nil, fmt.Errorf("decode chord failure of %s: %w", groupID, err)
		}
		return nil, &domain.ChordFailedError{GroupID: groupID, TaskID: f.TaskID, Reason: f.Reason}
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("redis get chord failure of %s: %w", groupID, err)
	}

	n, err := s.client.Exists(ctx, keys[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("redis chord exists %s: %w", groupID, err)
	}
	if n == 0 {
		return nil, &domain.TaskNotFoundError{TaskID: groupID}
	}

	raw, err := s.client.HGetAll(ctx, keys[1]).Result()
	if err != nil {
		return nil, fmt.Errorf("redis chord results %s: %w", groupID, err)
	}
	indexes := make([]int, 0, len(raw))
	for k := range raw {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("chord result index %q of %s: %w", k, groupID, err)
		}
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]any, len(indexes))
	for pos, i := range indexes {
		var v any
		if err := resultCodec.Unmarshal([]byte(raw[strconv.Itoa(i)]), &v); err != nil {
			return nil, fmt.Errorf("decode chord result %d of %s: %w", i, groupID, err)
		}
		if out[pos], err = codec.Normalize(v); err != nil {
			return nil, fmt.Errorf("decode chord result %d of %s: %w", i, groupID, err)
		}
	}
	return out, nil
}

// MarkChordDispatched records that the body of groupID was published, so a
// redelivered completing member no longer fires it.
func (s *ChordStore) MarkChordDispatched(ctx context.Context, groupID string) error {
	ok, err := s.client.SetXX(ctx, chordKeys(groupID)[3], firedDispatched, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis mark chord %s dispatched: %w", groupID, err)
	}
	if !ok {
		return &domain.TaskNotFoundError{TaskID: groupID}
	}
	return nil
}

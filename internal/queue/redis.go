package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scoreEpoch anchors the timestamp half of the ordering score so it stays well
// below priorityStride for decades.
var scoreEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// priorityStride separates priority tiers in the sorted-set score. Timestamps
// relative to scoreEpoch stay under this value until the 2050s.
const priorityStride = 1e12

// Redis is the multi-process queue backed by a Redis sorted set. The score
// encodes (-priority, enqueue time) so ZPOPMIN yields the highest-priority,
// oldest job, and removal stays atomic across worker processes.
type Redis struct {
	rdb *redis.Client
	key string
	avg time.Duration
	now func() time.Time
}

// NewRedis creates a Redis-backed queue using the given sorted-set key.
func NewRedis(rdb *redis.Client, key string, avgProcessing time.Duration) *Redis {
	if key == "" {
		key = "visualization:jobs:queue"
	}
	if avgProcessing <= 0 {
		avgProcessing = DefaultAvgProcessingDuration
	}
	return &Redis{rdb: rdb, key: key, avg: avgProcessing, now: time.Now}
}

// score computes the ordering key. Lower scores dequeue first, so priority is
// negated and enqueue time breaks ties FIFO. Redis orders equal scores by
// member, which gives the job-id tie-break for free.
func score(priority int, at time.Time) float64 {
	return float64(-priority)*priorityStride + float64(at.Sub(scoreEpoch).Milliseconds())
}

// Enqueue inserts the job and returns its 1-based rank at insertion time.
func (q *Redis) Enqueue(ctx context.Context, jobID string, priority int) (int, error) {
	member := redis.Z{Score: score(priority, q.now().UTC()), Member: jobID}
	if err := q.rdb.ZAdd(ctx, q.key, member).Err(); err != nil {
		return 0, fmt.Errorf("queue enqueue: %w", err)
	}
	rank, err := q.rdb.ZRank(ctx, q.key, jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Raced with a dequeue; report the head position it held.
			return 1, nil
		}
		return 0, fmt.Errorf("queue rank: %w", err)
	}
	return int(rank) + 1, nil
}

// Dequeue atomically pops the highest-ranked job. ZPOPMIN guarantees no two
// workers receive the same id.
func (q *Redis) Dequeue(ctx context.Context) (string, bool, error) {
	popped, err := q.rdb.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("queue dequeue: %w", err)
	}
	if len(popped) == 0 {
		return "", false, nil
	}
	jobID, ok := popped[0].Member.(string)
	if !ok {
		return "", false, fmt.Errorf("queue dequeue: unexpected member type %T", popped[0].Member)
	}
	return jobID, true, nil
}

// Position returns the current 1-based rank, or 0 when absent.
func (q *Redis) Position(ctx context.Context, jobID string) (int, error) {
	rank, err := q.rdb.ZRank(ctx, q.key, jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return int(rank) + 1, nil
}

// Len returns the number of waiting jobs.
func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return int(n), nil
}

// Remove drops a queued job, used for cancellation before dispatch.
func (q *Redis) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.ZRem(ctx, q.key, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("queue remove: %w", err)
	}
	return n > 0, nil
}

// EstimateWait is position * average processing duration; zero for
// non-positive positions.
func (q *Redis) EstimateWait(position int) time.Duration {
	if position <= 0 {
		return 0
	}
	return time.Duration(position) * q.avg
}

// Package queue coordinates the ready and in-flight compute queues in Redis.
// Entries are job run IDs; the derived-metric computation is idempotent, so a
// reclaimed lease simply recomputes and there is no dead-letter handling.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey    = "compute:ready"
	inflightKey = "compute:inflight"
)

// ComputeQueue hands job run IDs to the derived-metric worker.
type ComputeQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
	now           func() time.Time
}

// New wraps an existing Redis client. A zero visibility timeout defaults to
// 30 seconds.
func New(client *redis.Client, visibility time.Duration) *ComputeQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &ComputeQueue{client: client, visibilityTTL: visibility, now: time.Now}
}

// Enqueue appends a job run for computation.
func (q *ComputeQueue) Enqueue(ctx context.Context, jobRunID string) error {
	return q.client.RPush(ctx, readyKey, jobRunID).Err()
}

// DequeueWithLease pops the next job run and places it into the in-flight set
// with a visibility deadline. It returns "" when the queue is empty.
func (q *ComputeQueue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobRunID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobRunID, nil
}

// Ack removes a job run from in-flight tracking.
func (q *ComputeQueue) Ack(ctx context.Context, jobRunID string) error {
	return q.client.ZRem(ctx, inflightKey, jobRunID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing their job runs.
func (q *ComputeQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the number of job runs waiting for computation.
func (q *ComputeQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// Package queue holds the Redis job queue feeding automation workers. Jobs
// are JSON payloads leased with a visibility timeout; expired leases are
// reclaimed, exhausted jobs land in a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"procurement-automation/internal/config"
	"procurement-automation/internal/models"
)

const (
	readyKey     = "automation:ready"
	inflightKey  = "automation:inflight"
	scheduledKey = "automation:scheduled"
	jobKeyPrefix = "automation:job:"

	// Payloads outlive the queue entry so dead-lettered jobs stay
	// inspectable.
	payloadTTL = 7 * 24 * time.Hour
)

// RedisQueue coordinates ready, in-flight, and scheduled automation jobs.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
	dlqKey        string
}

// New builds a queue over an existing Redis client.
func New(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "automation:dlq"
	}
	return &RedisQueue{
		client:        client,
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

// Enqueue stores the job payload and makes it ready (or scheduled when
// EnqueuedAt lies in the future).
func (q *RedisQueue) Enqueue(ctx context.Context, job models.AutomationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), payload, payloadTTL)
	if job.EnqueuedAt.After(time.Now()) {
		pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(job.EnqueuedAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, readyKey, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// SaveJob rewrites the stored payload, used when attempts change between
// retries.
func (q *RedisQueue) SaveJob(ctx context.Context, job models.AutomationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.client.Set(ctx, jobKey(job.ID), payload, payloadTTL).Err()
}

// GetJob loads a payload by ID, reporting absence without error.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (models.AutomationJob, bool, error) {
	raw, err := q.client.Get(ctx, jobKey(jobID)).Result()
	if err == redis.Nil {
		return models.AutomationJob{}, false, nil
	}
	if err != nil {
		return models.AutomationJob{}, false, fmt.Errorf("read job: %w", err)
	}
	var job models.AutomationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.AutomationJob{}, false, fmt.Errorf("decode job: %w", err)
	}
	return job, true, nil
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready queue and
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a ready job and places it into inflight with a
// visibility timeout, atomically.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a finished job from in-flight tracking and drops its payload.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.Del(ctx, jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Release removes a job from in-flight without deleting its payload, for
// retries and dead-lettering.
func (q *RedisQueue) Release(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the job IDs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
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

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the ready queue length.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
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

// Package queue provides the Redis-backed job broker for research and delivery
// jobs: blocking dequeue, a processing set with deadlines, delayed retries
// with exponential backoff, retention for completed and failed jobs, and
// idempotent enqueue keyed by (queue, projectId, nextRunAt).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names for the two job kinds.
const (
	QueueResearch = "research"
	QueueDelivery = "delivery"
)

const (
	defaultPrefix = "briefcast:"

	// dedupTTL bounds how long an idempotency key blocks duplicate enqueues.
	dedupTTL = 24 * time.Hour

	// retention bounds how long completed/failed job records are kept.
	retention     = 24 * time.Hour
	retentionSize = 1000

	// maxRetries is the worker-level retry budget per job.
	maxRetries = 3

	// retryBase is the first retry delay; doubles per attempt.
	retryBase = 30 * time.Second
)

// Job is the payload for research and delivery jobs.
type Job struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	UserID       string    `json:"userId"`
	ProjectID    string    `json:"projectId"`
	ProjectTitle string    `json:"projectTitle"`
	NextRunAt    *int64    `json:"nextRunAt,omitempty"` // epoch ms
	IsRunNow     bool      `json:"isRunNow"`
	IsOneShot    bool      `json:"isOneShot"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	RetryCount   int       `json:"retryCount"`
}

// identity is the idempotency key component: re-scheduling the same
// (projectId, nextRunAt) before a prior job completes is a no-op.
func (j *Job) identity() string {
	runAt := int64(0)
	if j.NextRunAt != nil {
		runAt = *j.NextRunAt
	}
	return fmt.Sprintf("%s:%s:%d", j.Queue, j.ProjectID, runAt)
}

// Stats describes one queue for the admin health endpoint.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Broker handles job queue operations using Redis.
type Broker struct {
	client *redis.Client
	prefix string
}

// NewBroker creates a broker over an existing Redis client. The broker shares
// the cache store's connection; it owns no lifecycle.
func NewBroker(client *redis.Client) *Broker {
	return &Broker{client: client, prefix: defaultPrefix}
}

func (b *Broker) queueKey(name string) string   { return b.prefix + "queue:" + name }
func (b *Broker) dedupKey(id string) string     { return b.prefix + "jobkey:" + id }
func (b *Broker) processingKey() string         { return b.prefix + "processing" }
func (b *Broker) delayedKey() string            { return b.prefix + "delayed" }
func (b *Broker) doneKey(name string) string    { return b.prefix + "done:" + name }
func (b *Broker) failedKey(name string) string  { return b.prefix + "failed:" + name }

// Enqueue adds a job to its queue. Returns false when a job with the same
// identity is already pending, making scheduler re-runs a no-op. Force skips
// the idempotency check; the reconciler uses it to re-enqueue lost work.
func (b *Broker) Enqueue(ctx context.Context, job *Job, force bool) (bool, error) {
	if job.Queue == "" {
		return false, fmt.Errorf("job has no queue")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now()

	key := b.dedupKey(job.identity())
	if force {
		if err := b.client.Del(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("failed to clear job key: %w", err)
		}
	}
	ok, err := b.client.SetNX(ctx, key, job.ID, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set job key: %w", err)
	}
	if !ok {
		return false, nil // duplicate
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := b.client.RPush(ctx, b.queueKey(job.Queue), data).Err(); err != nil {
		return false, fmt.Errorf("failed to enqueue: %w", err)
	}
	return true, nil
}

// Dequeue removes and returns the next job from a queue, blocking up to
// timeout. Returns nil when no job arrived.
func (b *Broker) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := b.client.BLPop(ctx, timeout, b.queueKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// MarkProcessing adds a job to the processing set with a deadline.
func (b *Broker) MarkProcessing(ctx context.Context, job *Job, deadline time.Time) error {
	return b.client.ZAdd(ctx, b.processingKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: job.ID,
	}).Err()
}

// Complete removes the job from the processing set, releases its idempotency
// key, and records it in the completed list with retention.
func (b *Broker) Complete(ctx context.Context, job *Job) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.processingKey(), job.ID)
	pipe.Del(ctx, b.dedupKey(job.identity()))

	if data, err := json.Marshal(job); err == nil {
		done := b.doneKey(job.Queue)
		pipe.LPush(ctx, done, data)
		pipe.LTrim(ctx, done, 0, retentionSize-1)
		pipe.Expire(ctx, done, retention)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Fail handles a failed job: while the retry budget lasts, the job is parked
// in the delayed set with exponential backoff; afterwards it is recorded in
// the failed list with retention. Returns whether a retry was scheduled.
func (b *Broker) Fail(ctx context.Context, job *Job) (bool, error) {
	if err := b.client.ZRem(ctx, b.processingKey(), job.ID).Err(); err != nil {
		return false, err
	}

	if job.RetryCount < maxRetries {
		job.RetryCount++
		delay := time.Duration(math.Pow(2, float64(job.RetryCount-1))) * retryBase
		readyAt := time.Now().Add(delay)

		data, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := b.client.ZAdd(ctx, b.delayedKey(), redis.Z{
			Score:  float64(readyAt.Unix()),
			Member: data,
		}).Err(); err != nil {
			return false, fmt.Errorf("failed to delay job: %w", err)
		}
		return true, nil
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.dedupKey(job.identity()))
	if data, err := json.Marshal(job); err == nil {
		failed := b.failedKey(job.Queue)
		pipe.LPush(ctx, failed, data)
		pipe.LTrim(ctx, failed, 0, retentionSize-1)
		pipe.Expire(ctx, failed, retention)
	}
	_, err := pipe.Exec(ctx)
	return false, err
}

// PromoteDelayed moves due jobs from the delayed set back onto their queues.
// Returns how many were promoted. Workers call this before each dequeue.
func (b *Broker) PromoteDelayed(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	members, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			_ = b.client.ZRem(ctx, b.delayedKey(), member).Err()
			continue
		}
		removed, err := b.client.ZRem(ctx, b.delayedKey(), member).Result()
		if err != nil || removed == 0 {
			continue // another worker promoted it
		}
		if err := b.client.RPush(ctx, b.queueKey(job.Queue), member).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// QueueStats returns the broker counters for one queue.
func (b *Broker) QueueStats(ctx context.Context, queueName string) (*Stats, error) {
	waiting, err := b.client.LLen(ctx, b.queueKey(queueName)).Result()
	if err != nil {
		return nil, err
	}
	active, err := b.client.ZCard(ctx, b.processingKey()).Result()
	if err != nil {
		return nil, err
	}
	delayed, err := b.client.ZCard(ctx, b.delayedKey()).Result()
	if err != nil {
		return nil, err
	}
	failed, err := b.client.LLen(ctx, b.failedKey(queueName)).Result()
	if err != nil {
		return nil, err
	}
	return &Stats{Waiting: waiting, Active: active, Delayed: delayed, Failed: failed}, nil
}

// Ping checks broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Broker, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBroker(client), client
}

func int64Ptr(v int64) *int64 { return &v }

func testJob(queue string, nextRunAt int64) *Job {
	return &Job{
		Queue:        queue,
		UserID:       "user-1",
		ProjectID:    "proj-1",
		ProjectTitle: "AI weekly",
		NextRunAt:    int64Ptr(nextRunAt),
	}
}

func TestEnqueueDequeue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	enqueued, err := b.Enqueue(ctx, testJob(QueueResearch, 1000), false)
	require.NoError(t, err)
	assert.True(t, enqueued)

	job, err := b.Dequeue(ctx, QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "proj-1", job.ProjectID)
	assert.NotEmpty(t, job.ID)
}

func TestEnqueueIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	enqueued, err := b.Enqueue(ctx, testJob(QueueResearch, 1000), false)
	require.NoError(t, err)
	assert.True(t, enqueued)

	// Same (queue, projectId, nextRunAt): duplicate.
	enqueued, err = b.Enqueue(ctx, testJob(QueueResearch, 1000), false)
	require.NoError(t, err)
	assert.False(t, enqueued)

	// Different nextRunAt is a different run.
	enqueued, err = b.Enqueue(ctx, testJob(QueueResearch, 2000), false)
	require.NoError(t, err)
	assert.True(t, enqueued)

	// Same identity on the other queue is independent.
	enqueued, err = b.Enqueue(ctx, testJob(QueueDelivery, 1000), false)
	require.NoError(t, err)
	assert.True(t, enqueued)

	stats, err := b.QueueStats(ctx, QueueResearch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
}

func TestEnqueueForceBypassesDedup(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob(QueueDelivery, 1000), false)
	require.NoError(t, err)

	enqueued, err := b.Enqueue(ctx, testJob(QueueDelivery, 1000), true)
	require.NoError(t, err)
	assert.True(t, enqueued)
}

func TestCompleteReleasesIdentity(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob(QueueResearch, 1000), false)
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, b.MarkProcessing(ctx, job, time.Now().Add(time.Minute)))
	require.NoError(t, b.Complete(ctx, job))

	// Identity is free again: the next run can be enqueued.
	enqueued, err := b.Enqueue(ctx, testJob(QueueResearch, 1000), false)
	require.NoError(t, err)
	assert.True(t, enqueued)

	stats, err := b.QueueStats(ctx, QueueResearch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	b, client := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob(QueueResearch, 1000), false)
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)

	retrying, err := b.Fail(ctx, job)
	require.NoError(t, err)
	assert.True(t, retrying)
	assert.Equal(t, 1, job.RetryCount)

	stats, err := b.QueueStats(ctx, QueueResearch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	// Not due yet: nothing promotes.
	n, err := b.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Rewrite the ready-at score into the past to simulate the backoff delay
	// elapsing, then the job returns to its queue.
	members, err := client.ZRange(ctx, "briefcast:delayed", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.NoError(t, client.ZAdd(ctx, "briefcast:delayed", redis.Z{Score: 0, Member: members[0]}).Err())

	n, err = b.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := b.Dequeue(ctx, QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.RetryCount)
}

func TestFailExhaustsRetryBudget(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	job := testJob(QueueResearch, 1000)
	_, err := b.Enqueue(ctx, job, false)
	require.NoError(t, err)
	job.RetryCount = 3

	retrying, err := b.Fail(ctx, job)
	require.NoError(t, err)
	assert.False(t, retrying)

	stats, err := b.QueueStats(ctx, QueueResearch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Delayed)

	// The identity key is released so the next schedule is not blocked.
	enqueued, err := b.Enqueue(ctx, testJob(QueueResearch, 1000), false)
	require.NoError(t, err)
	assert.True(t, enqueued)
}

func TestDequeueEmptyQueue(t *testing.T) {
	b, _ := newTestBroker(t)

	job, err := b.Dequeue(context.Background(), QueueResearch, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefcast.org/queue"
	"briefcast.org/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Memory, *queue.Broker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	projects := store.NewMemory()
	broker := queue.NewBroker(client)
	s := New(projects, broker, Config{TickInterval: time.Minute, Window: 15 * time.Minute})
	return s, projects, broker
}

func msPtr(v int64) *int64 { return &v }

func seed(t *testing.T, projects *store.Memory, p *store.Project) {
	t.Helper()
	require.NoError(t, projects.PutProject(context.Background(), p))
}

func TestTickEnqueuesDueProject(t *testing.T) {
	s, projects, broker := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	seed(t, projects, &store.Project{
		ID: "p1", UserID: "u1", Title: "AI weekly", Status: store.StatusActive,
		Frequency: store.FrequencyWeekly,
		NextRunAt: msPtr(now.Add(-time.Minute).UnixMilli()),
	})

	s.Tick(ctx, now)

	job, err := broker.Dequeue(ctx, queue.QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "p1", job.ProjectID)

	// The project was claimed: status flipped to running.
	p, err := projects.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, p.Status)
	require.NotNil(t, p.ResearchStartedAt)
}

func TestTickEnqueuesPreRunProject(t *testing.T) {
	s, projects, broker := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	seed(t, projects, &store.Project{
		ID: "p1", UserID: "u1", Status: store.StatusActive,
		Frequency: store.FrequencyDaily,
		NextRunAt: msPtr(now.Add(10 * time.Minute).UnixMilli()),
	})

	s.Tick(ctx, now)

	job, err := broker.Dequeue(ctx, queue.QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "p1", job.ProjectID)
}

func TestTickIgnoresProjectOutsideWindow(t *testing.T) {
	s, projects, broker := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	seed(t, projects, &store.Project{
		ID: "p1", UserID: "u1", Status: store.StatusActive,
		Frequency: store.FrequencyDaily,
		NextRunAt: msPtr(now.Add(2 * time.Hour).UnixMilli()),
	})

	s.Tick(ctx, now)

	job, err := broker.Dequeue(ctx, queue.QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestTickIdempotentAcrossRepeats(t *testing.T) {
	s, projects, broker := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()
	runAt := now.Add(-time.Minute).UnixMilli()

	seed(t, projects, &store.Project{
		ID: "p1", UserID: "u1", Status: store.StatusActive,
		Frequency: store.FrequencyDaily,
		NextRunAt: msPtr(runAt),
	})

	// First tick claims and enqueues. Later ticks see status=running and the
	// selection excludes the project entirely.
	s.Tick(ctx, now)
	s.Tick(ctx, now.Add(time.Second))
	s.Tick(ctx, now.Add(2*time.Second))

	stats, err := broker.QueueStats(ctx, queue.QueueResearch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestTickDeliverySelection(t *testing.T) {
	s, projects, broker := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()
	logID := "log-1"

	seed(t, projects, &store.Project{
		ID: "p1", UserID: "u1", Status: store.StatusActive,
		Frequency:             store.FrequencyDaily,
		NextRunAt:             msPtr(now.Add(-time.Minute).UnixMilli()),
		PreparedDeliveryLogID: &logID,
	})

	s.Tick(ctx, now)

	// Prepared projects go to delivery, never back to research.
	job, err := broker.Dequeue(ctx, queue.QueueDelivery, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "p1", job.ProjectID)

	rJob, err := broker.Dequeue(ctx, queue.QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, rJob)

	// Delivery dispatch is idempotent per (projectId, nextRunAt) too.
	s.Tick(ctx, now.Add(time.Second))
	stats, err := broker.QueueStats(ctx, queue.QueueDelivery)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
}

func TestTickSkipsPausedProjects(t *testing.T) {
	s, projects, broker := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	seed(t, projects, &store.Project{
		ID: "p1", UserID: "u1", Status: store.StatusPaused,
		Frequency: store.FrequencyDaily,
		NextRunAt: msPtr(now.Add(-time.Minute).UnixMilli()),
	})

	s.Tick(ctx, now)

	job, err := broker.Dequeue(ctx, queue.QueueResearch, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

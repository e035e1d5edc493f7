package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msPtr(v int64) *int64 { return &v }
func strPtr(s string) *string { return &s }

func seedProject(t *testing.T, m *Memory, p *Project) *Project {
	t.Helper()
	require.NoError(t, m.PutProject(context.Background(), p))
	stored, err := m.GetProject(context.Background(), p.UserID, p.ID)
	require.NoError(t, err)
	return stored
}

func TestMemoryPutGetProject(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p := &Project{ID: "p1", UserID: "u1", Title: "AI weekly", Status: StatusActive}
	require.NoError(t, m.PutProject(ctx, p))
	assert.NotEmpty(t, p.Rev)
	assert.Equal(t, "project", p.Type)

	got, err := m.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "AI weekly", got.Title)

	_, err = m.GetProject(ctx, "other-user", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetProject(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRevisionConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p := seedProject(t, m, &Project{ID: "p1", UserID: "u1", Status: StatusActive})

	// Two readers hold the same revision; the second writer loses.
	first := *p
	second := *p
	first.Title = "writer one"
	require.NoError(t, m.PutProject(ctx, &first))

	second.Title = "writer two"
	assert.ErrorIs(t, m.PutProject(ctx, &second), ErrConflict)

	got, err := m.GetProject(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "writer one", got.Title)
}

func TestMemoryFindPreRunAndDue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	seedProject(t, m, &Project{ID: "due", UserID: "u1", Status: StatusActive,
		NextRunAt: msPtr(now.Add(-time.Minute).UnixMilli())})
	seedProject(t, m, &Project{ID: "upcoming", UserID: "u1", Status: StatusError,
		NextRunAt: msPtr(now.Add(10 * time.Minute).UnixMilli())})
	seedProject(t, m, &Project{ID: "far", UserID: "u1", Status: StatusActive,
		NextRunAt: msPtr(now.Add(2 * time.Hour).UnixMilli())})
	seedProject(t, m, &Project{ID: "paused", UserID: "u1", Status: StatusPaused,
		NextRunAt: msPtr(now.Add(-time.Minute).UnixMilli())})
	seedProject(t, m, &Project{ID: "prepared", UserID: "u1", Status: StatusActive,
		NextRunAt:             msPtr(now.Add(-time.Minute).UnixMilli()),
		PreparedDeliveryLogID: strPtr("log-1")})

	pre, err := m.FindPreRun(ctx, now, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, pre, 1)
	assert.Equal(t, "upcoming", pre[0].ID)

	due, err := m.FindDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestMemoryFindNeedsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	seedProject(t, m, &Project{ID: "ready", UserID: "u1", Status: StatusActive,
		NextRunAt:             msPtr(now.Add(-time.Minute).UnixMilli()),
		PreparedDeliveryLogID: strPtr("log-1")})
	seedProject(t, m, &Project{ID: "early", UserID: "u1", Status: StatusActive,
		NextRunAt:             msPtr(now.Add(10 * time.Minute).UnixMilli()),
		PreparedDeliveryLogID: strPtr("log-2")})
	seedProject(t, m, &Project{ID: "unprepared", UserID: "u1", Status: StatusActive,
		NextRunAt: msPtr(now.Add(-time.Minute).UnixMilli())})

	out, err := m.FindNeedsDelivery(ctx, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ready", out[0].ID)
}

func TestMemoryFindStuckRunning(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	seedProject(t, m, &Project{ID: "stuck", UserID: "u1", Status: StatusRunning,
		ResearchStartedAt: msPtr(now.Add(-10 * time.Minute).UnixMilli())})
	seedProject(t, m, &Project{ID: "fresh", UserID: "u1", Status: StatusRunning,
		ResearchStartedAt: msPtr(now.Add(-time.Minute).UnixMilli())})
	seedProject(t, m, &Project{ID: "idle", UserID: "u1", Status: StatusActive})

	out, err := m.FindStuckRunning(ctx, now, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "stuck", out[0].ID)
}

func TestMemoryFindPrepared(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seedProject(t, m, &Project{ID: "prepared", UserID: "u1", Status: StatusActive,
		PreparedDeliveryLogID: strPtr("log-1")})
	seedProject(t, m, &Project{ID: "deleted", UserID: "u1", Status: StatusDeleted,
		PreparedDeliveryLogID: strPtr("log-2")})
	seedProject(t, m, &Project{ID: "plain", UserID: "u1", Status: StatusActive})

	out, err := m.FindPrepared(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "prepared", out[0].ID)
}

func TestMemoryDeliveryLog(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	l := &DeliveryLog{ID: "log-1", ProjectID: "p1", UserID: "u1", Status: DeliveryPending}
	require.NoError(t, m.PutDeliveryLog(ctx, l))
	assert.Equal(t, "delivery_log", l.Type)

	got, err := m.GetDeliveryLog(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryPending, got.Status)

	got.Status = DeliverySuccess
	require.NoError(t, m.PutDeliveryLog(ctx, got))

	stale := &DeliveryLog{ID: "log-1", Rev: "0-stale"}
	assert.ErrorIs(t, m.PutDeliveryLog(ctx, stale), ErrConflict)

	_, err = m.GetDeliveryLog(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

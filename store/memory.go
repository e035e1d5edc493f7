package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-memory ProjectStore with the same revision-conflict
// semantics as CouchDB. It backs the test suite and local development.
type Memory struct {
	mu       sync.Mutex
	projects map[string]*Project
	logs     map[string]*DeliveryLog
	revs     int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]*Project),
		logs:     make(map[string]*DeliveryLog),
	}
}

func (m *Memory) nextRev() string {
	m.revs++
	return fmt.Sprintf("%d-mem", m.revs)
}

func cloneProject(p *Project) *Project {
	c := *p
	return &c
}

func cloneLog(l *DeliveryLog) *DeliveryLog {
	c := *l
	return &c
}

// GetProject implements ProjectStore.
func (m *Memory) GetProject(ctx context.Context, userID, projectID string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok || (userID != "" && p.UserID != userID) {
		return nil, ErrNotFound
	}
	return cloneProject(p), nil
}

// PutProject implements ProjectStore with revision conflict detection.
func (m *Memory) PutProject(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.projects[p.ID]; ok && existing.Rev != p.Rev {
		return ErrConflict
	}
	p.Type = "project"
	p.Rev = m.nextRev()
	m.projects[p.ID] = cloneProject(p)
	return nil
}

func (m *Memory) filter(pred func(*Project) bool) []*Project {
	var out []*Project
	for _, p := range m.projects {
		if pred(p) {
			out = append(out, cloneProject(p))
		}
	}
	return out
}

func activeOrError(p *Project) bool {
	return p.Status == StatusActive || p.Status == StatusError
}

// FindPreRun implements ProjectStore.
func (m *Memory) FindPreRun(ctx context.Context, now time.Time, window time.Duration) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := now.UnixMilli()
	endMs := now.Add(window).UnixMilli()
	return m.filter(func(p *Project) bool {
		return activeOrError(p) && p.PreparedDeliveryLogID == nil &&
			p.NextRunAt != nil && *p.NextRunAt > nowMs && *p.NextRunAt <= endMs
	}), nil
}

// FindDue implements ProjectStore.
func (m *Memory) FindDue(ctx context.Context, now time.Time) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := now.UnixMilli()
	return m.filter(func(p *Project) bool {
		return activeOrError(p) && p.PreparedDeliveryLogID == nil &&
			p.NextRunAt != nil && *p.NextRunAt <= nowMs
	}), nil
}

// FindNeedsDelivery implements ProjectStore.
func (m *Memory) FindNeedsDelivery(ctx context.Context, now time.Time) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := now.UnixMilli()
	return m.filter(func(p *Project) bool {
		return p.PreparedDeliveryLogID != nil &&
			p.NextRunAt != nil && *p.NextRunAt <= nowMs
	}), nil
}

// FindNeedsResearch implements ProjectStore.
func (m *Memory) FindNeedsResearch(ctx context.Context) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(p *Project) bool {
		return activeOrError(p) && p.PreparedDeliveryLogID == nil
	}), nil
}

// FindStuckRunning implements ProjectStore.
func (m *Memory) FindStuckRunning(ctx context.Context, now time.Time, threshold time.Duration) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-threshold).UnixMilli()
	return m.filter(func(p *Project) bool {
		return p.Status == StatusRunning &&
			p.ResearchStartedAt != nil && *p.ResearchStartedAt < cutoff
	}), nil
}

// FindPrepared implements ProjectStore.
func (m *Memory) FindPrepared(ctx context.Context) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(p *Project) bool {
		return p.PreparedDeliveryLogID != nil && p.Status != StatusDeleted
	}), nil
}

// GetDeliveryLog implements ProjectStore.
func (m *Memory) GetDeliveryLog(ctx context.Context, id string) (*DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLog(l), nil
}

// PutDeliveryLog implements ProjectStore.
func (m *Memory) PutDeliveryLog(ctx context.Context, l *DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.logs[l.ID]; ok && existing.Rev != l.Rev {
		return ErrConflict
	}
	l.Type = "delivery_log"
	l.Rev = m.nextRev()
	m.logs[l.ID] = cloneLog(l)
	return nil
}

var _ ProjectStore = (*Memory)(nil)

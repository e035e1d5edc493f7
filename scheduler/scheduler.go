package scheduler

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"briefcast.org/common"
	"briefcast.org/queue"
	"briefcast.org/store"
)

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is the poll interval; the scheduler ticks at least once
	// per minute.
	TickInterval time.Duration

	// Window is the pre-run window W: research may begin this long before
	// nextRunAt so delivery can fire on time.
	Window time.Duration
}

// Scheduler polls the project store for due and upcoming work and enqueues
// research and delivery jobs. Enqueues are idempotent per (projectId,
// nextRunAt), so overlapping ticks and multiple scheduler processes are safe.
type Scheduler struct {
	projects store.ProjectStore
	broker   *queue.Broker
	cfg      Config
	log      *logrus.Logger
}

// New creates a Scheduler.
func New(projects store.ProjectStore, broker *queue.Broker, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 || cfg.TickInterval > time.Minute {
		cfg.TickInterval = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &Scheduler{projects: projects, broker: broker, cfg: cfg, log: common.Logger}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.WithField("interval", s.cfg.TickInterval).Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one scheduling pass: the pre-run and retry research selections,
// de-duplicated by project id, and the delivery selection in parallel.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	preRun, err := s.projects.FindPreRun(ctx, now, s.cfg.Window)
	if err != nil {
		s.log.WithError(err).Error("pre-run query failed")
	}
	due, err := s.projects.FindDue(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("retry query failed")
	}

	seen := make(map[string]bool)
	for _, p := range append(preRun, due...) {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		s.dispatchResearch(ctx, p, now)
	}

	deliverable, err := s.projects.FindNeedsDelivery(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("delivery query failed")
		return
	}
	for _, p := range deliverable {
		s.dispatchDelivery(ctx, p)
	}
}

// dispatchResearch claims the project by flipping it to running, then
// enqueues a research job. A revision conflict means another scheduler
// process claimed it first; that is not an error.
func (s *Scheduler) dispatchResearch(ctx context.Context, p *store.Project, now time.Time) {
	nowMs := now.UnixMilli()
	p.Status = store.StatusRunning
	p.ResearchStartedAt = &nowMs
	if err := s.projects.PutProject(ctx, p); err != nil {
		if err == store.ErrConflict {
			s.log.WithField("projectID", p.ID).Debug("project claimed elsewhere, skipping")
			return
		}
		s.log.WithError(err).WithField("projectID", p.ID).Error("failed to claim project")
		return
	}

	job := &queue.Job{
		Queue:        queue.QueueResearch,
		UserID:       p.UserID,
		ProjectID:    p.ID,
		ProjectTitle: p.Title,
		NextRunAt:    p.NextRunAt,
		IsOneShot:    p.ThisRunIsOneShot || p.Frequency == store.FrequencyOnce,
	}
	enqueued, err := s.broker.Enqueue(ctx, job, false)
	if err != nil {
		s.log.WithError(err).WithField("projectID", p.ID).Error("failed to enqueue research job")
		return
	}
	if !enqueued {
		s.log.WithField("projectID", p.ID).Debug("research job already pending")
		return
	}

	entry := s.log.WithField("projectID", p.ID).WithField("title", p.Title)
	if p.NextRunAt != nil {
		entry = entry.WithField("due", humanize.Time(time.UnixMilli(*p.NextRunAt)))
	}
	entry.Info("research job enqueued")
}

// dispatchDelivery enqueues a delivery job for a project with a prepared log.
func (s *Scheduler) dispatchDelivery(ctx context.Context, p *store.Project) {
	job := &queue.Job{
		Queue:        queue.QueueDelivery,
		UserID:       p.UserID,
		ProjectID:    p.ID,
		ProjectTitle: p.Title,
		NextRunAt:    p.NextRunAt,
		IsOneShot:    p.ThisRunIsOneShot || p.Frequency == store.FrequencyOnce,
	}
	enqueued, err := s.broker.Enqueue(ctx, job, false)
	if err != nil {
		s.log.WithError(err).WithField("projectID", p.ID).Error("failed to enqueue delivery job")
		return
	}
	if enqueued {
		s.log.WithField("projectID", p.ID).Info("delivery job enqueued")
	}
}

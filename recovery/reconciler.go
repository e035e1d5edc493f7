// Package recovery reconciles queue state with the project store. Redis queue
// entries can be lost on restart or eviction; the store is authoritative, so
// the reconciler re-derives pending work from project state alone.
package recovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"briefcast.org/common"
	"briefcast.org/queue"
	"briefcast.org/store"
)

// Config tunes the reconciler.
type Config struct {
	// Interval between periodic passes.
	Interval time.Duration

	// StuckThreshold is how long a project may sit in status=running before
	// it is presumed orphaned by a dead worker.
	StuckThreshold time.Duration
}

// Report summarizes one reconciliation pass.
type Report struct {
	Recovered  int `json:"recovered"`
	StuckReset int `json:"stuckReset"`
	Errors     int `json:"errors"`
}

// Reconciler re-enqueues lost work and resets orphaned running projects.
type Reconciler struct {
	projects store.ProjectStore
	broker   *queue.Broker
	cfg      Config
	log      *logrus.Logger
}

// New creates a Reconciler.
func New(projects store.ProjectStore, broker *queue.Broker, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}
	return &Reconciler{projects: projects, broker: broker, cfg: cfg, log: common.Logger}
}

// Run performs one pass at startup, then one per interval until the context
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.WithField("interval", r.cfg.Interval).Info("reconciler started")
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce runs the three reconciliation passes. Individual failures are
// counted and logged; a pass never aborts.
func (r *Reconciler) RunOnce(ctx context.Context) *Report {
	now := time.Now()
	rep := &Report{}

	r.recoverResearch(ctx, now, rep)
	r.resetStuck(ctx, now, rep)
	r.recoverDelivery(ctx, now, rep)

	if rep.Recovered > 0 || rep.StuckReset > 0 || rep.Errors > 0 {
		r.log.WithFields(logrus.Fields{
			"recovered":  rep.Recovered,
			"stuckReset": rep.StuckReset,
			"errors":     rep.Errors,
		}).Info("reconciliation pass finished")
	}
	return rep
}

// recoverResearch re-enqueues research for active projects that are past due
// with nothing prepared. Future-dated projects are left to the scheduler.
func (r *Reconciler) recoverResearch(ctx context.Context, now time.Time, rep *Report) {
	projects, err := r.projects.FindNeedsResearch(ctx)
	if err != nil {
		r.log.WithError(err).Error("needs-research query failed")
		rep.Errors++
		return
	}

	nowMs := now.UnixMilli()
	for _, p := range projects {
		if p.NextRunAt == nil || *p.NextRunAt > nowMs {
			continue
		}
		job := researchJob(p)
		enqueued, err := r.broker.Enqueue(ctx, job, false)
		if err != nil {
			r.log.WithError(err).WithField("projectID", p.ID).Error("failed to re-enqueue research")
			rep.Errors++
			continue
		}
		if enqueued {
			r.log.WithField("projectID", p.ID).Info("recovered lost research job")
			rep.Recovered++
		}
	}
}

// resetStuck flips long-running projects to error so the scheduler's retry
// selection picks them up, and re-enqueues them directly when due.
func (r *Reconciler) resetStuck(ctx context.Context, now time.Time, rep *Report) {
	projects, err := r.projects.FindStuckRunning(ctx, now, r.cfg.StuckThreshold)
	if err != nil {
		r.log.WithError(err).Error("stuck-running query failed")
		rep.Errors++
		return
	}

	for _, p := range projects {
		p.Status = store.StatusError
		p.LastError = "research run stuck, reset by reconciler"
		p.ResearchStartedAt = nil
		if err := r.projects.PutProject(ctx, p); err != nil {
			if err != store.ErrConflict {
				r.log.WithError(err).WithField("projectID", p.ID).Error("failed to reset stuck project")
				rep.Errors++
			}
			continue
		}
		r.log.WithField("projectID", p.ID).Warn("reset stuck running project")
		rep.StuckReset++

		if p.NextRunAt != nil {
			if _, err := r.broker.Enqueue(ctx, researchJob(p), true); err != nil {
				r.log.WithError(err).WithField("projectID", p.ID).Error("failed to re-enqueue after stuck reset")
				rep.Errors++
			}
		}
	}
}

// recoverDelivery re-enqueues delivery for every project holding a prepared
// log. The enqueue is forced: a prepared log must reach the user even if an
// earlier job for the same run already consumed the dedup key.
func (r *Reconciler) recoverDelivery(ctx context.Context, now time.Time, rep *Report) {
	projects, err := r.projects.FindPrepared(ctx)
	if err != nil {
		r.log.WithError(err).Error("prepared query failed")
		rep.Errors++
		return
	}

	nowMs := now.UnixMilli()
	for _, p := range projects {
		job := &queue.Job{
			Queue:        queue.QueueDelivery,
			UserID:       p.UserID,
			ProjectID:    p.ID,
			ProjectTitle: p.Title,
			NextRunAt:    p.NextRunAt,
			IsRunNow:     p.NextRunAt == nil || *p.NextRunAt <= nowMs,
			IsOneShot:    p.ThisRunIsOneShot || p.Frequency == store.FrequencyOnce,
		}
		if !job.IsRunNow {
			// Delivery time has not arrived yet; the scheduler will send it.
			continue
		}
		if _, err := r.broker.Enqueue(ctx, job, true); err != nil {
			r.log.WithError(err).WithField("projectID", p.ID).Error("failed to re-enqueue delivery")
			rep.Errors++
			continue
		}
		r.log.WithField("projectID", p.ID).Info("recovered pending delivery")
		rep.Recovered++
	}
}

func researchJob(p *store.Project) *queue.Job {
	return &queue.Job{
		Queue:        queue.QueueResearch,
		UserID:       p.UserID,
		ProjectID:    p.ID,
		ProjectTitle: p.Title,
		NextRunAt:    p.NextRunAt,
		IsOneShot:    p.ThisRunIsOneShot || p.Frequency == store.FrequencyOnce,
	}
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"briefcast.org/common"
	"briefcast.org/pipeline"
	"briefcast.org/queue"
	"briefcast.org/store"
)

// ResearchPipeline is the slice of the pipeline the research worker needs.
type ResearchPipeline interface {
	Run(ctx context.Context, userID, projectID string) (*pipeline.Result, error)
}

// ResearchHandler runs the research pipeline for one project per job and
// advances the project to the delivery stage on success.
type ResearchHandler struct {
	projects store.ProjectStore
	pipeline ResearchPipeline
	broker   *queue.Broker
	log      *logrus.Logger
}

// NewResearchHandler creates a ResearchHandler.
func NewResearchHandler(projects store.ProjectStore, pl ResearchPipeline, broker *queue.Broker) *ResearchHandler {
	return &ResearchHandler{projects: projects, pipeline: pl, broker: broker, log: common.Logger}
}

// Handle implements Handler. The project store is the source of truth: the
// job is only a trigger, and every decision re-reads the project first.
func (h *ResearchHandler) Handle(ctx context.Context, job *queue.Job) error {
	entry := h.log.WithField("projectID", job.ProjectID).WithField("userID", job.UserID)

	project, err := h.projects.GetProject(ctx, job.UserID, job.ProjectID)
	if err == store.ErrNotFound {
		entry.Info("project gone, skipping research job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	if project.Status == store.StatusPaused || project.Status == store.StatusDeleted {
		entry.WithField("status", project.Status).Info("project inactive, skipping research job")
		return nil
	}
	if project.PreparedDeliveryLogID != nil {
		entry.Info("project already has a prepared log, skipping research job")
		return nil
	}
	if !job.IsRunNow && !sameRunAt(job.NextRunAt, project.NextRunAt) {
		entry.Info("stale research job, project was rescheduled, skipping")
		return nil
	}

	nowMs := time.Now().UnixMilli()
	project.Status = store.StatusRunning
	project.ResearchStartedAt = &nowMs
	if err := h.projects.PutProject(ctx, project); err != nil {
		if err == store.ErrConflict {
			entry.Info("project claimed by another worker, skipping")
			return nil
		}
		return fmt.Errorf("failed to mark project running: %w", err)
	}

	result, err := h.pipeline.Run(ctx, job.UserID, job.ProjectID)
	if err != nil {
		h.recordFailure(ctx, job, err)
		return err
	}
	if result.Skipped {
		entry.WithField("reason", result.SkipReason).Info("research skipped")
		h.clearRunning(ctx, job)
		return nil
	}

	// Re-read before write-back: the user may have paused meanwhile. The
	// pipeline already discards results for paused projects, so a non-skip
	// result means the project was live at persist time.
	fresh, err := h.projects.GetProject(ctx, job.UserID, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to reload project: %w", err)
	}
	if fresh.Status == store.StatusDeleted {
		entry.Info("project deleted during research, dropping result")
		return nil
	}
	if fresh.Status == store.StatusPaused {
		// The log stays unreferenced; a later resume schedules a fresh run.
		entry.Info("project paused during research, dropping result")
		return nil
	}

	if fresh.Frequency == store.FrequencyOnce {
		fresh.Status = store.StatusPaused
	} else {
		fresh.Status = store.StatusActive
	}
	fresh.PreparedDeliveryLogID = &result.DeliveryLogID
	preparedAt := time.Now().UnixMilli()
	fresh.PreparedAt = &preparedAt
	fresh.LastRunAt = &preparedAt
	fresh.ResearchStartedAt = nil
	fresh.LastError = ""
	if err := h.projects.PutProject(ctx, fresh); err != nil {
		return fmt.Errorf("failed to record prepared log: %w", err)
	}

	job2 := &queue.Job{
		Queue:        queue.QueueDelivery,
		UserID:       fresh.UserID,
		ProjectID:    fresh.ID,
		ProjectTitle: fresh.Title,
		NextRunAt:    fresh.NextRunAt,
		IsRunNow:     job.IsRunNow,
		IsOneShot:    job.IsOneShot,
	}
	if _, err := h.broker.Enqueue(ctx, job2, false); err != nil {
		// The reconciler's needs-delivery pass will pick this up.
		entry.WithError(err).Error("failed to enqueue delivery job")
	}

	entry.WithField("deliveryLogID", result.DeliveryLogID).
		WithField("durationMs", result.DurationMs).Info("research completed")
	return nil
}

// recordFailure marks the project errored so the scheduler and reconciler see
// it, then lets the broker retry per policy.
func (h *ResearchHandler) recordFailure(ctx context.Context, job *queue.Job, cause error) {
	project, err := h.projects.GetProject(ctx, job.UserID, job.ProjectID)
	if err != nil {
		h.log.WithError(err).WithField("projectID", job.ProjectID).
			Error("failed to load project while recording research failure")
		return
	}
	if project.Status == store.StatusDeleted {
		return
	}
	project.Status = store.StatusError
	project.LastError = cause.Error()
	project.ResearchStartedAt = nil
	if err := h.projects.PutProject(ctx, project); err != nil {
		h.log.WithError(err).WithField("projectID", job.ProjectID).
			Error("failed to record research failure")
	}
}

// clearRunning returns a project claimed by this job to its resting status
// after a skip, so it is not left running forever.
func (h *ResearchHandler) clearRunning(ctx context.Context, job *queue.Job) {
	project, err := h.projects.GetProject(ctx, job.UserID, job.ProjectID)
	if err != nil || project.Status != store.StatusRunning {
		return
	}
	project.Status = store.StatusActive
	project.ResearchStartedAt = nil
	if err := h.projects.PutProject(ctx, project); err != nil && err != store.ErrConflict {
		h.log.WithError(err).WithField("projectID", job.ProjectID).Warn("failed to clear running status")
	}
}

func sameRunAt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

var _ Handler = (*ResearchHandler)(nil)

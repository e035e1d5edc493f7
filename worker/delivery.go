package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"briefcast.org/cache"
	"briefcast.org/common"
	"briefcast.org/notification"
	"briefcast.org/queue"
	"briefcast.org/scheduler"
	"briefcast.org/store"
)

// oneShotCounterTTL keeps monthly usage counters around long enough for
// billing reads without accumulating forever.
const oneShotCounterTTL = 90 * 24 * 3600

// DeliveryHandler sends the prepared report and advances the project's
// schedule. Delivery is exactly-once per prepared log: the prepared state is
// only cleared after the vendor accepts the send.
type DeliveryHandler struct {
	projects store.ProjectStore
	mailer   notification.Mailer
	counters *cache.Store
	log      *logrus.Logger
}

// NewDeliveryHandler creates a DeliveryHandler. counters may be nil when no
// cache is configured; the one-shot usage counter is then skipped.
func NewDeliveryHandler(projects store.ProjectStore, mailer notification.Mailer, counters *cache.Store) *DeliveryHandler {
	return &DeliveryHandler{projects: projects, mailer: mailer, counters: counters, log: common.Logger}
}

// Handle implements Handler.
func (h *DeliveryHandler) Handle(ctx context.Context, job *queue.Job) error {
	entry := h.log.WithField("projectID", job.ProjectID).WithField("userID", job.UserID)

	project, err := h.projects.GetProject(ctx, job.UserID, job.ProjectID)
	if err == store.ErrNotFound {
		entry.Info("project gone, skipping delivery job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	if project.Status == store.StatusDeleted {
		entry.Info("project deleted, skipping delivery job")
		return nil
	}
	if project.PreparedDeliveryLogID == nil {
		entry.Info("nothing prepared, skipping delivery job")
		return nil
	}
	if !job.IsRunNow && project.NextRunAt != nil && *project.NextRunAt > time.Now().UnixMilli() {
		// Prepared ahead of the slot; the scheduler fires it at nextRunAt.
		entry.WithField("nextRunAt", *project.NextRunAt).Info("delivery slot not reached, skipping")
		return nil
	}

	logDoc, err := h.projects.GetDeliveryLog(ctx, *project.PreparedDeliveryLogID)
	if err == store.ErrNotFound {
		// Dangling pointer; clear it so the scheduler resumes normal runs.
		entry.Warn("prepared delivery log missing, clearing handoff")
		project.PreparedDeliveryLogID = nil
		return h.projects.PutProject(ctx, project)
	}
	if err != nil {
		return fmt.Errorf("failed to load delivery log: %w", err)
	}
	if logDoc.Status != store.DeliveryPending {
		// Already delivered; finish the project-side bookkeeping if a crash
		// left it behind.
		entry.WithField("logStatus", logDoc.Status).Info("delivery log already terminal")
		return h.advanceProject(ctx, project, logDoc, job)
	}

	htmlBody, err := notification.RenderEmailHTML(logDoc.ReportTitle, logDoc.ReportMarkdown, logDoc.ReportSummary)
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	res, err := h.mailer.Send(ctx, notification.Message{
		To:       project.DeliveryEmail,
		Subject:  logDoc.ReportTitle,
		HTMLBody: htmlBody,
	})
	if err != nil {
		logDoc.RetryCount++
		logDoc.Error = err.Error()
		if putErr := h.projects.PutDeliveryLog(ctx, logDoc); putErr != nil {
			entry.WithError(putErr).Warn("failed to record delivery attempt")
		}
		return err
	}

	now := time.Now().UnixMilli()
	logDoc.Status = store.DeliverySuccess
	logDoc.DeliveredAt = &now
	logDoc.Error = ""
	if err := h.projects.PutDeliveryLog(ctx, logDoc); err != nil {
		// The email went out; failing here would resend on retry. Log and
		// push on to the project update.
		entry.WithError(err).Error("email sent but delivery log update failed")
	}

	entry.WithField("mailID", res.ID).WithField("deliveryLogID", logDoc.ID).Info("report delivered")
	return h.advanceProject(ctx, project, logDoc, job)
}

// advanceProject clears the handoff token and moves the schedule forward.
// One-shot runs pause the project; recurring projects get their next slot.
func (h *DeliveryHandler) advanceProject(ctx context.Context, project *store.Project, logDoc *store.DeliveryLog, job *queue.Job) error {
	now := time.Now()
	nowMs := now.UnixMilli()

	oneShot := job.IsOneShot || project.ThisRunIsOneShot || project.Frequency == store.FrequencyOnce

	project.PreparedDeliveryLogID = nil
	project.PreparedAt = nil
	project.DeliveredAt = &nowMs
	project.LastError = ""

	if oneShot {
		project.Status = store.StatusPaused
		project.NextRunAt = nil
		project.ThisRunIsOneShot = false
	} else {
		// A pause taken while the report was in flight survives delivery.
		if project.Status != store.StatusPaused {
			project.Status = store.StatusActive
		}
		next, err := scheduler.NextRunForProject(project, now)
		if err != nil {
			return fmt.Errorf("failed to compute next run: %w", err)
		}
		nextMs := next.UnixMilli()
		project.NextRunAt = &nextMs
	}

	if err := h.projects.PutProject(ctx, project); err != nil {
		return fmt.Errorf("failed to advance project: %w", err)
	}

	if oneShot {
		h.countOneShot(ctx, project.UserID, now)
	}
	return nil
}

// countOneShot bumps the user's monthly one-shot usage counter. Counter
// failures are logged, never surfaced; billing reads tolerate undercounting.
func (h *DeliveryHandler) countOneShot(ctx context.Context, userID string, now time.Time) {
	if h.counters == nil {
		return
	}
	key := fmt.Sprintf("analytics:oneshot:%s:%s", userID, now.Format("2006-01"))
	n, err := h.counters.IncrBy(ctx, key, 1)
	if err != nil {
		h.log.WithError(err).WithField("userID", userID).Warn("failed to count one-shot run")
		return
	}
	if n == 1 {
		if err := h.counters.Expire(ctx, key, oneShotCounterTTL); err != nil {
			h.log.WithError(err).WithField("key", key).Debug("failed to set counter expiry")
		}
	}
}

var _ Handler = (*DeliveryHandler)(nil)

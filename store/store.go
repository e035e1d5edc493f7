package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: document not found")

// ErrConflict is returned when a write lost a revision race. Callers treat a
// conflict as "someone else claimed this project" and skip.
var ErrConflict = errors.New("store: revision conflict")

// ProjectStore is the document store interface the research core consumes:
// typed reads and writes plus the collection-wide predicate queries the
// scheduler and reconciler run each tick.
type ProjectStore interface {
	// GetProject loads a project by owner and id.
	GetProject(ctx context.Context, userID, projectID string) (*Project, error)

	// PutProject writes a project back. Returns ErrConflict when the stored
	// revision has moved on since the project was read.
	PutProject(ctx context.Context, p *Project) error

	// FindPreRun selects the pre-run set: status in {active,error},
	// preparedDeliveryLogId null, now < nextRunAt <= now + window.
	FindPreRun(ctx context.Context, now time.Time, window time.Duration) ([]*Project, error)

	// FindDue selects the retry set: status in {active,error},
	// preparedDeliveryLogId null, nextRunAt <= now.
	FindDue(ctx context.Context, now time.Time) ([]*Project, error)

	// FindNeedsDelivery selects projects with a prepared log whose delivery
	// time has arrived: preparedDeliveryLogId non-null, nextRunAt <= now.
	FindNeedsDelivery(ctx context.Context, now time.Time) ([]*Project, error)

	// FindNeedsResearch selects the reconciler's needs-research pass:
	// status in {active,error}, preparedDeliveryLogId null.
	FindNeedsResearch(ctx context.Context) ([]*Project, error)

	// FindStuckRunning selects projects whose status=running has persisted
	// past the stuck threshold.
	FindStuckRunning(ctx context.Context, now time.Time, threshold time.Duration) ([]*Project, error)

	// FindPrepared selects the reconciler's needs-delivery pass:
	// preparedDeliveryLogId non-null, status != deleted.
	FindPrepared(ctx context.Context) ([]*Project, error)

	// GetDeliveryLog loads a delivery log by id.
	GetDeliveryLog(ctx context.Context, id string) (*DeliveryLog, error)

	// PutDeliveryLog writes a delivery log.
	PutDeliveryLog(ctx context.Context, l *DeliveryLog) error
}

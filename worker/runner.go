// Package worker consumes research and delivery jobs from the broker. The
// research worker runs one job at a time; the delivery worker runs two with a
// rate limiter matched to the email vendor's limits.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"briefcast.org/common"
	"briefcast.org/queue"
)

const (
	dequeueTimeout = 5 * time.Second

	// processingDeadline bounds one job attempt in the processing set.
	processingDeadline = 15 * time.Minute
)

// Handler processes one job. A returned error sends the job through the
// broker's retry policy; ErrSkip-style soft failures are the handler's to
// swallow.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// Runner pulls jobs from one queue and hands them to a Handler with a fixed
// number of concurrent workers and an optional shared rate limiter.
type Runner struct {
	broker      *queue.Broker
	queueName   string
	concurrency int
	limiter     *rate.Limiter
	handler     Handler
	log         *logrus.Logger
}

// NewRunner creates a Runner. limiter may be nil for unthrottled processing.
func NewRunner(broker *queue.Broker, queueName string, concurrency int, limiter *rate.Limiter, handler Handler) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		broker:      broker,
		queueName:   queueName,
		concurrency: concurrency,
		limiter:     limiter,
		handler:     handler,
		log:         common.Logger,
	}
}

// Run starts the worker goroutines and blocks until the context is cancelled
// and all in-flight jobs have finished.
func (r *Runner) Run(ctx context.Context) {
	r.log.WithField("queue", r.queueName).WithField("concurrency", r.concurrency).Info("worker started")

	done := make(chan struct{}, r.concurrency)
	for i := 0; i < r.concurrency; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			r.loop(ctx, id)
		}(i)
	}
	for i := 0; i < r.concurrency; i++ {
		<-done
	}
	r.log.WithField("queue", r.queueName).Info("worker stopped")
}

func (r *Runner) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := r.broker.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("failed to promote delayed jobs")
		}

		job, err := r.broker.Dequeue(ctx, r.queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).WithField("queue", r.queueName).Error("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		r.process(ctx, id, job)
	}
}

func (r *Runner) process(ctx context.Context, id int, job *queue.Job) {
	entry := r.log.WithFields(logrus.Fields{
		"queue":     r.queueName,
		"worker":    id,
		"jobID":     job.ID,
		"projectID": job.ProjectID,
		"retry":     job.RetryCount,
	})

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			// Shutting down; park the job for the next worker.
			if _, reErr := r.broker.Enqueue(ctx, job, true); reErr != nil {
				entry.WithError(reErr).Error("failed to requeue job on shutdown")
			}
			return
		}
	}

	if err := r.broker.MarkProcessing(ctx, job, time.Now().Add(processingDeadline)); err != nil {
		entry.WithError(err).Warn("failed to mark job processing")
	}

	start := time.Now()
	if err := r.handler.Handle(ctx, job); err != nil {
		retrying, failErr := r.broker.Fail(ctx, job)
		if failErr != nil {
			entry.WithError(failErr).Error("failed to record job failure")
		}
		entry.WithError(err).WithField("retrying", retrying).Error("job failed")
		return
	}

	if err := r.broker.Complete(ctx, job); err != nil {
		entry.WithError(err).Warn("failed to record job completion")
	}
	entry.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("job completed")
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// errStopped marks jobs that were queued or running when the service stopped.
var errStopped = fmt.Errorf("service stopped before the job finished: %w", context.Canceled)

// Abandon fails a queued job that will never be executed, such as one still
// waiting in the queue at shutdown. Jobs that already left pending are
// untouched.
func (o *Orchestrator) Abandon(ctx context.Context, item scrape.QueueItem) error {
	logger := o.logger.With(zap.String("job_id", item.JobID), zap.String("user_id", item.UserID))
	job, err := o.deps.Store.GetJob(ctx, item.JobID)
	if errors.Is(err, scrape.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", item.JobID, err)
	}
	if job.Status() != scrape.StatusPending {
		return nil
	}
	if err := job.Transition(o.stoppedState(job.URL)); err != nil {
		return fmt.Errorf("abandon job %s: %w", job.ID, err)
	}
	o.persist(ctx, job, logger)
	o.finish(ctx, job)
	return nil
}

// FailUnfinished fails every pending or running job left behind by a
// previous process and returns how many were failed. It assumes this process
// is the only one executing jobs against the store.
func (o *Orchestrator) FailUnfinished(ctx context.Context) (int, error) {
	jobs, err := o.deps.Store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	failed := 0
	for _, job := range jobs {
		if err := job.Transition(o.stoppedState(job.URL)); err != nil {
			return failed, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		err := o.deps.Store.UpdateJob(ctx, job)
		if errors.Is(err, scrape.ErrNotFound) {
			continue
		}
		if err != nil {
			return failed, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		o.finish(ctx, job)
		failed++
	}
	if failed > 0 {
		o.logger.Warn("failed jobs left unfinished by a previous run", zap.Int("count", failed))
	}
	return failed, nil
}

func (o *Orchestrator) stoppedState(url string) scrape.Failed {
	return scrape.Failed{
		Kind:       scrape.FailureRetrievalFailed,
		Reason:     scrape.NewRetrievalError(url, errStopped).Error(),
		FinishedAt: o.deps.Clock.Now(),
	}
}

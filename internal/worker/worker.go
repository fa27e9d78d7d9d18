// Package worker executes queued scrape jobs.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/metrics"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

const defaultErrorBackoff = 100 * time.Millisecond

// Executor runs one queued job to completion.
type Executor interface {
	Execute(ctx context.Context, item scrape.QueueItem) error
}

// Config tunes a worker.
type Config struct {
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Worker pulls jobs from the queue and hands them to the executor.
type Worker struct {
	queue    scrape.Queue
	executor Executor
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue scrape.Queue, executor Executor, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run processes jobs until ctx is canceled or the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scrape.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item scrape.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker recovered from panic",
				zap.String("job_id", item.JobID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if err := w.executor.Execute(ctx, item); err != nil {
		w.logger.Error("job execution failed",
			zap.String("job_id", item.JobID),
			zap.String("user_id", item.UserID),
			zap.Error(err),
		)
	}
}

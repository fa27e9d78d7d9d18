// Package orchestrator owns job admission and the job lifecycle: per-user
// capacity, cache short-circuiting, dispatch to the worker pool and terminal
// bookkeeping.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/metrics"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

const (
	// DefaultMaxConcurrentPerUser caps a user's pending and running jobs.
	DefaultMaxConcurrentPerUser = 10
	// DefaultEventTopic receives job events.
	DefaultEventTopic = "scrape-jobs"

	internalFailureReason = "internal error during execution"
	persistTimeout        = 5 * time.Second
)

// Engine performs the fetch and extraction for one job.
type Engine interface {
	Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.Payload, error)
}

// Config tunes admission and execution.
type Config struct {
	MaxConcurrentPerUser int
	CacheTTL             time.Duration
	EventTopic           string
}

// Deps are the orchestrator's collaborators. Publisher is optional.
type Deps struct {
	Store     scrape.JobStore
	Cache     scrape.ResultCache
	Engine    Engine
	Queue     scrape.Queue
	Publisher scrape.Publisher
	Clock     scrape.Clock
	IDs       scrape.IDGenerator
}

// SubmitRequest is a user's fetch request before validation.
type SubmitRequest struct {
	URL      string
	Rules    scrape.Rules
	Strategy scrape.Strategy
}

// Orchestrator admits and executes jobs.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	locks  *keyedMutex
	logger *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Store == nil || deps.Cache == nil || deps.Engine == nil || deps.Queue == nil ||
		deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("orchestrator requires store, cache, engine, queue, clock and id generator")
	}
	if cfg.MaxConcurrentPerUser <= 0 {
		cfg.MaxConcurrentPerUser = DefaultMaxConcurrentPerUser
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logger,
	}, nil
}

// Submit validates and admits a request. A cache hit yields a completed job
// without retrieval; otherwise the job is created pending and queued. If the
// queue refuses the job it is returned failed.
func (o *Orchestrator) Submit(ctx context.Context, userID string, req SubmitRequest) (scrape.Job, error) {
	resourceID, err := validate(userID, req)
	if err != nil {
		metrics.ObserveAdmission("invalid")
		return scrape.Job{}, err
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = scrape.StrategyDirect
	}

	unlock := o.locks.Lock(userID)
	job, err := o.admit(ctx, userID, resourceID, req.Rules.Clone(), strategy)
	unlock()
	if err != nil {
		if errors.Is(err, scrape.ErrCapacityExceeded) {
			metrics.ObserveAdmission("capacity_exceeded")
		}
		return scrape.Job{}, err
	}

	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("user_id", userID), zap.String("url", resourceID))
	if job.Status() == scrape.StatusCompleted {
		metrics.ObserveAdmission("cached")
		logger.Info("job served from cache")
		o.finish(ctx, job)
		return job, nil
	}

	item := scrape.QueueItem{
		JobID:     job.ID,
		UserID:    userID,
		Attempt:   1,
		Submitted: job.CreatedAt.UnixNano(),
	}
	if err := o.deps.Queue.Enqueue(ctx, item); err != nil {
		metrics.ObserveAdmission("dispatch_failed")
		logger.Warn("failed to enqueue job", zap.Error(err))
		if terr := job.Transition(scrape.Failed{
			Kind:       scrape.FailureDispatch,
			Reason:     fmt.Sprintf("dispatch failed: %v", err),
			FinishedAt: o.deps.Clock.Now(),
		}); terr != nil {
			return scrape.Job{}, fmt.Errorf("fail undispatched job: %w", terr)
		}
		o.persist(ctx, job, logger)
		o.finish(ctx, job)
		return job, nil
	}
	metrics.ObserveAdmission("accepted")
	logger.Info("job accepted")
	return job, nil
}

// admit runs inside the user's critical section.
func (o *Orchestrator) admit(ctx context.Context, userID, resourceID string, rules scrape.Rules, strategy scrape.Strategy) (scrape.Job, error) {
	counts, err := o.deps.Store.CountByStatus(ctx, userID, nil)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("count active jobs: %w", err)
	}
	if active := counts[scrape.StatusPending] + counts[scrape.StatusRunning]; active >= o.cfg.MaxConcurrentPerUser {
		return scrape.Job{}, fmt.Errorf("%w: %d of %d jobs active", scrape.ErrCapacityExceeded, active, o.cfg.MaxConcurrentPerUser)
	}

	id, err := o.deps.IDs.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := o.deps.Clock.Now()
	job := scrape.Job{
		ID:        id,
		UserID:    userID,
		URL:       resourceID,
		Rules:     rules,
		Strategy:  strategy,
		State:     scrape.Pending{},
		CreatedAt: now,
	}
	if payload, ok := o.lookup(ctx, resourceID); ok {
		if err := job.Transition(scrape.Completed{Result: payload, FinishedAt: now, FromCache: true}); err != nil {
			return scrape.Job{}, fmt.Errorf("complete cached job: %w", err)
		}
	}
	if err := o.deps.Store.CreateJob(ctx, job); err != nil {
		return scrape.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Execute runs one queued job to a terminal state. Engine failures and
// panics are recorded on the job; the returned error only reports
// infrastructure problems loading the job.
func (o *Orchestrator) Execute(ctx context.Context, item scrape.QueueItem) error {
	logger := o.logger.With(zap.String("job_id", item.JobID), zap.String("user_id", item.UserID))

	job, err := o.deps.Store.GetJob(ctx, item.JobID)
	if errors.Is(err, scrape.ErrNotFound) {
		logger.Info("job deleted before execution; skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", item.JobID, err)
	}
	if job.Status() != scrape.StatusPending {
		logger.Info("job already picked up; skipping", zap.String("status", string(job.Status())))
		return nil
	}
	logger = logger.With(zap.String("url", job.URL))

	if err := job.Transition(scrape.Running{StartedAt: o.deps.Clock.Now()}); err != nil {
		return fmt.Errorf("start job %s: %w", job.ID, err)
	}
	if err := o.deps.Store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			logger.Info("job deleted before execution; skipping")
			return nil
		}
		if terr := job.Transition(scrape.Failed{
			Kind:       scrape.FailureInternal,
			Reason:     internalFailureReason,
			FinishedAt: o.deps.Clock.Now(),
		}); terr == nil {
			o.persist(ctx, job, logger)
			o.finish(ctx, job)
		}
		return fmt.Errorf("mark job %s running: %w", job.ID, err)
	}

	if err := job.Transition(o.run(ctx, job, logger)); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	o.persist(ctx, job, logger)
	o.finish(ctx, job)
	return nil
}

// run produces the job's terminal state. It never panics.
func (o *Orchestrator) run(ctx context.Context, job scrape.Job, logger *zap.Logger) (state scrape.State) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job execution panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			state = scrape.Failed{
				Kind:       scrape.FailureInternal,
				Reason:     internalFailureReason,
				FinishedAt: o.deps.Clock.Now(),
			}
		}
	}()

	if payload, ok := o.lookup(ctx, job.URL); ok {
		return scrape.Completed{Result: payload, FinishedAt: o.deps.Clock.Now(), FromCache: true}
	}

	payload, err := o.deps.Engine.Fetch(ctx, scrape.FetchRequest{
		URL:      job.URL,
		Rules:    job.Rules,
		Strategy: job.Strategy,
	})
	if err != nil {
		var fetchErr *scrape.FetchError
		if !errors.As(err, &fetchErr) {
			fetchErr = scrape.NewRetrievalError(job.URL, err)
		}
		logger.Info("job failed", zap.String("kind", string(fetchErr.Kind)), zap.Error(err))
		return scrape.Failed{
			Kind:       fetchErr.Kind,
			Reason:     fetchErr.Error(),
			FinishedAt: o.deps.Clock.Now(),
		}
	}

	if err := o.deps.Cache.Put(detach(ctx), job.URL, payload, o.cfg.CacheTTL); err != nil {
		logger.Warn("failed to cache result", zap.Error(err))
	}
	return scrape.Completed{Result: payload, FinishedAt: o.deps.Clock.Now()}
}

func (o *Orchestrator) lookup(ctx context.Context, resourceID string) (scrape.Payload, bool) {
	payload, ok, err := o.deps.Cache.Get(ctx, resourceID)
	switch {
	case err != nil:
		metrics.ObserveCacheLookup("error")
		o.logger.Warn("cache lookup failed; treating as miss", zap.String("url", resourceID), zap.Error(err))
		return scrape.Payload{}, false
	case ok:
		metrics.ObserveCacheLookup("hit")
		return payload, true
	default:
		metrics.ObserveCacheLookup("miss")
		return scrape.Payload{}, false
	}
}

// persist writes a terminal job even when ctx was canceled by shutdown.
func (o *Orchestrator) persist(ctx context.Context, job scrape.Job, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(detach(ctx), persistTimeout)
	defer cancel()
	err := o.deps.Store.UpdateJob(ctx, job)
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		logger.Info("job deleted during execution; discarding result")
	case err != nil:
		logger.Error("failed to persist job", zap.Error(err))
	default:
		logger.Info("job finished", zap.String("status", string(job.Status())))
	}
}

// finish emits metrics and the job event for a terminal job.
func (o *Orchestrator) finish(ctx context.Context, job scrape.Job) {
	metrics.ObserveJob(string(job.Status()))
	if o.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(detach(ctx), persistTimeout)
	defer cancel()
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.EventTopic, scrape.NewJobEvent(job)); err != nil {
		o.logger.Warn("failed to publish job event", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

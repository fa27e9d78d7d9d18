// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/api"
	"github.com/JakeFAU/scrape-service/internal/cache"
	"github.com/JakeFAU/scrape-service/internal/clock/system"
	"github.com/JakeFAU/scrape-service/internal/config"
	"github.com/JakeFAU/scrape-service/internal/dispatcher"
	headlessfetcher "github.com/JakeFAU/scrape-service/internal/fetcher/headless"
	"github.com/JakeFAU/scrape-service/internal/id/uuid"
	"github.com/JakeFAU/scrape-service/internal/orchestrator"
	"github.com/JakeFAU/scrape-service/internal/politeness"
	gcppublisher "github.com/JakeFAU/scrape-service/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/scrape-service/internal/queue/memory"
	"github.com/JakeFAU/scrape-service/internal/ratelimit"
	"github.com/JakeFAU/scrape-service/internal/scrape"
	pgstore "github.com/JakeFAU/scrape-service/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/scrape-service/internal/storage/sqlite"
)

const (
	shutdownTimeout      = 10 * time.Second
	abandonTimeout       = 5 * time.Second
	politenessSweepEvery = time.Minute
	readinessProbeID     = "readiness-probe"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  scrape.Clock

	apiServer    *api.Server
	orchestrator *orchestrator.Orchestrator
	dispatch     *dispatcher.Dispatcher
	queue        *queueMemory.Queue
	jobStore     scrape.JobStore

	memoryCache   *cache.Memory
	memoryLimiter *ratelimit.MemoryBackend
	politeness    *politeness.Limiter

	redisClient  *redis.Client
	pgStore      *pgstore.Store
	sqliteStore  *sqlitestore.Store
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	pubsubPub    *gcppublisher.Publisher
	browser      *headlessfetcher.Fetcher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	cacheStore, err := app.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupRedis(ctx); err != nil {
		return nil, err
	}
	resultCache, err := app.setupCache(cacheStore)
	if err != nil {
		return nil, err
	}
	limiter, err := app.setupLimiter()
	if err != nil {
		return nil, err
	}
	archiver, err := app.setupArchiver(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := app.setupEngine(archiver)
	if err != nil {
		return nil, err
	}

	app.queue = queueMemory.NewQueue(cfg.Jobs.QueueDepth)
	app.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Store:     app.jobStore,
		Cache:     resultCache,
		Engine:    eng,
		Queue:     app.queue,
		Publisher: publisher,
		Clock:     app.clock,
		IDs:       uuid.New(),
	}, orchestrator.Config{
		MaxConcurrentPerUser: cfg.Jobs.MaxConcurrentPerUser,
		CacheTTL:             cfg.Cache.TTL,
		EventTopic:           cfg.Events.Topic,
	}, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	if cfg.Jobs.RecoverOnStart {
		if _, err := app.orchestrator.FailUnfinished(ctx); err != nil {
			return nil, fmt.Errorf("recover unfinished jobs: %w", err)
		}
	}
	app.dispatch = dispatcher.New(app.queue, app.orchestrator, cfg.Jobs.Workers, logger.Named("worker"))

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(app.orchestrator, limiter, app.clock, api.Options{
		IdentityHeader:    cfg.Identity.Header,
		APIKey:            apiKey,
		TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders,
		Ready:             app.ready,
	}, logger.Named("api"))

	ok = true
	return app, nil
}

// Orchestrator exposes the job orchestrator for maintenance commands.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wait := a.startBackground(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wait()
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// startBackground launches the worker pool and janitors. The returned
// function blocks until all of them have stopped.
func (a *App) startBackground(ctx context.Context) func() {
	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Debug("background task started", zap.String("task", name))
			fn()
		}()
	}

	spawn("dispatcher", func() { a.dispatch.Run(ctx) })
	spawn("politeness-janitor", func() { a.politeness.RunJanitor(ctx, politenessSweepEvery) })
	if a.memoryCache != nil {
		spawn("cache-janitor", func() { a.memoryCache.RunJanitor(ctx, a.cfg.Cache.SweepInterval) })
	}
	if a.memoryLimiter != nil {
		spawn("ratelimit-janitor", func() {
			a.memoryLimiter.RunJanitor(ctx, a.clock, a.cfg.RateLimit.SweepInterval, a.cfg.RateLimit.Window)
		})
	}
	a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
	return wg.Wait
}

// Close stops the queue, fails jobs still waiting in it and releases
// infrastructure clients. Workers must have stopped.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
		a.abandonQueued()
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) abandonQueued() {
	items := a.queue.Drain()
	if len(items) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()
	for _, item := range items {
		if err := a.orchestrator.Abandon(ctx, item); err != nil {
			a.logger.Error("failed to abandon queued job", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
	a.logger.Warn("failed queued jobs at shutdown", zap.Int("count", len(items)))
}

func (a *App) closeInfrastructure() {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.sqliteStore != nil {
		if err := a.sqliteStore.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
}

// ready probes the job store and, when configured, Redis.
func (a *App) ready(ctx context.Context) error {
	if _, err := a.jobStore.GetJob(ctx, readinessProbeID); err != nil && !errors.Is(err, scrape.ErrNotFound) {
		return fmt.Errorf("job store: %w", err)
	}
	if a.redisClient != nil {
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

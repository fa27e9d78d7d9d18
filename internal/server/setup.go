package server

import (
	"context"
	"fmt"
	"net/http"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/cache"
	"github.com/JakeFAU/scrape-service/internal/cache/rediscache"
	"github.com/JakeFAU/scrape-service/internal/engine"
	"github.com/JakeFAU/scrape-service/internal/extract"
	collyfetcher "github.com/JakeFAU/scrape-service/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/scrape-service/internal/fetcher/headless"
	"github.com/JakeFAU/scrape-service/internal/hash/sha256"
	"github.com/JakeFAU/scrape-service/internal/headless/detector"
	"github.com/JakeFAU/scrape-service/internal/politeness"
	memorypublisher "github.com/JakeFAU/scrape-service/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-service/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-service/internal/ratelimit"
	"github.com/JakeFAU/scrape-service/internal/ratelimit/redisbackend"
	"github.com/JakeFAU/scrape-service/internal/robots"
	"github.com/JakeFAU/scrape-service/internal/scrape"
	gcsstorage "github.com/JakeFAU/scrape-service/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-service/internal/storage/local"
	memoryStorage "github.com/JakeFAU/scrape-service/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-service/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/scrape-service/internal/storage/sqlite"
)

// setupStore opens the job store and returns the matching durable cache store.
func (a *App) setupStore(ctx context.Context) (scrape.CacheStore, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.Store.DSN,
			MaxConns: a.cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
		a.jobStore = store
		a.logger.Info("using postgres job store")
		return store, nil
	case "sqlite":
		store, err := sqlitestore.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.sqliteStore = store
		a.jobStore = store
		a.logger.Info("using sqlite job store", zap.String("path", a.cfg.Store.DSN))
		return store, nil
	default:
		a.jobStore = memoryStorage.NewJobStore()
		a.logger.Info("using in-memory job store")
		return memoryStorage.NewCacheStore(), nil
	}
}

func (a *App) setupRedis(ctx context.Context) error {
	if a.cfg.Cache.Backend != "redis" && a.cfg.RateLimit.Backend != "redis" {
		return nil
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	a.logger.Info("redis client initialized", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupCache(store scrape.CacheStore) (scrape.ResultCache, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		c, err := rediscache.New(a.redisClient, "", a.cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.logger.Info("using redis result cache")
		return c, nil
	case "store":
		a.logger.Info("using store-backed result cache", zap.String("store_driver", a.cfg.Store.Driver))
		return cache.NewPersistent(store, a.clock, a.cfg.Cache.TTL, a.logger.Named("cache")), nil
	default:
		a.memoryCache = cache.NewMemory(a.clock, a.cfg.Cache.TTL)
		a.logger.Info("using in-memory result cache", zap.Duration("ttl", a.cfg.Cache.TTL))
		return a.memoryCache, nil
	}
}

func (a *App) setupLimiter() (*ratelimit.Limiter, error) {
	var backend ratelimit.Backend
	switch a.cfg.RateLimit.Backend {
	case "redis":
		b, err := redisbackend.New(a.redisClient)
		if err != nil {
			return nil, fmt.Errorf("redis rate limiter init failed: %w", err)
		}
		backend = b
	default:
		a.memoryLimiter = ratelimit.NewMemoryBackend()
		backend = a.memoryLimiter
	}
	a.logger.Info("rate limiter enabled",
		zap.String("backend", a.cfg.RateLimit.Backend),
		zap.Int("requests", a.cfg.RateLimit.Requests),
		zap.Duration("window", a.cfg.RateLimit.Window),
	)
	return ratelimit.New(backend, ratelimit.Config{
		Limit:  a.cfg.RateLimit.Requests,
		Window: a.cfg.RateLimit.Window,
	}, a.clock, a.logger.Named("ratelimit")), nil
}

func (a *App) setupArchiver(ctx context.Context) (*engine.Archiver, error) {
	var blobStore scrape.BlobStore
	switch a.cfg.Blob.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobStore, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Blob.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Blob.GCSBucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobStore = store
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Blob.BaseDir))
	case "memory":
		blobStore = memoryStorage.NewBlobStore()
		a.logger.Info("using in-memory snapshot storage")
	default:
		a.logger.Info("snapshot archiving disabled")
		return nil, nil
	}
	archiver, err := engine.NewArchiver(blobStore, sha256.New(), a.cfg.Blob.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	return archiver, nil
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	switch a.cfg.Events.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPub = gcppublisher.New(client)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("topic", a.cfg.Events.Topic),
		)
		return a.pubsubPub, nil
	case "memory":
		a.logger.Info("using in-memory event publisher")
		return memorypublisher.New(a.logger.Named("events")), nil
	default:
		a.logger.Info("job events disabled")
		return nil, nil
	}
}

func (a *App) setupEngine(archiver *engine.Archiver) (*engine.Engine, error) {
	var checker scrape.RobotsChecker = robots.AllowAll{}
	if a.cfg.Robots.Enabled {
		checker = robots.New(robots.Config{
			Agent:     a.cfg.Robots.Agent,
			UserAgent: a.cfg.Fetch.UserAgent,
			Timeout:   a.cfg.Robots.Timeout,
			CacheTTL:  a.cfg.Robots.CacheTTL,
		}, &http.Client{Timeout: a.cfg.Robots.Timeout}, a.logger.Named("robots"))
	} else {
		a.logger.Warn("robots.txt evaluation disabled")
	}

	a.politeness = politeness.New(politeness.Config{
		HostRPS:   a.cfg.Fetch.HostRPS,
		HostBurst: a.cfg.Fetch.HostBurst,
	})

	deps := engine.Deps{
		Robots:     checker,
		Politeness: a.politeness,
		Direct: collyfetcher.New(collyfetcher.Config{
			UserAgent: a.cfg.Fetch.UserAgent,
			Timeout:   a.cfg.Fetch.Timeout,
		}),
		Detector:  detector.NewHeuristic(a.cfg.Headless.PromotionThreshold),
		Extractor: extract.New(a.logger.Named("extract")),
		Archiver:  archiver,
		Clock:     a.clock,
	}
	a.logger.Info("using colly direct fetcher", zap.String("user_agent", a.cfg.Fetch.UserAgent))

	if a.cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			MinDelay:          a.cfg.Headless.MinDelay,
			MaxDelay:          a.cfg.Headless.MaxDelay,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed; browser strategy unavailable", zap.Error(err))
		} else {
			a.browser = browser
			deps.Browser = browser
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	eng, err := engine.New(deps, a.cfg.Fetch.Timeout, a.logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	return eng, nil
}

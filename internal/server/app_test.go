package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/config"
	"github.com/JakeFAU/scrape-service/internal/scrape"
	"github.com/JakeFAU/scrape-service/internal/storage/sqlite"
)

func TestBuildServesJobsEndToEnd(t *testing.T) {
	t.Parallel()

	origin := newOrigin(t)
	app := buildApp(t, func(cfg *config.Config) {})

	id := submit(t, app, origin.URL+"/page")
	job := awaitTerminal(t, app, id)
	require.Equal(t, "completed", job["status"])
	result, ok := job["result_data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, []any{"Hello"}, result["title"])
}

func TestBuildHonorsRobots(t *testing.T) {
	t.Parallel()

	origin := newOrigin(t)
	app := buildApp(t, func(cfg *config.Config) {})

	id := submit(t, app, origin.URL+"/private/page")
	job := awaitTerminal(t, app, id)
	require.Equal(t, "failed", job["status"])
	require.Equal(t, "policy_denied", job["failure_kind"])
}

func TestBuildWithSQLiteAndArchiving(t *testing.T) {
	t.Parallel()

	origin := newOrigin(t)
	app := buildApp(t, func(cfg *config.Config) {
		cfg.Store.Driver = "sqlite"
		cfg.Store.DSN = filepath.Join(t.TempDir(), "jobs.db")
		cfg.Cache.Backend = "store"
		cfg.Blob.Backend = "local"
		cfg.Blob.BaseDir = t.TempDir()
		cfg.Events.Backend = "memory"
	})

	first := awaitTerminal(t, app, submit(t, app, origin.URL+"/page"))
	require.Equal(t, "completed", first["status"])
	result := first["result_data"].(map[string]any)
	meta := result["_metadata"].(map[string]any)
	require.NotEmpty(t, meta["snapshot_uri"])

	second := awaitTerminal(t, app, submit(t, app, origin.URL+"/page"))
	require.Equal(t, true, second["from_cache"])

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildFailsWhenRedisUnreachable(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "redis ping failed")
}

func TestRestartFailsJobsLeftByPreviousProcess(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "jobs.db")
	require.NoError(t, cfg.Validate())

	first, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	ids := make([]string, 0, cfg.Jobs.MaxConcurrentPerUser)
	for i := 0; i < cfg.Jobs.MaxConcurrentPerUser; i++ {
		ids = append(ids, submit(t, first, fmt.Sprintf("https://example.test/page-%d", i)))
	}
	require.Equal(t, http.StatusTooManyRequests, postScrape(t, first, "https://example.test/extra").Code)

	// The process dies without draining its queue.
	first.closeInfrastructure()

	second, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(second.Close)

	for _, id := range ids {
		job := getJob(t, second, id)
		require.Equal(t, "failed", job["status"])
		require.Equal(t, "retrieval_failed", job["failure_kind"])
		require.Contains(t, job["error_message"], "canceled")
	}
	require.Equal(t, http.StatusAccepted, postScrape(t, second, "https://example.test/extra").Code)
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.db")
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = path
	require.NoError(t, cfg.Validate())

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	ids := []string{
		submit(t, app, "https://example.test/a"),
		submit(t, app, "https://example.test/b"),
	}
	app.Close()

	store, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	unfinished, err := store.ListUnfinished(context.Background())
	require.NoError(t, err)
	require.Empty(t, unfinished)
	for _, id := range ids {
		job, err := store.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, scrape.StatusFailed, job.Status())
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetch.HostRPS = 100
	cfg.Fetch.HostBurst = 10
	cfg.Fetch.Timeout = 5 * time.Second
	cfg.Robots.Timeout = time.Second
	cfg.Jobs.Workers = 2
	return cfg
}

func buildApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg := testConfig(t)
	mutate(&cfg)
	require.NoError(t, cfg.Validate())

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	wait := app.startBackground(ctx)
	t.Cleanup(func() {
		cancel()
		wait()
		app.Close()
	})
	return app
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><head><title>t</title></head><body><h1> Hello </h1></body></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postScrape(t *testing.T, app *App, url string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"url":       url,
		"selectors": map[string]string{"title": "h1"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, app *App, url string) string {
	t.Helper()
	rec := postScrape(t, app, url)
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code, rec.Body.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	id, ok := out["id"].(string)
	require.True(t, ok)
	return id
}

func getJob(t *testing.T, app *App, id string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/scrape/"+id, nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var job map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func awaitTerminal(t *testing.T, app *App, id string) map[string]any {
	t.Helper()
	var job map[string]any
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/v1/scrape/"+id, nil)
		req.Header.Set("X-User-ID", "alice")
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		job = nil
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			return false
		}
		return job["status"] == "completed" || job["status"] == "failed"
	}, 10*time.Second, 20*time.Millisecond)
	return job
}

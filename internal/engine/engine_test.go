package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/extract"
	"github.com/JakeFAU/scrape-service/internal/hash/sha256"
	"github.com/JakeFAU/scrape-service/internal/scrape"
	"github.com/JakeFAU/scrape-service/internal/storage/memory"
)

const helloPage = `<html><body><h1>Hello</h1><p class="n">1</p><p class="n">2</p></body></html>`

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, deps Deps, timeout time.Duration) *Engine {
	t.Helper()
	if deps.Robots == nil {
		deps.Robots = &fakeRobots{allow: true}
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(zap.NewNop())
	}
	if deps.Clock == nil {
		deps.Clock = fakeClock{now: fixedNow}
	}
	e, err := New(deps, timeout, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestNewRequiresCoreDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, 0, nil)
	require.Error(t, err)
}

func TestFetchDirectExtractsFields(t *testing.T) {
	t.Parallel()

	direct := &fakeFetcher{resp: okResponse(helloPage)}
	e := newTestEngine(t, Deps{Direct: direct}, 0)

	payload, err := e.Fetch(context.Background(), scrape.FetchRequest{
		URL:   "https://example.test/a",
		Rules: scrape.Rules{"title": "h1", "numbers": "p.n"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hello"}, payload.Fields["title"])
	require.Equal(t, []string{"1", "2"}, payload.Fields["numbers"])
	require.Equal(t, "https://example.test/a", payload.Metadata.URL)
	require.Equal(t, fixedNow, payload.Metadata.RetrievedAt)
	require.Equal(t, []string{"numbers", "title"}, payload.Metadata.Fields)
	require.Equal(t, scrape.StrategyDirect, payload.Metadata.Strategy)
	require.Empty(t, payload.Metadata.SnapshotURI)
	require.Equal(t, 1, direct.Calls())
}

func TestFetchRobotsDenied(t *testing.T) {
	t.Parallel()

	direct := &fakeFetcher{resp: okResponse(helloPage)}
	e := newTestEngine(t, Deps{Direct: direct, Robots: &fakeRobots{allow: false}}, 0)

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://example.test/private", Rules: scrape.Rules{"t": "h1"}})
	var fetchErr *scrape.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, scrape.FailurePolicyDenied, fetchErr.Kind)
	require.Equal(t, "policy denied: robots.txt disallows https://example.test/private", err.Error())
	require.Zero(t, direct.Calls())
}

func TestFetchTimeoutIsRetrievalFailure(t *testing.T) {
	t.Parallel()

	direct := &fakeFetcher{block: true}
	e := newTestEngine(t, Deps{Direct: direct}, 20*time.Millisecond)

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://slow.test/", Rules: scrape.Rules{"t": "h1"}})
	var fetchErr *scrape.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, scrape.FailureRetrievalFailed, fetchErr.Kind)
	require.Equal(t, scrape.ClassTimeout, fetchErr.Class)
	require.Contains(t, err.Error(), "retrieval failed (timeout)")
}

func TestFetchStatusErrorThrottlesHost(t *testing.T) {
	t.Parallel()

	direct := &fakeFetcher{err: &scrape.StatusError{StatusCode: http.StatusTooManyRequests}}
	polite := &fakePoliteness{}
	e := newTestEngine(t, Deps{Direct: direct, Politeness: polite}, 0)

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://busy.test/", Rules: scrape.Rules{"t": "h1"}})
	var fetchErr *scrape.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, scrape.ClassStatus, fetchErr.Class)
	require.Equal(t, 1, polite.waits)
	require.Equal(t, []int{http.StatusTooManyRequests}, polite.statuses)
}

func TestFetchBrowserDisabled(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{Direct: &fakeFetcher{resp: okResponse(helloPage)}}, 0)

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{
		URL:      "https://example.test/",
		Rules:    scrape.Rules{"t": "h1"},
		Strategy: scrape.StrategyBrowser,
	})
	var fetchErr *scrape.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, scrape.ClassRenderer, fetchErr.Class)
	require.Equal(t, "https://example.test/", fetchErr.URL)
}

func TestFetchAutoPromotesToBrowser(t *testing.T) {
	t.Parallel()

	direct := &fakeFetcher{resp: okResponse(`<div id="root"></div>`)}
	browser := &fakeFetcher{resp: okResponse(helloPage)}
	e := newTestEngine(t, Deps{Direct: direct, Browser: browser, Detector: fakeDetector{promote: true}}, 0)

	payload, err := e.Fetch(context.Background(), scrape.FetchRequest{
		URL:      "https://spa.test/",
		Rules:    scrape.Rules{"title": "h1"},
		Strategy: scrape.StrategyAuto,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hello"}, payload.Fields["title"])
	require.Equal(t, scrape.StrategyBrowser, payload.Metadata.Strategy)
	require.Equal(t, 1, direct.Calls())
	require.Equal(t, 1, browser.Calls())
}

func TestFetchAutoFallsBackToDirectBody(t *testing.T) {
	t.Parallel()

	direct := &fakeFetcher{resp: okResponse(helloPage)}
	browser := &fakeFetcher{err: errors.New("chrome crashed")}
	e := newTestEngine(t, Deps{Direct: direct, Browser: browser, Detector: fakeDetector{promote: true}}, 0)

	payload, err := e.Fetch(context.Background(), scrape.FetchRequest{
		URL:      "https://spa.test/",
		Rules:    scrape.Rules{"title": "h1"},
		Strategy: scrape.StrategyAuto,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hello"}, payload.Fields["title"])
	require.Equal(t, scrape.StrategyDirect, payload.Metadata.Strategy)
}

func TestFetchAutoWithoutPromotionSkipsBrowser(t *testing.T) {
	t.Parallel()

	browser := &fakeFetcher{resp: okResponse(helloPage)}
	e := newTestEngine(t, Deps{
		Direct:   &fakeFetcher{resp: okResponse(helloPage)},
		Browser:  browser,
		Detector: fakeDetector{promote: false},
	}, 0)

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://x.test/", Rules: scrape.Rules{"t": "h1"}, Strategy: scrape.StrategyAuto})
	require.NoError(t, err)
	require.Zero(t, browser.Calls())
}

func TestFetchArchivesSnapshot(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	archiver, err := NewArchiver(blobs, sha256.New(), "")
	require.NoError(t, err)
	e := newTestEngine(t, Deps{Direct: &fakeFetcher{resp: okResponse(helloPage)}, Archiver: archiver}, 0)

	payload, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://Example.test/a", Rules: scrape.Rules{"t": "h1"}})
	require.NoError(t, err)

	digest, err := sha256.New().Hash([]byte(helloPage))
	require.NoError(t, err)
	key := "snapshots/example.test/" + digest + ".html"
	require.Equal(t, "memory://"+key, payload.Metadata.SnapshotURI)
	stored, ok := blobs.Object(key)
	require.True(t, ok)
	require.Equal(t, helloPage, string(stored))
}

func TestFetchArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	archiver, err := NewArchiver(failingBlobStore{}, sha256.New(), "snaps")
	require.NoError(t, err)
	e := newTestEngine(t, Deps{Direct: &fakeFetcher{resp: okResponse(helloPage)}, Archiver: archiver}, 0)

	payload, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://example.test/", Rules: scrape.Rules{"t": "h1"}})
	require.NoError(t, err)
	require.Empty(t, payload.Metadata.SnapshotURI)
	require.Equal(t, []string{"Hello"}, payload.Fields["t"])
}

func TestFetchMalformedSelectorYieldsEmptyField(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{Direct: &fakeFetcher{resp: okResponse(helloPage)}}, 0)

	payload, err := e.Fetch(context.Background(), scrape.FetchRequest{
		URL:   "https://example.test/",
		Rules: scrape.Rules{"title": "h1", "bad": "p[[["},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hello"}, payload.Fields["title"])
	require.Equal(t, []string{}, payload.Fields["bad"])
}

func TestSnapshotHostSanitizes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.test", snapshotHost("https://EXAMPLE.test:8443/x"))
	require.Equal(t, "unknown", snapshotHost("::bad"))
}

func okResponse(body string) scrape.FetchResponse {
	return scrape.FetchResponse{StatusCode: http.StatusOK, Body: []byte(body)}
}

type fakeRobots struct {
	allow bool
}

func (f *fakeRobots) Allowed(context.Context, string) (bool, error) {
	return f.allow, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	resp  scrape.FetchResponse
	err   error
	block bool
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return scrape.FetchResponse{}, ctx.Err()
	}
	return f.resp, f.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDetector struct {
	promote bool
}

func (f fakeDetector) ShouldPromote(scrape.FetchResponse) bool {
	return f.promote
}

type fakePoliteness struct {
	waits    int
	statuses []int
}

func (f *fakePoliteness) Wait(context.Context, string) error {
	f.waits++
	return nil
}

func (f *fakePoliteness) ReportStatus(_ string, status int) {
	f.statuses = append(f.statuses, status)
}

type fakeClock struct {
	now time.Time
}

func (f fakeClock) Now() time.Time {
	return f.now
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

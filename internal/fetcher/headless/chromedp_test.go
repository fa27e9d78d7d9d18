package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)
	_, err = NewChromedp(Config{MinDelay: -time.Second})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.NotNil(t, fetcher.slots)
	require.Equal(t, defaultNavTimeout, fetcher.cfg.NavigationTimeout)
	require.Equal(t, defaultMinDelay, fetcher.cfg.MinDelay)
	require.Equal(t, defaultMaxDelay, fetcher.cfg.MaxDelay)
}

func TestSettleDelayStaysInRange(t *testing.T) {
	t.Parallel()

	f := &Fetcher{cfg: Config{MinDelay: time.Second, MaxDelay: 3 * time.Second}}
	for range 200 {
		d := f.settleDelay()
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 3*time.Second)
	}

	f.cfg = Config{MinDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, f.settleDelay())
}

func TestSlotsBoundConcurrency(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer fetcher.Close()

	require.NoError(t, fetcher.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, fetcher.acquire(ctx), context.DeadlineExceeded)

	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
	fetcher.release()
}

func TestClassifyTagsRendererFailures(t *testing.T) {
	t.Parallel()

	err := classify(context.Background(), "https://example.test/", errors.New("chrome crashed"))
	var fetchErr *scrape.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, scrape.ClassRenderer, fetchErr.Class)

	err = classify(context.Background(), "https://example.test/", context.DeadlineExceeded)
	require.Equal(t, scrape.ClassTimeout, scrape.ClassifyRetrieval(err))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err = classify(canceled, "https://example.test/", errors.New("target closed"))
	require.Equal(t, scrape.ClassCanceled, scrape.ClassifyRetrieval(err))
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-None": {}})
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "1", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-None")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://example.com/frame"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestNoopFetcherIsRendererError(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), scrape.FetchRequest{URL: "https://example.test/"})
	require.ErrorIs(t, err, ErrDisabled)
	require.Equal(t, scrape.ClassRenderer, scrape.ClassifyRetrieval(err))
}

package politeness

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWaitSpacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 10, HostBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.test/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.test/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitIndependentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 1, HostBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.test/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.test/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 2, l.Len())
}

func TestWaitRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 0.01, HostBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.test/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.test/"))
}

func TestZeroRateDisablesSpacing(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 50 {
		require.NoError(t, l.Wait(context.Background(), "https://example.test/"))
	}
}

func TestReportStatusThrottlesHost(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 4, HostBurst: 1})
	l.ReportStatus("https://busy.test/x", http.StatusOK)
	require.Equal(t, rate.Limit(4), l.limiter("busy.test").Limit())

	l.ReportStatus("https://busy.test/x", http.StatusTooManyRequests)
	require.Equal(t, rate.Limit(2), l.limiter("busy.test").Limit())

	for range 10 {
		l.ReportStatus("https://busy.test/x", http.StatusServiceUnavailable)
	}
	require.Equal(t, minRate, l.limiter("busy.test").Limit())
}

func TestSweepForgetsIdleHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 10, HostBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://a.test/"))
	require.Equal(t, 0, l.Sweep(time.Now()))
	require.Equal(t, 1, l.Sweep(time.Now().Add(time.Second)))
	require.Zero(t, l.Len())
}

func TestRunJanitorSweepsUntilCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 100, HostBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://a.test/"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.RunJanitor(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

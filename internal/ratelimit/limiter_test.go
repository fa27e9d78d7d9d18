package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLimiterAdmitsUpToLimitPerWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	limiter := New(NewMemoryBackend(), Config{Limit: 3, Window: time.Minute}, clock, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Admit(ctx, "client"), "request %d", i)
		clock.Advance(time.Second)
	}
	require.False(t, limiter.Admit(ctx, "client"))
	require.True(t, limiter.Admit(ctx, "other"))

	// The first admission was at t=1000; it leaves the window once now-60s
	// reaches it.
	clock.Set(time.Unix(1060, 0))
	require.True(t, limiter.Admit(ctx, "client"))
	require.False(t, limiter.Admit(ctx, "client"))
}

func TestLimiterRemainingDecreasesWithoutRecording(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	limiter := New(NewMemoryBackend(), Config{Limit: 5, Window: time.Minute}, clock, zap.NewNop())
	ctx := context.Background()

	require.Equal(t, 5, limiter.Remaining(ctx, "k"))
	require.Equal(t, 5, limiter.Remaining(ctx, "k"))
	require.True(t, limiter.Admit(ctx, "k"))
	require.Equal(t, 4, limiter.Remaining(ctx, "k"))
	require.True(t, limiter.Admit(ctx, "k"))
	require.Equal(t, 3, limiter.Remaining(ctx, "k"))

	clock.Advance(2 * time.Minute)
	require.Equal(t, 5, limiter.Remaining(ctx, "k"))
}

func TestLimiterRejectedRequestsAreNotRecorded(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	limiter := New(NewMemoryBackend(), Config{Limit: 1, Window: 10 * time.Second}, clock, zap.NewNop())
	ctx := context.Background()

	require.True(t, limiter.Admit(ctx, "k"))
	clock.Advance(5 * time.Second)
	require.False(t, limiter.Admit(ctx, "k"))
	clock.Advance(5 * time.Second)
	// Only the admitted stamp counted; it has now aged out.
	require.True(t, limiter.Admit(ctx, "k"))
}

func TestLimiterConcurrentAdmissionOfLastSlot(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	limiter := New(NewMemoryBackend(), Config{Limit: 10, Window: time.Minute}, clock, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.True(t, limiter.Admit(ctx, "k"))
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Admit(ctx, "k") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), admitted.Load())
	require.Equal(t, 0, limiter.Remaining(ctx, "k"))
}

func TestLimiterFailsOpenWhenBackendUnavailable(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	limiter := New(failingBackend{}, Config{Limit: 2, Window: time.Minute}, &fakeClock{}, zap.New(core))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, limiter.Admit(ctx, "k"))
	}
	require.Equal(t, 2, limiter.Remaining(ctx, "k"))
	require.Equal(t, 6, logs.FilterMessage("rate limiter degraded; failing open").Len())
}

func TestLimiterDefaults(t *testing.T) {
	t.Parallel()

	limiter := New(NewMemoryBackend(), Config{}, &fakeClock{}, nil)
	require.Equal(t, DefaultLimit, limiter.Limit())
	require.Equal(t, DefaultWindow, limiter.Window())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type failingBackend struct{}

func (failingBackend) Admit(context.Context, string, time.Time, time.Duration, int) (bool, int, error) {
	return false, 0, errors.New("connection refused")
}

func (failingBackend) Count(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, errors.New("connection refused")
}

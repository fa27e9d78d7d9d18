package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackendSweepDiscardsIdleKeys(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend()
	ctx := context.Background()
	start := time.Unix(0, 0)

	_, _, err := b.Admit(ctx, "idle", start, time.Minute, 5)
	require.NoError(t, err)
	_, _, err = b.Admit(ctx, "active", start.Add(50*time.Second), time.Minute, 5)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())

	removed := b.Sweep(start.Add(70*time.Second), time.Minute)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, b.Len())

	count, err := b.Count(ctx, "active", start.Add(70*time.Second), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMemoryBackendAdmitAfterSweepStartsFresh(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend()
	ctx := context.Background()
	now := time.Unix(100, 0)

	admitted, count, err := b.Admit(ctx, "k", now, time.Second, 1)
	require.NoError(t, err)
	require.True(t, admitted)
	require.Equal(t, 1, count)

	b.Sweep(now.Add(2*time.Second), time.Second)
	admitted, count, err = b.Admit(ctx, "k", now.Add(2*time.Second), time.Second, 1)
	require.NoError(t, err)
	require.True(t, admitted)
	require.Equal(t, 1, count)
}

func TestMemoryBackendCountUnknownKey(t *testing.T) {
	t.Parallel()

	count, err := NewMemoryBackend().Count(context.Background(), "missing", time.Now(), time.Minute)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMemoryBackendJanitorStopsWithContext(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend()
	_, _, err := b.Admit(context.Background(), "k", time.Unix(0, 0), time.Second, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.RunJanitor(ctx, &fakeClock{now: time.Unix(10, 0)}, 5*time.Millisecond, time.Second)
		close(done)
	}()
	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

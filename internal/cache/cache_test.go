package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrape-service/internal/scrape"
	"github.com/JakeFAU/scrape-service/internal/storage/memory"
)

func samplePayload(value string) scrape.Payload {
	return scrape.Payload{
		Fields: map[string][]string{"title": {value}},
		Metadata: scrape.Metadata{
			URL:    "https://example.test/a",
			Fields: []string{"title"},
		},
	}
}

func TestMemoryPutThenGetReturnsPayload(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewMemory(clock, 0)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", samplePayload("Hello"), 0))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, samplePayload("Hello"), got)
}

func TestMemoryExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewMemory(clock, 0)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", samplePayload("Hello"), 0))
	clock.Advance(DefaultTTL - time.Second)
	_, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = c.Get(ctx, "k")
	require.False(t, ok)
	require.Equal(t, 1, c.Len())
	require.Equal(t, 1, c.Sweep())
	require.Zero(t, c.Len())
}

func TestMemoryLastWriteWinsAndResetsExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewMemory(clock, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", samplePayload("first"), 0))
	clock.Advance(50 * time.Second)
	require.NoError(t, c.Put(ctx, "k", samplePayload("second"), 0))
	clock.Advance(50 * time.Second)

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"second"}, got.Fields["title"])
}

func TestMemoryIsolatesCallerMutations(t *testing.T) {
	t.Parallel()

	c := NewMemory(&fakeClock{now: time.Unix(0, 0)}, 0)
	ctx := context.Background()
	payload := samplePayload("Hello")
	require.NoError(t, c.Put(ctx, "k", payload, 0))
	payload.Fields["title"][0] = "mutated"

	got, _, _ := c.Get(ctx, "k")
	got.Fields["title"][0] = "mutated again"
	again, _, _ := c.Get(ctx, "k")
	require.Equal(t, "Hello", again.Fields["title"][0])
}

func TestMemoryConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := NewMemory(&fakeClock{now: time.Unix(0, 0)}, 0)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Put(ctx, "k", samplePayload("v"), 0)
			_, _, _ = c.Get(ctx, "k")
		}()
	}
	wg.Wait()
	_, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
}

func TestPersistentRoundTripAndExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	store := memory.NewCacheStore()
	c := NewPersistent(store, clock, 0, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", samplePayload("Hello"), 10*time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"Hello"}, got.Fields["title"])

	clock.Advance(10 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.GetEntry(ctx, "k")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestPersistentMissAndStoreErrors(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	_, ok, err := NewPersistent(memory.NewCacheStore(), clock, 0, nil).Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)

	broken := NewPersistent(brokenStore{}, clock, 0, nil)
	_, _, err = broken.Get(context.Background(), "k")
	require.Error(t, err)
	require.Error(t, broken.Put(context.Background(), "k", samplePayload("x"), 0))
}

func TestPersistentExpiryKeepsConcurrentRefresh(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	inner := memory.NewCacheStore()
	store := &refreshingStore{CacheStore: inner, clock: clock}
	c := NewPersistent(store, clock, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", samplePayload("old"), time.Minute))
	clock.Advance(2 * time.Minute)

	// The row read is expired, but a writer refreshes it before the cleanup.
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	entry, err := inner.GetEntry(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, entry.Payload.Fields["title"])

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"fresh"}, got.Fields["title"])
}

func TestPersistentLogsCleanupFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	clock := &fakeClock{now: time.Unix(0, 0)}
	store := expiredStore{expiresAt: clock.Now()}
	c := NewPersistent(store, clock, 0, zap.New(core))

	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, logs.FilterMessage("expired cache entry cleanup failed").Len())
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

type brokenStore struct{}

func (brokenStore) PutEntry(context.Context, scrape.CacheEntry) error { return errors.New("db down") }

func (brokenStore) GetEntry(context.Context, string) (scrape.CacheEntry, error) {
	return scrape.CacheEntry{}, errors.New("db down")
}

func (brokenStore) DeleteEntry(context.Context, string) error { return errors.New("db down") }

func (brokenStore) DeleteExpiredEntry(context.Context, string, time.Time) error {
	return errors.New("db down")
}

// refreshingStore writes a fresh row after every read of an expired one.
type refreshingStore struct {
	*memory.CacheStore
	clock *fakeClock
}

func (s *refreshingStore) GetEntry(ctx context.Context, resourceID string) (scrape.CacheEntry, error) {
	entry, err := s.CacheStore.GetEntry(ctx, resourceID)
	if err != nil || !entry.Expired(s.clock.Now()) {
		return entry, err
	}
	now := s.clock.Now()
	fresh := scrape.CacheEntry{
		ResourceID: resourceID,
		Payload:    samplePayload("fresh"),
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Minute),
	}
	if err := s.CacheStore.PutEntry(ctx, fresh); err != nil {
		return scrape.CacheEntry{}, err
	}
	return entry, nil
}

type expiredStore struct {
	expiresAt time.Time
}

func (expiredStore) PutEntry(context.Context, scrape.CacheEntry) error { return nil }

func (s expiredStore) GetEntry(_ context.Context, resourceID string) (scrape.CacheEntry, error) {
	return scrape.CacheEntry{ResourceID: resourceID, ExpiresAt: s.expiresAt}, nil
}

func (expiredStore) DeleteEntry(context.Context, string) error { return nil }

func (expiredStore) DeleteExpiredEntry(context.Context, string, time.Time) error {
	return errors.New("db down")
}

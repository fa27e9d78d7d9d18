package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// Persistent is a result cache over a durable scrape.CacheStore.
type Persistent struct {
	store      scrape.CacheStore
	clock      scrape.Clock
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewPersistent wraps store. defaultTTL <= 0 selects DefaultTTL.
func NewPersistent(store scrape.CacheStore, clock scrape.Clock, defaultTTL time.Duration, logger *zap.Logger) *Persistent {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistent{store: store, clock: clock, defaultTTL: defaultTTL, logger: logger}
}

// Get implements scrape.ResultCache. Expired rows are deleted best-effort.
func (p *Persistent) Get(ctx context.Context, resourceID string) (scrape.Payload, bool, error) {
	entry, err := p.store.GetEntry(ctx, resourceID)
	if errors.Is(err, scrape.ErrNotFound) {
		return scrape.Payload{}, false, nil
	}
	if err != nil {
		return scrape.Payload{}, false, fmt.Errorf("cache get %s: %w", resourceID, err)
	}
	if now := p.clock.Now(); entry.Expired(now) {
		if err := p.store.DeleteExpiredEntry(ctx, resourceID, now); err != nil {
			p.logger.Debug("expired cache entry cleanup failed", zap.String("url", resourceID), zap.Error(err))
		}
		return scrape.Payload{}, false, nil
	}
	return entry.Payload, true, nil
}

// Put implements scrape.ResultCache.
func (p *Persistent) Put(ctx context.Context, resourceID string, payload scrape.Payload, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	now := p.clock.Now()
	entry := scrape.CacheEntry{
		ResourceID: resourceID,
		Payload:    payload.Clone(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := p.store.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("cache put %s: %w", resourceID, err)
	}
	return nil
}

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// CacheStore keeps cache rows in memory.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[string]scrape.CacheEntry
}

// NewCacheStore constructs an empty CacheStore.
func NewCacheStore() *CacheStore {
	return &CacheStore{entries: make(map[string]scrape.CacheEntry)}
}

// PutEntry replaces the row for entry.ResourceID.
func (s *CacheStore) PutEntry(_ context.Context, entry scrape.CacheEntry) error {
	entry.Payload = entry.Payload.Clone()
	s.mu.Lock()
	s.entries[entry.ResourceID] = entry
	s.mu.Unlock()
	return nil
}

// GetEntry returns the row for resourceID regardless of expiry.
func (s *CacheStore) GetEntry(_ context.Context, resourceID string) (scrape.CacheEntry, error) {
	s.mu.RLock()
	entry, ok := s.entries[resourceID]
	s.mu.RUnlock()
	if !ok {
		return scrape.CacheEntry{}, fmt.Errorf("cache entry %s: %w", resourceID, scrape.ErrNotFound)
	}
	entry.Payload = entry.Payload.Clone()
	return entry, nil
}

// DeleteEntry removes the row; deleting a missing row is not an error.
func (s *CacheStore) DeleteEntry(_ context.Context, resourceID string) error {
	s.mu.Lock()
	delete(s.entries, resourceID)
	s.mu.Unlock()
	return nil
}

// DeleteExpiredEntry removes the row if it is expired at now.
func (s *CacheStore) DeleteExpiredEntry(_ context.Context, resourceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[resourceID]; ok && entry.Expired(now) {
		delete(s.entries, resourceID)
	}
	return nil
}

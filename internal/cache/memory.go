// Package cache provides result cache implementations keyed by resource
// identifier with last-write-wins replacement and lazy expiry.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// DefaultTTL applies when Put is called without a positive ttl.
const DefaultTTL = time.Hour

type memoryEntry struct {
	payload   scrape.Payload
	expiresAt time.Time
}

// Memory is an in-process result cache.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	clock      scrape.Clock
	defaultTTL time.Duration
}

// NewMemory returns an empty cache. defaultTTL <= 0 selects DefaultTTL.
func NewMemory(clock scrape.Clock, defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Memory{
		entries:    make(map[string]memoryEntry),
		clock:      clock,
		defaultTTL: defaultTTL,
	}
}

// Get implements scrape.ResultCache.
func (m *Memory) Get(_ context.Context, resourceID string) (scrape.Payload, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[resourceID]
	m.mu.RUnlock()
	if !ok || !m.clock.Now().Before(entry.expiresAt) {
		return scrape.Payload{}, false, nil
	}
	return entry.payload.Clone(), true, nil
}

// Put implements scrape.ResultCache.
func (m *Memory) Put(_ context.Context, resourceID string, payload scrape.Payload, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	entry := memoryEntry{
		payload:   payload.Clone(),
		expiresAt: m.clock.Now().Add(ttl),
	}
	m.mu.Lock()
	m.entries[resourceID] = entry
	m.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RunJanitor sweeps every interval until ctx ends.
func (m *Memory) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps sliding windows in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	dead   bool
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{windows: make(map[string]*slidingWindow)}
}

// Admit implements Backend.
func (b *MemoryBackend) Admit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	for {
		w := b.window(key)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		w.prune(now.Add(-window))
		admitted := len(w.stamps) < limit
		if admitted {
			w.stamps = append(w.stamps, now)
		}
		count := len(w.stamps)
		w.mu.Unlock()
		return admitted, count, nil
	}
}

// Count implements Backend.
func (b *MemoryBackend) Count(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	b.mu.RLock()
	w, ok := b.windows[key]
	b.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now.Add(-window))
	return len(w.stamps), nil
}

// Sweep discards keys with no timestamps inside the window ending at now and
// returns how many were removed.
func (b *MemoryBackend) Sweep(now time.Time, window time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, w := range b.windows {
		w.mu.Lock()
		w.prune(now.Add(-window))
		if len(w.stamps) == 0 {
			w.dead = true
			delete(b.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.windows)
}

// RunJanitor sweeps idle keys every interval until ctx ends.
func (b *MemoryBackend) RunJanitor(ctx context.Context, clock Clock, interval, window time.Duration) {
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
			b.Sweep(clock.Now(), window)
		}
	}
}

func (b *MemoryBackend) window(key string) *slidingWindow {
	b.mu.RLock()
	w, ok := b.windows[key]
	b.mu.RUnlock()
	if ok {
		return w
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok = b.windows[key]; ok {
		return w
	}
	w = &slidingWindow{}
	b.windows[key] = w
	return w
}

// prune drops timestamps at or before cutoff.
func (w *slidingWindow) prune(cutoff time.Time) {
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept
}

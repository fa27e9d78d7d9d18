// Package ratelimit implements the per-client sliding-window request limiter
// applied at the HTTP boundary.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/metrics"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// Backend stores per-key admission timestamps. Implementations must run the
// prune, count and record steps of Admit as one atomic unit per key.
type Backend interface {
	// Admit drops timestamps at or before now-window, then records now if
	// fewer than limit remain. It returns whether now was recorded and the
	// retained count after the decision.
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error)
	// Count drops expired timestamps and returns how many remain.
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Config controls the limiter's capacity.
type Config struct {
	Limit  int
	Window time.Duration
}

// Limiter admits at most Limit requests per key in any trailing Window.
type Limiter struct {
	backend Backend
	limit   int
	window  time.Duration
	clock   Clock
	logger  *zap.Logger
}

// New builds a Limiter over backend.
func New(backend Backend, cfg Config, clock Clock, logger *zap.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		backend: backend,
		limit:   cfg.Limit,
		window:  cfg.Window,
		clock:   clock,
		logger:  logger,
	}
}

// Admit records the request and reports whether it fits in the window. A
// backend failure admits the request.
func (l *Limiter) Admit(ctx context.Context, key string) bool {
	admitted, _, err := l.backend.Admit(ctx, key, l.clock.Now(), l.window, l.limit)
	if err != nil {
		l.degraded("admit", key, err)
		return true
	}
	metrics.ObserveRateLimitDecision(admitted)
	return admitted
}

// Remaining reports how many more requests key may make in the current
// window without recording anything. A backend failure reports full capacity.
func (l *Limiter) Remaining(ctx context.Context, key string) int {
	count, err := l.backend.Count(ctx, key, l.clock.Now(), l.window)
	if err != nil {
		l.degraded("remaining", key, err)
		return l.limit
	}
	return max(0, l.limit-count)
}

// Limit returns the per-window capacity.
func (l *Limiter) Limit() int {
	return l.limit
}

// Window returns the window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

func (l *Limiter) degraded(op, key string, err error) {
	metrics.ObserveRateLimitDegraded(op)
	l.logger.Warn("rate limiter degraded; failing open",
		zap.String("op", op),
		zap.String("client_key", key),
		zap.Error(err),
	)
}

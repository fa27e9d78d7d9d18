// Package robots evaluates robots.txt crawl policy for target resources.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/metrics"
)

// Fallback reasons reported when a robots document cannot be used.
const (
	ReasonUnreachable = "unreachable"
	ReasonServerError = "server_error"
	ReasonMalformed   = "malformed"
	ReasonTransient   = "transient_timeout"
)

const (
	defaultAgent    = "*"
	defaultTimeout  = 10 * time.Second
	defaultCacheTTL = time.Hour
	fallbackTTL     = time.Minute
	maxRobotsBytes  = 1 << 20
)

var defaultBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Config controls robots evaluation.
type Config struct {
	Agent     string
	UserAgent string
	Timeout   time.Duration
	CacheTTL  time.Duration
}

// Checker fetches, caches and evaluates robots.txt per origin.
type Checker struct {
	client    *http.Client
	agent     string
	userAgent string
	ttl       time.Duration
	backoff   []time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedGroup
}

type cachedGroup struct {
	group     *robotstxt.Group
	expiresAt time.Time
}

// New builds a Checker. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Checker {
	if cfg.Agent == "" {
		cfg.Agent = defaultAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		client:    client,
		agent:     cfg.Agent,
		userAgent: cfg.UserAgent,
		ttl:       cfg.CacheTTL,
		backoff:   defaultBackoff,
		now:       time.Now,
		logger:    logger,
		cache:     make(map[string]cachedGroup),
	}
}

// Allowed reports whether the configured agent may fetch rawURL. A robots
// document that cannot be obtained or parsed allows access.
func (c *Checker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if parsed.Host == "" {
		return false, fmt.Errorf("url %q has no host", rawURL)
	}
	origin := strings.ToLower(parsed.Scheme + "://" + parsed.Host)

	group, err := c.group(ctx, origin)
	if err != nil {
		return false, err
	}
	if group == nil {
		return true, nil
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target), nil
}

func (c *Checker) group(ctx context.Context, origin string) (*robotstxt.Group, error) {
	now := c.now()
	c.mu.Lock()
	entry, ok := c.cache[origin]
	c.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.group, nil
	}

	group, ttl, err := c.load(ctx, origin)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[origin] = cachedGroup{group: group, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
	return group, nil
}

// load returns the agent's group for origin, or nil for allow-all, and how
// long the answer may be cached.
func (c *Checker) load(ctx context.Context, origin string) (*robotstxt.Group, time.Duration, error) {
	resp, err := c.fetchWithRetry(ctx, origin+"/robots.txt")
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("robots for %s: %w", origin, ctx.Err())
		}
		reason := ReasonUnreachable
		if isTransient(err) {
			reason = ReasonTransient
		}
		c.fallback(origin, reason, err)
		return nil, c.fallbackTTL(), nil
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.fallback(origin, ReasonServerError, fmt.Errorf("status %d", resp.StatusCode))
		return nil, c.fallbackTTL(), nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		c.fallback(origin, ReasonUnreachable, err)
		return nil, c.fallbackTTL(), nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		c.fallback(origin, ReasonMalformed, err)
		return nil, c.fallbackTTL(), nil
	}
	return data.FindGroup(c.agent), c.ttl, nil
}

func (c *Checker) fetchWithRetry(ctx context.Context, robotsURL string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= len(c.backoff); attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return nil, fmt.Errorf("new robots request: %w", err)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		resp, err := c.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isTransient(err) || attempt == len(c.backoff) {
			break
		}
		if err := sleepWithContext(ctx, c.backoff[attempt]); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("fetch robots: %w", lastErr)
}

func (c *Checker) fallback(origin, reason string, err error) {
	c.logger.Warn("robots.txt unavailable; allowing access",
		zap.String("origin", origin),
		zap.String("reason", reason),
		zap.Error(err),
	)
	metrics.ObserveRobotsFallback(reason)
}

func (c *Checker) fallbackTTL() time.Duration {
	return min(c.ttl, fallbackTTL)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// AllowAll is the checker used when robots evaluation is disabled.
type AllowAll struct{}

// Allowed implements scrape.RobotsChecker.
func (AllowAll) Allowed(context.Context, string) (bool, error) { return true, nil }

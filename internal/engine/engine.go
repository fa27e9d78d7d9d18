// Package engine turns a fetch request into an extracted payload: crawl
// policy, politeness, retrieval by strategy, optional snapshot archiving and
// per-field extraction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/extract"
	"github.com/JakeFAU/scrape-service/internal/fetcher/headless"
	"github.com/JakeFAU/scrape-service/internal/metrics"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// DefaultTimeout bounds one retrieval, politeness wait included.
const DefaultTimeout = 30 * time.Second

// Politeness spaces requests per origin.
type Politeness interface {
	Wait(ctx context.Context, rawURL string) error
	ReportStatus(rawURL string, status int)
}

// Extractor applies rules to markup.
type Extractor interface {
	Extract(body []byte, rules scrape.Rules) (map[string][]string, error)
}

// Deps are the engine's collaborators. Browser, Detector, Politeness and
// Archiver are optional.
type Deps struct {
	Robots     scrape.RobotsChecker
	Politeness Politeness
	Direct     scrape.Fetcher
	Browser    scrape.Fetcher
	Detector   scrape.BrowserDetector
	Extractor  Extractor
	Archiver   *Archiver
	Clock      scrape.Clock
}

// Engine executes fetch requests.
type Engine struct {
	deps    Deps
	timeout time.Duration
	logger  *zap.Logger
}

// New validates deps and builds an Engine.
func New(deps Deps, timeout time.Duration, logger *zap.Logger) (*Engine, error) {
	if deps.Robots == nil || deps.Direct == nil || deps.Extractor == nil || deps.Clock == nil {
		return nil, errors.New("engine requires robots, direct fetcher, extractor and clock")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{deps: deps, timeout: timeout, logger: logger}, nil
}

// Fetch retrieves req.URL and extracts req.Rules. Every error is a
// *scrape.FetchError.
func (e *Engine) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.Payload, error) {
	allowed, err := e.deps.Robots.Allowed(ctx, req.URL)
	if err != nil {
		return scrape.Payload{}, scrape.NewRetrievalError(req.URL, err)
	}
	if !allowed {
		return scrape.Payload{}, &scrape.FetchError{
			Kind:  scrape.FailurePolicyDenied,
			Class: scrape.ClassRobots,
			URL:   req.URL,
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resp, used, err := e.retrieve(fetchCtx, req)
	if err != nil {
		metrics.ObserveFetch(string(used), "error", 0, time.Since(start))
		var statusErr *scrape.StatusError
		if e.deps.Politeness != nil && errors.As(err, &statusErr) {
			e.deps.Politeness.ReportStatus(req.URL, statusErr.StatusCode)
		}
		return scrape.Payload{}, asFetchError(req.URL, err)
	}
	metrics.ObserveFetch(string(used), "success", len(resp.Body), time.Since(start))

	meta := scrape.Metadata{
		URL:         req.URL,
		RetrievedAt: e.deps.Clock.Now(),
		Fields:      extract.FieldNames(req.Rules),
		Strategy:    used,
	}
	if e.deps.Archiver != nil {
		uri, err := e.deps.Archiver.Archive(ctx, req.URL, resp.Body)
		if err != nil {
			e.logger.Warn("snapshot archive failed", zap.String("url", req.URL), zap.Error(err))
		} else {
			meta.SnapshotURI = uri
		}
	}

	fields, err := e.deps.Extractor.Extract(resp.Body, req.Rules)
	if err != nil {
		return scrape.Payload{}, asFetchError(req.URL, fmt.Errorf("extract: %w", err))
	}
	return scrape.Payload{Fields: fields, Metadata: meta}, nil
}

// retrieve runs the strategy and reports which one produced the response.
func (e *Engine) retrieve(ctx context.Context, req scrape.FetchRequest) (scrape.FetchResponse, scrape.Strategy, error) {
	if e.deps.Politeness != nil {
		if err := e.deps.Politeness.Wait(ctx, req.URL); err != nil {
			return scrape.FetchResponse{}, scrape.StrategyDirect, err
		}
	}

	switch req.Strategy {
	case scrape.StrategyBrowser:
		resp, err := e.browser().Fetch(ctx, req)
		return resp, scrape.StrategyBrowser, err
	case scrape.StrategyAuto:
		return e.retrieveAuto(ctx, req)
	default:
		resp, err := e.deps.Direct.Fetch(ctx, req)
		return resp, scrape.StrategyDirect, err
	}
}

// retrieveAuto fetches directly and re-fetches with the browser when the
// response looks client-rendered. A browser failure keeps the direct body.
func (e *Engine) retrieveAuto(ctx context.Context, req scrape.FetchRequest) (scrape.FetchResponse, scrape.Strategy, error) {
	resp, err := e.deps.Direct.Fetch(ctx, req)
	if err != nil {
		return resp, scrape.StrategyDirect, err
	}
	if e.deps.Browser == nil || e.deps.Detector == nil || !e.deps.Detector.ShouldPromote(resp) {
		return resp, scrape.StrategyDirect, nil
	}

	rendered, err := e.deps.Browser.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return scrape.FetchResponse{}, scrape.StrategyBrowser, err
		}
		e.logger.Warn("browser promotion failed; using direct response",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return resp, scrape.StrategyDirect, nil
	}
	return rendered, scrape.StrategyBrowser, nil
}

func (e *Engine) browser() scrape.Fetcher {
	if e.deps.Browser == nil {
		return headless.NewNoop()
	}
	return e.deps.Browser
}

func asFetchError(url string, err error) *scrape.FetchError {
	var fetchErr *scrape.FetchError
	if errors.As(err, &fetchErr) {
		out := *fetchErr
		if out.URL == "" {
			out.URL = url
		}
		return &out
	}
	return scrape.NewRetrievalError(url, err)
}

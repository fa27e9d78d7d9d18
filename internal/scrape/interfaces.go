package scrape

import (
	"context"
	"io"
	"net/http"
	"time"
)

// JobQuery filters a history listing. Zero values mean "no filter"; Limit 0
// means no limit.
type JobQuery struct {
	UserID string
	Status Status
	Since  *time.Time
	Offset int
	Limit  int
}

// JobStore persists jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	DeleteJob(ctx context.Context, id string) error
	// ListJobs returns the requested page newest-first and the total number
	// of jobs matching the filter.
	ListJobs(ctx context.Context, query JobQuery) ([]Job, int, error)
	CountByStatus(ctx context.Context, userID string, since *time.Time) (map[Status]int, error)
	// DeleteJobs removes the user's jobs created before the cutoff, or all of
	// them when before is nil.
	DeleteJobs(ctx context.Context, userID string, before *time.Time) (int, error)
	// ListUnfinished returns every pending or running job, oldest first.
	ListUnfinished(ctx context.Context) ([]Job, error)
}

// CacheStore persists cache entries for the durable result cache.
type CacheStore interface {
	PutEntry(ctx context.Context, entry CacheEntry) error
	GetEntry(ctx context.Context, resourceID string) (CacheEntry, error)
	DeleteEntry(ctx context.Context, resourceID string) error
	// DeleteExpiredEntry removes the row only if it expired at or before
	// now, so a concurrent refresh survives.
	DeleteExpiredEntry(ctx context.Context, resourceID string, now time.Time) error
}

// ResultCache maps resource identifiers to recently produced payloads.
type ResultCache interface {
	// Get returns the live payload for resourceID; expired and absent
	// entries are both reported as a miss.
	Get(ctx context.Context, resourceID string) (Payload, bool, error)
	// Put replaces any entry for resourceID. ttl <= 0 selects the default.
	Put(ctx context.Context, resourceID string, payload Payload, ttl time.Duration) error
}

// FetchRequest is one engine invocation.
type FetchRequest struct {
	URL      string
	Rules    Rules
	Strategy Strategy
	Headers  http.Header
}

// FetchResponse is the raw output of a retrieval strategy.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	UsedBrowser bool
}

// Fetcher retrieves a resource's markup.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// BrowserDetector decides when a direct response needs a browser re-fetch.
type BrowserDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// RobotsChecker evaluates crawl policy for a resource.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// BlobStore persists raw artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits job events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue hands admitted work to the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

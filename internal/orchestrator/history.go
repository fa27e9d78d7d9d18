package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// Pagination bounds for history listings.
const (
	DefaultPerPage = 10
	MaxPerPage     = 100
	// MaxHistoryDays bounds day-based history filters.
	MaxHistoryDays = 36500

	day          = 24 * time.Hour
	recentWindow = 7 * day
)

// HistoryAge converts a day count into an age, rejecting negative counts and
// counts above MaxHistoryDays.
func HistoryAge(days int) (time.Duration, error) {
	if days < 0 || days > MaxHistoryDays {
		return 0, fmt.Errorf("%w: days must be between 0 and %d", scrape.ErrInvalidRequest, MaxHistoryDays)
	}
	return time.Duration(days) * day, nil
}

// HistoryFilter narrows a history listing. Zero values mean no filter.
type HistoryFilter struct {
	Status  scrape.Status
	Since   *time.Time
	Page    int
	PerPage int
}

// HistoryPage is one page of a user's jobs, newest first.
type HistoryPage struct {
	Items      []scrape.Job `json:"items"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	TotalPages int          `json:"total_pages"`
}

// Stats aggregates a user's history. Pending counts running jobs too.
type Stats struct {
	Total       int     `json:"total_jobs"`
	Completed   int     `json:"completed_jobs"`
	Failed      int     `json:"failed_jobs"`
	Pending     int     `json:"pending_jobs"`
	Recent      int     `json:"recent_jobs_7d"`
	SuccessRate float64 `json:"success_rate"`
}

// Get returns the caller's job, or ErrNotFound when it is absent or owned by
// someone else.
func (o *Orchestrator) Get(ctx context.Context, jobID, userID string) (scrape.Job, error) {
	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.UserID != userID {
		return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	return job, nil
}

// Delete removes the caller's job in any state. A running job keeps
// executing; its result is discarded when it finishes.
func (o *Orchestrator) Delete(ctx context.Context, jobID, userID string) error {
	if _, err := o.Get(ctx, jobID, userID); err != nil {
		return err
	}
	if err := o.deps.Store.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListHistory returns one page of the user's jobs.
func (o *Orchestrator) ListHistory(ctx context.Context, userID string, filter HistoryFilter) (HistoryPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return HistoryPage{}, fmt.Errorf("%w: unknown status %q", scrape.ErrInvalidRequest, filter.Status)
	}
	page := max(filter.Page, 1)
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	perPage = min(perPage, MaxPerPage)

	jobs, total, err := o.deps.Store.ListJobs(ctx, scrape.JobQuery{
		UserID: userID,
		Status: filter.Status,
		Since:  filter.Since,
		Offset: (page - 1) * perPage,
		Limit:  perPage,
	})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("list history: %w", err)
	}
	return HistoryPage{
		Items:      jobs,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}, nil
}

// Stats summarizes the user's jobs.
func (o *Orchestrator) Stats(ctx context.Context, userID string) (Stats, error) {
	all, err := o.deps.Store.CountByStatus(ctx, userID, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	since := o.deps.Clock.Now().Add(-recentWindow)
	recent, err := o.deps.Store.CountByStatus(ctx, userID, &since)
	if err != nil {
		return Stats{}, fmt.Errorf("count recent jobs: %w", err)
	}

	stats := Stats{
		Completed: all[scrape.StatusCompleted],
		Failed:    all[scrape.StatusFailed],
		Pending:   all[scrape.StatusPending] + all[scrape.StatusRunning],
	}
	for _, n := range all {
		stats.Total += n
	}
	for _, n := range recent {
		stats.Recent += n
	}
	if stats.Total > 0 {
		rate := float64(stats.Completed) / float64(stats.Total) * 100
		stats.SuccessRate = math.Round(rate*100) / 100
	}
	return stats, nil
}

// ClearHistory deletes the user's jobs older than olderThan, or all of them
// when olderThan is nil, and returns how many were removed.
func (o *Orchestrator) ClearHistory(ctx context.Context, userID string, olderThan *time.Duration) (int, error) {
	var before *time.Time
	if olderThan != nil {
		if *olderThan < 0 {
			return 0, fmt.Errorf("%w: age must not be negative", scrape.ErrInvalidRequest)
		}
		cutoff := o.deps.Clock.Now().Add(-*olderThan)
		before = &cutoff
	}
	n, err := o.deps.Store.DeleteJobs(ctx, userID, before)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return n, nil
}

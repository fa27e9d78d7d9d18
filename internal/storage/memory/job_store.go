package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]scrape.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]scrape.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// UpdateJob replaces an existing job.
func (s *JobStore) UpdateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, scrape.ErrNotFound)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob returns a copy of the job.
func (s *JobStore) GetJob(_ context.Context, id string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %s: %w", id, scrape.ErrNotFound)
	}
	return job.Clone(), nil
}

// DeleteJob removes the job.
func (s *JobStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, scrape.ErrNotFound)
	}
	delete(s.jobs, id)
	return nil
}

// ListJobs returns the matching jobs newest-first.
func (s *JobStore) ListJobs(_ context.Context, query scrape.JobQuery) ([]scrape.Job, int, error) {
	s.mu.RLock()
	matched := make([]scrape.Job, 0)
	for _, job := range s.jobs {
		if matches(job, query.UserID, query.Status, query.Since) {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := min(max(query.Offset, 0), total)
	end := total
	if query.Limit > 0 {
		end = min(start+query.Limit, total)
	}
	page := make([]scrape.Job, 0, end-start)
	for _, job := range matched[start:end] {
		page = append(page, job.Clone())
	}
	return page, total, nil
}

// CountByStatus tallies the user's jobs, optionally only those created at or
// after since.
func (s *JobStore) CountByStatus(_ context.Context, userID string, since *time.Time) (map[scrape.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[scrape.Status]int)
	for _, job := range s.jobs {
		if matches(job, userID, "", since) {
			counts[job.Status()]++
		}
	}
	return counts, nil
}

// DeleteJobs removes the user's jobs created before the cutoff.
func (s *JobStore) DeleteJobs(_ context.Context, userID string, before *time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if before != nil && !job.CreatedAt.Before(*before) {
			continue
		}
		delete(s.jobs, id)
		deleted++
	}
	return deleted, nil
}

// ListUnfinished returns all pending and running jobs, oldest first.
func (s *JobStore) ListUnfinished(_ context.Context) ([]scrape.Job, error) {
	s.mu.RLock()
	jobs := make([]scrape.Job, 0)
	for _, job := range s.jobs {
		if !job.Status().Terminal() {
			jobs = append(jobs, job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func matches(job scrape.Job, userID string, status scrape.Status, since *time.Time) bool {
	if userID != "" && job.UserID != userID {
		return false
	}
	if status != "" && job.Status() != status {
		return false
	}
	if since != nil && job.CreatedAt.Before(*since) {
		return false
	}
	return true
}

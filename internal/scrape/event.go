package scrape

import "time"

// JobEvent is published on every terminal transition.
type JobEvent struct {
	JobID       string     `json:"job_id"`
	UserID      string     `json:"user_id"`
	URL         string     `json:"url"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	FromCache   bool       `json:"from_cache"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJobEvent describes the job's current state.
func NewJobEvent(job Job) JobEvent {
	ev := JobEvent{
		JobID:       job.ID,
		UserID:      job.UserID,
		URL:         job.URL,
		Status:      job.Status(),
		CompletedAt: job.CompletedAt(),
	}
	if reason, ok := job.Failure(); ok {
		ev.Error = reason
	}
	if c, ok := job.State.(Completed); ok {
		ev.FromCache = c.FromCache
	}
	return ev
}

// Attributes are the message attributes brokers can filter on.
func (e JobEvent) Attributes() map[string]string {
	return map[string]string{
		"job_id":  e.JobID,
		"user_id": e.UserID,
		"status":  string(e.Status),
	}
}

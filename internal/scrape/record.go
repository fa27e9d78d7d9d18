package scrape

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobRecord is the flattened, storage- and wire-friendly form of a Job.
type JobRecord struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	URL          string      `json:"url"`
	Selectors    Rules       `json:"selectors"`
	Strategy     Strategy    `json:"strategy"`
	Status       Status      `json:"status"`
	Result       *Payload    `json:"result_data"`
	ErrorMessage string      `json:"error_message,omitempty"`
	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	FromCache    bool        `json:"from_cache"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at"`
}

// Record flattens the job.
func (j Job) Record() JobRecord {
	rec := JobRecord{
		ID:          j.ID,
		UserID:      j.UserID,
		URL:         j.URL,
		Selectors:   j.Rules.Clone(),
		Strategy:    j.Strategy,
		Status:      j.Status(),
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt(),
		CompletedAt: j.CompletedAt(),
	}
	switch s := j.State.(type) {
	case Completed:
		result := s.Result.Clone()
		rec.Result = &result
		rec.FromCache = s.FromCache
	case Failed:
		rec.ErrorMessage = s.Reason
		rec.FailureKind = s.Kind
	}
	return rec
}

// Job rebuilds the tagged job from a flattened record.
func (r JobRecord) Job() (Job, error) {
	job := Job{
		ID:        r.ID,
		UserID:    r.UserID,
		URL:       r.URL,
		Rules:     r.Selectors.Clone(),
		Strategy:  r.Strategy,
		CreatedAt: r.CreatedAt,
	}
	finished := func() (time.Time, error) {
		if r.CompletedAt == nil {
			return time.Time{}, fmt.Errorf("job %s is %s without completion time", r.ID, r.Status)
		}
		return *r.CompletedAt, nil
	}
	switch r.Status {
	case StatusPending:
		job.State = Pending{}
	case StatusRunning:
		started := r.CreatedAt
		if r.StartedAt != nil {
			started = *r.StartedAt
		}
		job.State = Running{StartedAt: started}
	case StatusCompleted:
		at, err := finished()
		if err != nil {
			return Job{}, err
		}
		var result Payload
		if r.Result != nil {
			result = r.Result.Clone()
		}
		job.State = Completed{Result: result, FinishedAt: at, FromCache: r.FromCache}
		job = job.WithStartedAt(r.StartedAt)
	case StatusFailed:
		at, err := finished()
		if err != nil {
			return Job{}, err
		}
		kind := r.FailureKind
		if kind == "" {
			kind = FailureRetrievalFailed
		}
		job.State = Failed{Kind: kind, Reason: r.ErrorMessage, FinishedAt: at}
		job = job.WithStartedAt(r.StartedAt)
	default:
		return Job{}, fmt.Errorf("job %s has unknown status %q", r.ID, r.Status)
	}
	return job, nil
}

// MarshalJSON encodes the job in its flattened form.
func (j Job) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(j.Record())
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes the flattened form.
func (j *Job) UnmarshalJSON(data []byte) error {
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	job, err := rec.Job()
	if err != nil {
		return err
	}
	*j = job
	return nil
}

// CacheEntry is one durable cache row.
type CacheEntry struct {
	ResourceID string
	Payload    Payload
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the entry is no longer live at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

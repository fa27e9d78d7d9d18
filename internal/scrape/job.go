package scrape

import (
	"fmt"
	"time"
)

// Status is the externally visible lifecycle stage of a job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Strategy selects how the target resource is retrieved.
type Strategy string

// Retrieval strategies.
const (
	StrategyDirect  Strategy = "direct"
	StrategyBrowser Strategy = "browser"
	StrategyAuto    Strategy = "auto"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyBrowser, StrategyAuto:
		return true
	default:
		return false
	}
}

// Rules maps output field names to CSS selectors.
type Rules map[string]string

// Clone returns an independent copy of r.
func (r Rules) Clone() Rules {
	if r == nil {
		return nil
	}
	out := make(Rules, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// State is the tagged lifecycle variant of a job. Exactly one of Pending,
// Running, Completed or Failed.
type State interface {
	Status() Status
	isState()
}

// Pending is a job admitted but not yet picked up by a worker.
type Pending struct{}

// Running is a job currently executing.
type Running struct {
	StartedAt time.Time
}

// Completed is a job that produced a payload.
type Completed struct {
	Result     Payload
	FinishedAt time.Time
	FromCache  bool
}

// Failed is a job that ended without a payload.
type Failed struct {
	Kind       FailureKind
	Reason     string
	FinishedAt time.Time
}

// Status implements State.
func (Pending) Status() Status { return StatusPending }

// Status implements State.
func (Running) Status() Status { return StatusRunning }

// Status implements State.
func (Completed) Status() Status { return StatusCompleted }

// Status implements State.
func (Failed) Status() Status { return StatusFailed }

func (Pending) isState()   {}
func (Running) isState()   {}
func (Completed) isState() {}
func (Failed) isState()    {}

// Job is a single user-submitted fetch request and its lifecycle.
type Job struct {
	ID        string
	UserID    string
	URL       string
	Rules     Rules
	Strategy  Strategy
	State     State
	CreatedAt time.Time
	startedAt *time.Time
}

// Status returns the job's current status.
func (j Job) Status() Status {
	if j.State == nil {
		return StatusPending
	}
	return j.State.Status()
}

// Result returns the payload of a completed job.
func (j Job) Result() (Payload, bool) {
	c, ok := j.State.(Completed)
	if !ok {
		return Payload{}, false
	}
	return c.Result, true
}

// Failure returns the failure description of a failed job.
func (j Job) Failure() (string, bool) {
	f, ok := j.State.(Failed)
	if !ok {
		return "", false
	}
	return f.Reason, true
}

// CompletedAt returns the terminal timestamp, or nil while non-terminal.
func (j Job) CompletedAt() *time.Time {
	switch s := j.State.(type) {
	case Completed:
		t := s.FinishedAt
		return &t
	case Failed:
		t := s.FinishedAt
		return &t
	default:
		return nil
	}
}

// StartedAt returns when execution began, if it did.
func (j Job) StartedAt() *time.Time {
	if r, ok := j.State.(Running); ok {
		t := r.StartedAt
		return &t
	}
	if j.startedAt == nil {
		return nil
	}
	t := *j.startedAt
	return &t
}

// WithStartedAt records a historical start time on a job rebuilt from storage.
func (j Job) WithStartedAt(t *time.Time) Job {
	if t != nil {
		ts := *t
		j.startedAt = &ts
	}
	return j
}

// Transition moves the job to next, enforcing the lifecycle graph.
func (j *Job) Transition(next State) error {
	if next == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidTransition)
	}
	from, to := j.Status(), next.Status()
	if !allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if r, ok := j.State.(Running); ok {
		t := r.StartedAt
		j.startedAt = &t
	}
	j.State = next
	return nil
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCompleted || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Clone returns a copy of the job that shares no mutable state.
func (j Job) Clone() Job {
	cp := j
	cp.Rules = j.Rules.Clone()
	if c, ok := j.State.(Completed); ok {
		c.Result = c.Result.Clone()
		cp.State = c
	}
	if j.startedAt != nil {
		t := *j.startedAt
		cp.startedAt = &t
	}
	return cp
}

// QueueItem is handed from admission to the worker pool.
type QueueItem struct {
	JobID     string
	UserID    string
	Attempt   int
	Submitted int64
}

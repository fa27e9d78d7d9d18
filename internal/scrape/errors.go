package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned when a job or cache entry does not exist, or the
	// job belongs to a different user.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded is returned when a user already holds the maximum
	// number of pending or running jobs.
	ErrCapacityExceeded = errors.New("concurrent job limit reached")
	// ErrInvalidRequest marks a submission that failed validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTransition is returned when a job is moved to a state its
	// current state does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrQueueFull is returned when the execution queue cannot accept work.
	ErrQueueFull = errors.New("execution queue full")
	// ErrQueueClosed is returned by a queue that no longer hands out work.
	ErrQueueClosed = errors.New("execution queue closed")
)

// FailureKind classifies why a job failed.
type FailureKind string

// Failure kinds recorded on failed jobs.
const (
	FailurePolicyDenied    FailureKind = "policy_denied"
	FailureRetrievalFailed FailureKind = "retrieval_failed"
	FailureDispatch        FailureKind = "dispatch"
	FailureInternal        FailureKind = "internal"
)

// Cause classes attached to retrieval failures.
const (
	ClassTimeout  = "timeout"
	ClassStatus   = "status"
	ClassNetwork  = "network"
	ClassRenderer = "renderer"
	ClassCanceled = "canceled"
	ClassRobots   = "robots"
)

// FetchError is the only error type the engine returns.
type FetchError struct {
	Kind  FailureKind
	Class string
	URL   string
	Err   error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FailurePolicyDenied:
		return fmt.Sprintf("policy denied: robots.txt disallows %s", e.URL)
	default:
		if e.Err == nil {
			return fmt.Sprintf("retrieval failed (%s): %s", e.Class, e.URL)
		}
		return fmt.Sprintf("retrieval failed (%s): %v", e.Class, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-success HTTP status from the target.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// NewRetrievalError wraps err in a FetchError, picking the cause class from
// the error chain.
func NewRetrievalError(url string, err error) *FetchError {
	return &FetchError{
		Kind:  FailureRetrievalFailed,
		Class: ClassifyRetrieval(err),
		URL:   url,
		Err:   err,
	}
}

// ClassifyRetrieval maps an error chain to a cause class.
func ClassifyRetrieval(err error) string {
	var statusErr *StatusError
	var netErr net.Error
	var fetchErr *FetchError
	switch {
	case err == nil:
		return ClassNetwork
	case errors.As(err, &fetchErr) && fetchErr.Class != "":
		return fetchErr.Class
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.As(err, &statusErr):
		return ClassStatus
	case errors.As(err, &netErr) && netErr.Timeout():
		return ClassTimeout
	default:
		return ClassNetwork
	}
}

package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// ErrDisabled is returned when browser retrieval is requested but not enabled.
var ErrDisabled = errors.New("browser retrieval disabled")

// Noop stands in for the browser fetcher when headless.enabled is false.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with a renderer-class error.
func (Noop) Fetch(_ context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	return scrape.FetchResponse{}, &scrape.FetchError{
		Kind:  scrape.FailureRetrievalFailed,
		Class: scrape.ClassRenderer,
		URL:   request.URL,
		Err:   ErrDisabled,
	}
}

// Package system provides the wall clock.
package system

import (
	"time"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// Clock implements scrape.Clock with UTC wall time.
type Clock struct{}

var _ scrape.Clock = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// validate checks a submission and returns its normalized resource id.
func validate(userID string, req SubmitRequest) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", scrape.ErrInvalidRequest)
	}
	resourceID, err := scrape.NormalizeURL(req.URL)
	if err != nil {
		return "", err
	}
	if len(req.Rules) == 0 {
		return "", fmt.Errorf("%w: at least one selector is required", scrape.ErrInvalidRequest)
	}
	for name, selector := range req.Rules {
		switch {
		case strings.TrimSpace(name) == "":
			return "", fmt.Errorf("%w: selector names must not be empty", scrape.ErrInvalidRequest)
		case name == scrape.MetadataKey:
			return "", fmt.Errorf("%w: %q is a reserved field name", scrape.ErrInvalidRequest, scrape.MetadataKey)
		case strings.TrimSpace(selector) == "":
			return "", fmt.Errorf("%w: selector for %q must not be empty", scrape.ErrInvalidRequest, name)
		}
	}
	if req.Strategy != "" && !req.Strategy.Valid() {
		return "", fmt.Errorf("%w: unknown strategy %q", scrape.ErrInvalidRequest, req.Strategy)
	}
	return resourceID, nil
}

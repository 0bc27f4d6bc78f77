package ingestion

import (
	"errors"
	"fmt"

	"github.com/search-transparency/runner/internal/storage"
)

// Sentinel errors surfaced by validateTransition for callers using errors.Is.
var (
	ErrInvalidTransition      = errors.New("invalid crawl run transition")
	ErrTerminalStateImmutable = errors.New("crawl run is in a terminal state")
)

// validateTransition wraps storage.ValidateCrawlRunTransition with
// ingestion-specific sentinel errors.
func validateTransition(from, to storage.CrawlRunStatus) error {
	if err := storage.ValidateCrawlRunTransition(from, to); err != nil {
		if from != storage.CrawlRunRunning && from != to {
			return fmt.Errorf("%w: %s -> %s", ErrTerminalStateImmutable, from, to)
		}

		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

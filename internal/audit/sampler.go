// Package audit draws a uniform sample of annotated results for manual
// human review.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/search-transparency/runner/internal/storage"
)

// Result summarizes one sampling pass.
type Result struct {
	TotalAnnotated int
	Sampled        int
}

// Sampler draws a percentage-sized sample of a run's annotated results and
// persists it as pending AuditSample rows.
type Sampler struct {
	store  storage.Store
	logger *slog.Logger
}

// NewSampler constructs a Sampler. logger defaults to slog.Default when nil.
func NewSampler(store storage.Store, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sampler{store: store, logger: logger}
}

// Sample fetches every AnnotatedResultView collected since `since`, draws a
// uniform sample sized by samplePercent (clamped to at least 1 row when the
// fetched set is non-empty), and persists the draw as pending AuditSamples
// attributed to runID.
//
// samplePercent must be in [1, 100]; callers are expected to validate this
// against configuration before calling Sample.
func (s *Sampler) Sample(ctx context.Context, runID string, since time.Time, samplePercent int) (Result, error) {
	fetched, err := s.store.FetchAnnotatedResults(ctx, storage.AnnotatedResultsFilter{Since: &since})
	if err != nil {
		return Result{}, fmt.Errorf("audit: fetching annotated results: %w", err)
	}

	if len(fetched) == 0 {
		return Result{TotalAnnotated: 0, Sampled: 0}, nil
	}

	sampleCount := int(math.Max(1, math.Ceil(float64(len(fetched))*float64(samplePercent)/100)))
	if sampleCount > len(fetched) {
		sampleCount = len(fetched)
	}

	drawn := fisherYatesSample(fetched, sampleCount)

	now := time.Now().UTC()
	samples := make([]storage.AuditSample, 0, len(drawn))

	for _, row := range drawn {
		samples = append(samples, storage.AuditSample{
			ID:           uuid.NewString(),
			RunID:        runID,
			AnnotationID: row.AnnotationID,
			QueryID:      row.QueryID,
			Engine:       row.Engine,
			Status:       storage.AuditPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if err := s.store.RecordAuditSamples(ctx, samples); err != nil {
		return Result{}, fmt.Errorf("audit: recording samples: %w", err)
	}

	s.logger.Info("audit sample recorded", "runId", runID, "totalAnnotated", len(fetched), "sampled", len(samples))

	return Result{TotalAnnotated: len(fetched), Sampled: len(samples)}, nil
}

// fisherYatesSample shuffles a copy of rows and returns the first n.
func fisherYatesSample(rows []storage.AnnotatedResultView, n int) []storage.AnnotatedResultView {
	shuffled := make([]storage.AnnotatedResultView, len(rows))
	copy(shuffled, rows)

	for i := len(shuffled) - 1; i > 0; i-- {
		j := rand.Intn(i + 1) //nolint:gosec // sampling for manual review, not security-sensitive
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	return shuffled[:n]
}

package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/search-transparency/runner/internal/sanitize"
	"github.com/search-transparency/runner/internal/storage"
)

// sanitizeMetadata redacts a stage/run metadata map before it reaches
// storage or an event payload. A nil map passes through unchanged.
func sanitizeMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	sanitized, _ := sanitize.Metadata(m).(map[string]any)

	return sanitized
}

// stageFunc is one stage's unit of work; its returned map becomes the
// completed PipelineStageLog's Metadata.
type stageFunc func(ctx context.Context) (map[string]any, error)

// executeStage runs fn with a fixed-delay retry budget of 1+maxRetries
// attempts, persisting a PipelineStageLog throughout. On exhaustion the
// final error is returned to the caller, which fails the whole run.
func (r *Runner) executeStage(ctx context.Context, runID string, stage storage.StageName, fn stageFunc) (map[string]any, error) {
	stageID := uuid.NewString()
	startedAt := time.Now().UTC()
	attempts := 0

	persist := func(status storage.PipelineStatus, metadata map[string]any, stageErr error) error {
		errMsg := ""
		if stageErr != nil {
			errMsg = stageErr.Error()
		}

		var completedAt *time.Time
		if status.IsTerminal() {
			completedAt = ptrTime(time.Now().UTC())
		}

		return r.store.RecordPipelineStage(ctx, storage.PipelineStageLog{
			ID:          stageID,
			RunID:       runID,
			Stage:       stage,
			Status:      status,
			Attempts:    attempts,
			StartedAt:   startedAt,
			CompletedAt: completedAt,
			Error:       errMsg,
			Metadata:    sanitizeMetadata(metadata),
			CreatedAt:   startedAt,
			UpdatedAt:   time.Now().UTC(),
		})
	}

	if err := persist(storage.PipelineRunning, nil, nil); err != nil {
		return nil, err
	}

	totalAttempts := 1 + r.cfg.MaxRetries

	var lastErr error

retryLoop:
	for attemptNumber := 1; attemptNumber <= totalAttempts; attemptNumber++ {
		attempts = attemptNumber

		if err := persist(storage.PipelineRunning, nil, nil); err != nil {
			return nil, err
		}

		metadata, err := fn(ctx)
		if err == nil {
			if err := persist(storage.PipelineCompleted, metadata, nil); err != nil {
				return nil, err
			}

			return metadata, nil
		}

		lastErr = err
		retriesLeft := totalAttempts - attemptNumber

		if retriesLeft > 0 {
			r.logger.Warn("pipeline stage retry",
				"stage", stage, "attemptNumber", attemptNumber, "retriesLeft", retriesLeft, "error", err.Error())

			timer := time.NewTimer(r.cfg.RetryDelay)

			select {
			case <-ctx.Done():
				timer.Stop()

				lastErr = ctx.Err()

				break retryLoop
			case <-timer.C:
			}
		}
	}

	if err := persist(storage.PipelineFailed, nil, lastErr); err != nil {
		return nil, err
	}

	return nil, lastErr
}

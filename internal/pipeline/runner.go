// Package pipeline runs the three-stage search-transparency collection
// pipeline: collector, annotation, metrics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/search-transparency/runner/internal/aliasing"
	"github.com/search-transparency/runner/internal/audit"
	"github.com/search-transparency/runner/internal/events"
	"github.com/search-transparency/runner/internal/export"
	"github.com/search-transparency/runner/internal/ingestion"
	"github.com/search-transparency/runner/internal/report"
	"github.com/search-transparency/runner/internal/storage"
)

type (
	// CollectorInvoker triggers the external search-engine collector app
	// for one pipeline run. The default Runner treats a nil invoker as a
	// no-op (the collector already deposited files on disk out-of-band).
	CollectorInvoker func(ctx context.Context, runID string) error

	// AnnotationInvoker triggers the external LLM annotation app.
	AnnotationInvoker func(ctx context.Context, runID string) error

	// MetricsInvoker triggers the external metrics computation app.
	MetricsInvoker func(ctx context.Context, runID string) error
)

// Runner executes the collector -> annotation -> metrics pipeline, enforcing
// a process-local single-flight guard and persisting a PipelineRun plus one
// PipelineStageLog per stage attempt.
type Runner struct {
	store     storage.Store
	publisher *events.Publisher
	resolver  *aliasing.Resolver
	cfg       Config
	logger    *slog.Logger
	running   atomic.Bool

	collectorInvoker  CollectorInvoker
	annotationInvoker AnnotationInvoker
	metricsInvoker    MetricsInvoker
}

// NewRunner constructs a Runner. Any invoker left nil is treated as a no-op,
// useful for tests and for deployments where collector/annotation/metrics
// are triggered out-of-band. resolver may be nil, disabling domain pattern
// overrides for the collector stage's ingestion step.
func NewRunner(
	store storage.Store,
	publisher *events.Publisher,
	resolver *aliasing.Resolver,
	cfg Config,
	logger *slog.Logger,
	collectorInvoker CollectorInvoker,
	annotationInvoker AnnotationInvoker,
	metricsInvoker MetricsInvoker,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		store:             store,
		publisher:         publisher,
		resolver:          resolver,
		cfg:               cfg,
		logger:            logger,
		collectorInvoker:  collectorInvoker,
		annotationInvoker: annotationInvoker,
		metricsInvoker:    metricsInvoker,
	}
}

// IsRunning reports whether a run is currently in flight.
func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// RunOnce executes one full pipeline run. If a run is already in flight it
// logs a warning and returns nil without starting a second run.
func (r *Runner) RunOnce(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("pipeline already running, skipping concurrent trigger")

		return nil
	}
	defer r.running.Store(false)

	runID := uuid.NewString()
	now := time.Now().UTC()

	if err := r.store.RecordPipelineRun(ctx, storage.PipelineRun{
		ID:        runID,
		Status:    storage.PipelineRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("pipeline: recording run start: %w", err)
	}

	r.publisher.PublishRunEvent(ctx, runID, storage.PipelineRunning, nil)

	metadata, err := r.runStages(ctx, runID)
	if err != nil {
		r.failRun(ctx, runID, err)
		r.publisher.PublishRunEvent(ctx, runID, storage.PipelineFailed, err)

		return err
	}

	sanitized := sanitizeMetadata(metadata)

	if err := r.store.RecordPipelineRun(ctx, storage.PipelineRun{
		ID:          runID,
		Status:      storage.PipelineCompleted,
		StartedAt:   now,
		CompletedAt: ptrTime(time.Now().UTC()),
		Metadata:    sanitized,
		CreatedAt:   now,
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("pipeline: recording run completion: %w", err)
	}

	r.publisher.PublishRunEvent(ctx, runID, storage.PipelineCompleted, sanitized)

	return nil
}

// runStages executes collector -> annotation (+audit sampling) -> metrics in
// order, aggregating each stage's metadata into the run's final metadata.
func (r *Runner) runStages(ctx context.Context, runID string) (map[string]any, error) {
	collectorMeta, err := r.executeStage(ctx, runID, storage.StageCollector, func(ctx context.Context) (map[string]any, error) {
		return r.runCollector(ctx, runID)
	})
	if err != nil {
		return nil, err
	}

	annotationMeta, err := r.executeStage(ctx, runID, storage.StageAnnotation, func(ctx context.Context) (map[string]any, error) {
		return r.runAnnotation(ctx, runID)
	})
	if err != nil {
		return nil, err
	}

	// Audit sampling runs between annotation and metrics, outside
	// executeStage: a sampling failure is logged but does not fail the run
	// (resolved Open Question, see DESIGN.md).
	auditResult, auditErr := audit.NewSampler(r.store, r.logger).Sample(
		ctx, runID, time.Now().Add(-24*time.Hour), r.cfg.ManualAuditSamplePercent,
	)
	if auditErr != nil {
		r.logger.Warn("audit sampling failed, continuing pipeline run", "runId", runID, "error", auditErr)
	} else {
		annotationMeta["audit"] = auditResult
	}

	metricsMeta, err := r.executeStage(ctx, runID, storage.StageMetrics, func(ctx context.Context) (map[string]any, error) {
		return r.runMetrics(ctx, runID)
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"runId":      runID,
		"collector":  collectorMeta,
		"annotation": annotationMeta,
		"metrics":    metricsMeta,
	}, nil
}

func (r *Runner) runCollector(ctx context.Context, runID string) (map[string]any, error) {
	if r.collectorInvoker != nil {
		if err := r.collectorInvoker(ctx, runID); err != nil {
			return nil, fmt.Errorf("collector app invocation: %w", err)
		}
	}

	summary, err := ingestion.NewIngester(r.store, r.logger, r.resolver).Run(ctx, r.cfg.CollectorOutputDir, runID, r.cfg.CollectorOutputDir)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"ingestedResults":    summary.IngestedResults,
		"runs":               summary.Runs,
		"hashDuplicateCount": summary.HashDuplicateCount,
		"urlDuplicateCount":  summary.URLDuplicateCount,
	}, nil
}

func (r *Runner) runAnnotation(ctx context.Context, runID string) (map[string]any, error) {
	if r.annotationInvoker != nil {
		if err := r.annotationInvoker(ctx, runID); err != nil {
			return nil, fmt.Errorf("annotation app invocation: %w", err)
		}
	}

	return map[string]any{"status": "completed"}, nil
}

func (r *Runner) runMetrics(ctx context.Context, runID string) (map[string]any, error) {
	if r.metricsInvoker != nil {
		if err := r.metricsInvoker(ctx, runID); err != nil {
			return nil, fmt.Errorf("metrics app invocation: %w", err)
		}
	}

	exportResults := export.NewExporter(r.store, r.logger).ExportAll(ctx, export.Options{
		OutputDir: "data/export",
		RunID:     runID,
	})

	filePaths := make([]string, 0, len(exportResults))
	for _, res := range exportResults {
		filePaths = append(filePaths, res.FilePath)
	}

	report.NewGenerator(r.store, r.logger).Generate(ctx, runID)

	return map[string]any{
		"datasetExports": filePaths,
		"exportCount":    len(exportResults),
	}, nil
}

func (r *Runner) failRun(ctx context.Context, runID string, cause error) {
	now := time.Now().UTC()

	if err := r.store.RecordPipelineRun(ctx, storage.PipelineRun{
		ID:          runID,
		Status:      storage.PipelineFailed,
		StartedAt:   now,
		CompletedAt: &now,
		Error:       cause.Error(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		r.logger.Error("failed to record pipeline run failure", "runId", runID, "error", err)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

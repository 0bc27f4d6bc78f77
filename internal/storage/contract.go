package storage

import (
	"context"
	"time"
)

type (
	// SearchResultInput is the upsert payload for insertSearchResults.
	// Callers pre-deduplicate by (QueryID, Engine, URL) before calling.
	SearchResultInput = SearchResult

	// CrawlRunInput is the upsert payload for recordCrawlRuns.
	CrawlRunInput = CrawlRun

	// AnnotationInput is the upsert payload for insertAnnotationRecords.
	AnnotationInput = Annotation

	// PendingAnnotationsFilter narrows fetchPendingAnnotations.
	PendingAnnotationsFilter struct {
		QueryIDs []string
		Engines  []string
		Limit    int
	}

	// AnnotatedResultsFilter narrows fetchAnnotatedResults.
	AnnotatedResultsFilter struct {
		Since    *time.Time
		Until    *time.Time
		QueryIDs []string
		RunIDs   []string
	}

	// AlternativeSourcesFilter narrows fetchAlternativeSources.
	//
	// QueryKeywords applies a case-insensitive substring test against
	// domain + " " + normalizedUrl.
	AlternativeSourcesFilter struct {
		Since              *time.Time
		DomainTypes        []DomainType
		FactualConsistency []FactualConsistency
		ExcludeURLs        []string
		QueryKeywords       string
		Limit              int
	}

	// AnnotationAggregateFilter narrows fetchAnnotationAggregates.
	AnnotationAggregateFilter struct {
		RunIDs      []string
		QueryIDs    []string
		Engines     []string
		DomainTypes []DomainType
	}

	// ViewpointFilter narrows fetchViewpointsByQuery.
	ViewpointFilter struct {
		QueryID string
		RunID   string
		Engines []string
	}

	// DatasetExportRequest is the input to exportDataset.
	DatasetExportRequest struct {
		DatasetType DatasetType
		OutputDir   string
		RunID       string
		Format      DatasetFormat // defaults to DatasetFormatParquet when empty
		Filters     DatasetExportFilters
	}

	// DatasetExportFilters narrows which rows exportDataset writes.
	DatasetExportFilters struct {
		QueryIDs []string
		Engines  []string
		Since    *time.Time
		Until    *time.Time
	}

	// DatasetExportResult is the return value of exportDataset.
	DatasetExportResult struct {
		Version  *DatasetVersion
		FilePath string
	}

	// Store is the single capability surface of the pipeline runner, with two
	// implementations (ColumnarStore backed by Postgres, InMemoryStore for
	// tests and local development) sharing identical observable semantics.
	//
	// Operations are serialized per storage handle; the contract does not
	// require multi-writer isolation (spec.md §4.1/§5).
	Store interface {
		// fetchPendingAnnotations returns search results with no Annotation
		// row, ordered by timestamp ASC. The anti-join is set-based on
		// annotations' searchResultId.
		FetchPendingAnnotations(ctx context.Context, filter PendingAnnotationsFilter) ([]SearchResult, error)

		// insertAnnotationRecords upserts by id, and materializes/updates the
		// AnnotatedResultView row for each annotation (skipped when the
		// referenced SearchResult is absent).
		InsertAnnotationRecords(ctx context.Context, annotations []AnnotationInput) error

		// insertSearchResults upserts by id. Callers pre-deduplicate by
		// (queryId, engine, url).
		InsertSearchResults(ctx context.Context, results []SearchResultInput) error

		// recordCrawlRuns upserts by id.
		RecordCrawlRuns(ctx context.Context, runs []CrawlRunInput) error

		// fetchAnnotatedResults returns rows ordered by
		// (collectedAt ASC, queryId ASC, engine ASC, rank ASC).
		FetchAnnotatedResults(ctx context.Context, filter AnnotatedResultsFilter) ([]AnnotatedResultView, error)

		// fetchAlternativeSources returns rows matching all supplied predicates.
		FetchAlternativeSources(ctx context.Context, filter AlternativeSourcesFilter) ([]AnnotatedResultView, error)

		// insertMetricRecords upserts metric records.
		InsertMetricRecords(ctx context.Context, records []MetricRecord) error

		// fetchRecentMetricRecords returns the newest limit records by
		// collectedAt for the given metric type.
		FetchRecentMetricRecords(ctx context.Context, metricType string, limit int) ([]MetricRecord, error)

		// upsertAnnotationAggregates upserts by id.
		UpsertAnnotationAggregates(ctx context.Context, aggregates []AnnotationAggregate) error

		// fetchAnnotationAggregates returns rows matching all supplied filters.
		FetchAnnotationAggregates(ctx context.Context, filter AnnotationAggregateFilter) ([]AnnotationAggregate, error)

		// recordAuditSamples upserts by id.
		RecordAuditSamples(ctx context.Context, samples []AuditSample) error

		// fetchAuditSamples returns every AuditSample for one pipeline run.
		FetchAuditSamples(ctx context.Context, runID string) ([]AuditSample, error)

		// exportDataset writes a Parquet file, computes summary stats, and
		// persists a DatasetVersion row describing the export.
		ExportDataset(ctx context.Context, req DatasetExportRequest) (*DatasetExportResult, error)

		// fetchDatasetVersions returns the newest limit DatasetVersion rows by
		// createdAt (limit defaults to 50 when <= 0).
		FetchDatasetVersions(ctx context.Context, limit int) ([]DatasetVersion, error)

		// recordPipelineRun upserts by id.
		RecordPipelineRun(ctx context.Context, run PipelineRun) error

		// recordPipelineStage upserts by id.
		RecordPipelineStage(ctx context.Context, stage PipelineStageLog) error

		// fetchPipelineRuns returns the newest limit runs by startedAt
		// (limit defaults to 50 when <= 0).
		FetchPipelineRuns(ctx context.Context, limit int) ([]PipelineRun, error)

		// fetchPipelineStages returns every stage log for one run, ordered
		// oldest-first by (startedAt ASC, attempts ASC).
		FetchPipelineStages(ctx context.Context, runID string) ([]PipelineStageLog, error)

		// upsertViewpoints upserts by id.
		UpsertViewpoints(ctx context.Context, viewpoints []Viewpoint) error

		// fetchViewpointsByQuery returns viewpoints matching the filter.
		FetchViewpointsByQuery(ctx context.Context, filter ViewpointFilter) ([]Viewpoint, error)

		// HealthCheck verifies the backing store is reachable.
		HealthCheck(ctx context.Context) error

		// Close releases any resources held by the store.
		Close() error
	}
)

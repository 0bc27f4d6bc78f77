// Package storage provides the domain entities persisted by the search-transparency pipeline.
package storage

import (
	"errors"
	"time"
)

type (
	// SearchResult is a single engine search hit collected for one query.
	//
	// Invariants: (QueryID, Engine, URL) is unique after dedupe; Hash is the
	// hex-encoded SHA256 of url|title|snippet|timestamp when not supplied by
	// the collector; Domain is the hostname of URL when not supplied.
	SearchResult struct {
		ID            string
		CrawlRunID    string // optional, empty when not yet associated with a crawl run
		QueryID       string
		Engine        string
		Rank          int
		Title         string
		Snippet       string
		URL           string
		NormalizedURL string
		Domain        string
		Timestamp     time.Time
		Hash          string // hex, len 64
		RawHTMLPath   string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// CrawlRun is the (QueryID, Engine) unit of collection within one pipeline run.
	//
	// Exactly one CrawlRun exists per (QueryID, Engine) within a pipeline run;
	// ResultCount equals the number of SearchResults committed with that CrawlRunID.
	CrawlRun struct {
		ID          string
		BatchID     string // pipeline run id
		QueryID     string
		Engine      string
		Status      CrawlRunStatus
		StartedAt   time.Time
		CompletedAt *time.Time
		Error       string
		ResultCount int
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// CrawlRunStatus is the lifecycle state of a CrawlRun.
	CrawlRunStatus string

	// Annotation is the LLM-produced classification of one SearchResult.
	// SearchResultID is unique: at most one Annotation per SearchResult.
	Annotation struct {
		ID                 string
		SearchResultID     string
		QueryID            string
		Engine             string
		DomainType         DomainType
		FactualConsistency FactualConsistency
		Confidence         *float64 // in [0,1] when present
		PromptVersion      string
		ModelID            string
		Extra              map[string]any
		CreatedAt          time.Time
		UpdatedAt          time.Time
	}

	// DomainType classifies the editorial nature of a result's source domain.
	DomainType string

	// FactualConsistency classifies an annotation's agreement with the query's
	// established facts.
	FactualConsistency string

	// AnnotatedResultView is the read-only join of SearchResult and Annotation
	// consumed by metrics, audit, and report generation.
	//
	// RunID falls back to "QueryID|timestamp formatted as YYYYMMDDHHMMSS" when
	// the underlying SearchResult has no CrawlRunID.
	AnnotatedResultView struct {
		RunID              string
		BatchID            string
		AnnotationID       string
		QueryID            string
		Engine             string
		NormalizedURL      string
		Domain             string
		Rank               int
		FactualConsistency FactualConsistency
		DomainType         DomainType
		CollectedAt        time.Time
	}

	// MetricRecord is one computed bias/diversity measurement.
	//
	// MetricType is deliberately an open string (not a closed enum): new
	// metric types should not require a schema migration.
	MetricRecord struct {
		ID              string
		CrawlRunID      string
		QueryID         string
		Engine          string
		MetricType      string
		Value           float64
		Delta           *float64
		ComparedToRunID string
		CollectedAt     time.Time
		Extra           map[string]any
		CreatedAt       time.Time
	}

	// AnnotationAggregate is a per-run rollup of annotation counts by
	// (domainType, factualConsistency).
	AnnotationAggregate struct {
		ID                 string
		RunID              string
		QueryID            string
		Engine             string
		DomainType         DomainType
		FactualConsistency FactualConsistency
		Count              int
		TotalAnnotations   int
		CollectedAt        time.Time
		Extra              map[string]any
		CreatedAt          time.Time
	}

	// AuditSample is one row drawn for manual human review.
	AuditSample struct {
		ID           string
		RunID        string
		AnnotationID string
		QueryID      string
		Engine       string
		Reviewer     string
		Status       AuditSampleStatus
		Notes        string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// AuditSampleStatus is the manual-review lifecycle state of an AuditSample.
	AuditSampleStatus string

	// PipelineRun is one end-to-end execution of the four pipeline stages.
	PipelineRun struct {
		ID          string
		Status      PipelineStatus
		StartedAt   time.Time
		CompletedAt *time.Time
		Error       string
		Metadata    map[string]any
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// PipelineStageLog records one stage's attempts within a PipelineRun.
	PipelineStageLog struct {
		ID          string
		RunID       string
		Stage       StageName
		Status      PipelineStatus
		Attempts    int
		StartedAt   time.Time
		CompletedAt *time.Time
		Error       string
		Metadata    map[string]any
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// PipelineStatus is shared between PipelineRun and PipelineStageLog.
	PipelineStatus string

	// StageName identifies one of the three retried pipeline stages.
	StageName string

	// DatasetVersion is an immutable manifest row describing one Parquet export.
	DatasetVersion struct {
		ID          string
		DatasetType DatasetType
		Format      DatasetFormat
		Path        string
		RunID       string
		RecordCount int
		Metadata    map[string]any
		CreatedAt   time.Time
	}

	// DatasetType is one of the three exportable tabular snapshots.
	DatasetType string

	// DatasetFormat is the on-disk encoding of a DatasetVersion's file.
	DatasetFormat string

	// Viewpoint is a denormalized per-query/domain summary row surfacing
	// editorial-stance diversity. Consumed by the report generator's
	// alternative-sources recommendations.
	Viewpoint struct {
		ID          string
		QueryID     string
		RunID       string // optional
		Engine      string
		Domain      string
		DomainType  DomainType
		Stance      string // free-text classification of editorial alignment
		URL         string
		CollectedAt time.Time
		CreatedAt   time.Time
	}
)

// CrawlRun statuses.
const (
	CrawlRunRunning   CrawlRunStatus = "running"
	CrawlRunCompleted CrawlRunStatus = "completed"
	CrawlRunFailed    CrawlRunStatus = "failed"
)

// IsValid reports whether s is a recognized CrawlRunStatus.
func (s CrawlRunStatus) IsValid() bool {
	switch s {
	case CrawlRunRunning, CrawlRunCompleted, CrawlRunFailed:
		return true
	default:
		return false
	}
}

// DomainType classification values.
const (
	DomainTypeNews       DomainType = "news"
	DomainTypeGovernment DomainType = "government"
	DomainTypeAcademic   DomainType = "academic"
	DomainTypeBlog       DomainType = "blog"
	DomainTypeOther      DomainType = "other"
)

// IsValid reports whether d is a recognized DomainType.
func (d DomainType) IsValid() bool {
	switch d {
	case DomainTypeNews, DomainTypeGovernment, DomainTypeAcademic, DomainTypeBlog, DomainTypeOther:
		return true
	default:
		return false
	}
}

// FactualConsistency classification values.
const (
	FactualAligned       FactualConsistency = "aligned"
	FactualContradicted  FactualConsistency = "contradicted"
	FactualUnclear       FactualConsistency = "unclear"
	FactualNotApplicable FactualConsistency = "not_applicable"
)

// IsValid reports whether f is a recognized FactualConsistency value.
func (f FactualConsistency) IsValid() bool {
	switch f {
	case FactualAligned, FactualContradicted, FactualUnclear, FactualNotApplicable:
		return true
	default:
		return false
	}
}

// AuditSample statuses.
const (
	AuditPending  AuditSampleStatus = "pending"
	AuditApproved AuditSampleStatus = "approved"
	AuditFlagged  AuditSampleStatus = "flagged"
)

// IsValid reports whether s is a recognized AuditSampleStatus.
func (s AuditSampleStatus) IsValid() bool {
	switch s {
	case AuditPending, AuditApproved, AuditFlagged:
		return true
	default:
		return false
	}
}

// PipelineStatus values, shared by PipelineRun and PipelineStageLog.
const (
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
)

// IsValid reports whether s is a recognized PipelineStatus.
func (s PipelineStatus) IsValid() bool {
	switch s {
	case PipelineRunning, PipelineCompleted, PipelineFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a status from which no further stage logs
// for the same run are expected.
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineCompleted || s == PipelineFailed
}

// Stage names, in canonical execution order.
const (
	StageCollector  StageName = "collector"
	StageAnnotation StageName = "annotation"
	StageMetrics    StageName = "metrics"
)

// CanonicalStageOrder is the fixed execution order of the three retried stages.
func CanonicalStageOrder() []StageName {
	return []StageName{StageCollector, StageAnnotation, StageMetrics}
}

// Dataset types exportable by the Dataset Exporter.
const (
	DatasetSearchResults    DatasetType = "search_results"
	DatasetAnnotatedResults DatasetType = "annotated_results"
	DatasetMetrics          DatasetType = "metrics"
)

// IsValid reports whether d is a recognized DatasetType.
func (d DatasetType) IsValid() bool {
	switch d {
	case DatasetSearchResults, DatasetAnnotatedResults, DatasetMetrics:
		return true
	default:
		return false
	}
}

// DatasetFormatParquet is the only currently supported export format.
const DatasetFormatParquet DatasetFormat = "parquet"

// ErrUnsupportedFormat is returned by exportDataset when asked for a format
// other than DatasetFormatParquet.
var ErrUnsupportedFormat = errors.New("unsupported dataset export format")

// ErrInvalidCrawlRunTransition is returned when a CrawlRun status transition
// violates the running -> {completed, failed} state machine.
var ErrInvalidCrawlRunTransition = errors.New("invalid crawl run status transition")

// ValidateCrawlRunTransition checks whether moving a CrawlRun from "from" to
// "to" is legal. Terminal states are idempotent (completed->completed,
// failed->failed); any other transition out of a terminal state is rejected.
func ValidateCrawlRunTransition(from, to CrawlRunStatus) error {
	if from == CrawlRunRunning {
		if to == CrawlRunRunning || to == CrawlRunCompleted || to == CrawlRunFailed {
			return nil
		}

		return errInvalidTransition(from, to)
	}

	// from is a terminal state: only a repeat of the same state is allowed.
	if from == to {
		return nil
	}

	return errInvalidTransition(from, to)
}

func errInvalidTransition(from, to CrawlRunStatus) error {
	return &transitionError{from: from, to: to}
}

type transitionError struct {
	from, to CrawlRunStatus
}

func (e *transitionError) Error() string {
	return "invalid crawl run transition from " + string(e.from) + " to " + string(e.to)
}

func (e *transitionError) Unwrap() error {
	return ErrInvalidCrawlRunTransition
}

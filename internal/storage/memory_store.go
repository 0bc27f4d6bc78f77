package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe, map-backed implementation of Store used for
// unit tests and local development. It mirrors the copy-on-read/write
// discipline of InMemoryKeyStore: every map holds pointers to private copies,
// never to caller-owned values.
//
// exportDataset still writes real Parquet files (there is no reason to fake
// the filesystem side just because the row store is in-memory); summary
// stats are computed by scanning the in-memory maps instead of issuing SQL
// aggregates.
type InMemoryStore struct {
	mutex sync.RWMutex

	searchResults   map[string]*SearchResult // keyed by id
	crawlRuns       map[string]*CrawlRun      // keyed by id
	annotations     map[string]*Annotation    // keyed by id
	annotatedViews  map[string]*AnnotatedResultView // keyed by annotationId
	metricRecords   map[string]*MetricRecord  // keyed by id
	aggregates      map[string]*AnnotationAggregate // keyed by id
	auditSamples    map[string]*AuditSample   // keyed by id
	pipelineRuns    map[string]*PipelineRun   // keyed by id
	pipelineStages  map[string]*PipelineStageLog // keyed by id
	datasetVersions []*DatasetVersion
	viewpoints      map[string]*Viewpoint // keyed by id
}

// NewInMemoryStore creates an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		searchResults:  make(map[string]*SearchResult),
		crawlRuns:      make(map[string]*CrawlRun),
		annotations:    make(map[string]*Annotation),
		annotatedViews: make(map[string]*AnnotatedResultView),
		metricRecords:  make(map[string]*MetricRecord),
		aggregates:     make(map[string]*AnnotationAggregate),
		auditSamples:   make(map[string]*AuditSample),
		pipelineRuns:   make(map[string]*PipelineRun),
		pipelineStages: make(map[string]*PipelineStageLog),
		viewpoints:     make(map[string]*Viewpoint),
	}
}

var _ Store = (*InMemoryStore)(nil)

// FetchPendingAnnotations implements Store.
func (s *InMemoryStore) FetchPendingAnnotations(
	_ context.Context,
	filter PendingAnnotationsFilter,
) ([]SearchResult, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	annotated := make(map[string]bool, len(s.annotations))

	for _, a := range s.annotations {
		annotated[a.SearchResultID] = true
	}

	queryIDs := toSet(filter.QueryIDs)
	engines := toSet(filter.Engines)

	var pending []SearchResult

	for _, sr := range s.searchResults {
		if annotated[sr.ID] {
			continue
		}

		if len(queryIDs) > 0 && !queryIDs[sr.QueryID] {
			continue
		}

		if len(engines) > 0 && !engines[sr.Engine] {
			continue
		}

		pending = append(pending, *sr)
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})

	if filter.Limit > 0 && len(pending) > filter.Limit {
		pending = pending[:filter.Limit]
	}

	return pending, nil
}

// InsertAnnotationRecords implements Store.
func (s *InMemoryStore) InsertAnnotationRecords(_ context.Context, annotations []AnnotationInput) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range annotations {
		a := annotations[i]
		s.annotations[a.ID] = &a

		sr, ok := s.searchResults[a.SearchResultID]
		if !ok {
			// Matching SearchResult is absent: the view entry is skipped (spec.md §4.1).
			continue
		}

		runID := sr.CrawlRunID

		batchID := ""
		if cr, ok := s.crawlRuns[sr.CrawlRunID]; ok {
			batchID = cr.BatchID
		}

		if runID == "" {
			runID = fmt.Sprintf("%s|%s", sr.QueryID, sr.Timestamp.Format("20060102150405"))
		}

		s.annotatedViews[a.ID] = &AnnotatedResultView{
			RunID:              runID,
			BatchID:            batchID,
			AnnotationID:       a.ID,
			QueryID:            sr.QueryID,
			Engine:             sr.Engine,
			NormalizedURL:      sr.NormalizedURL,
			Domain:             sr.Domain,
			Rank:               sr.Rank,
			FactualConsistency: a.FactualConsistency,
			DomainType:         a.DomainType,
			CollectedAt:        sr.Timestamp,
		}
	}

	return nil
}

// InsertSearchResults implements Store.
func (s *InMemoryStore) InsertSearchResults(_ context.Context, results []SearchResultInput) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range results {
		r := results[i]
		s.searchResults[r.ID] = &r
	}

	return nil
}

// RecordCrawlRuns implements Store.
func (s *InMemoryStore) RecordCrawlRuns(_ context.Context, runs []CrawlRunInput) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range runs {
		r := runs[i]
		s.crawlRuns[r.ID] = &r
	}

	return nil
}

// FetchAnnotatedResults implements Store.
func (s *InMemoryStore) FetchAnnotatedResults(
	_ context.Context,
	filter AnnotatedResultsFilter,
) ([]AnnotatedResultView, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	queryIDs := toSet(filter.QueryIDs)
	runIDs := toSet(filter.RunIDs)

	var out []AnnotatedResultView

	for _, v := range s.annotatedViews {
		if filter.Since != nil && v.CollectedAt.Before(*filter.Since) {
			continue
		}

		if filter.Until != nil && v.CollectedAt.After(*filter.Until) {
			continue
		}

		if len(queryIDs) > 0 && !queryIDs[v.QueryID] {
			continue
		}

		if len(runIDs) > 0 && !runIDs[v.RunID] {
			continue
		}

		out = append(out, *v)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].CollectedAt.Before(out[j].CollectedAt)
		}

		if out[i].QueryID != out[j].QueryID {
			return out[i].QueryID < out[j].QueryID
		}

		if out[i].Engine != out[j].Engine {
			return out[i].Engine < out[j].Engine
		}

		return out[i].Rank < out[j].Rank
	})

	return out, nil
}

// FetchAlternativeSources implements Store.
func (s *InMemoryStore) FetchAlternativeSources(
	_ context.Context,
	filter AlternativeSourcesFilter,
) ([]AnnotatedResultView, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	domainTypes := make(map[DomainType]bool, len(filter.DomainTypes))
	for _, d := range filter.DomainTypes {
		domainTypes[d] = true
	}

	factuals := make(map[FactualConsistency]bool, len(filter.FactualConsistency))
	for _, f := range filter.FactualConsistency {
		factuals[f] = true
	}

	excluded := toSet(filter.ExcludeURLs)
	keywords := strings.ToLower(strings.TrimSpace(filter.QueryKeywords))

	var out []AnnotatedResultView

	for _, v := range s.annotatedViews {
		if filter.Since != nil && v.CollectedAt.Before(*filter.Since) {
			continue
		}

		if len(domainTypes) > 0 && !domainTypes[v.DomainType] {
			continue
		}

		if len(factuals) > 0 && !factuals[v.FactualConsistency] {
			continue
		}

		if excluded[v.NormalizedURL] {
			continue
		}

		if keywords != "" {
			haystack := strings.ToLower(v.Domain + " " + v.NormalizedURL)
			if !strings.Contains(haystack, keywords) {
				continue
			}
		}

		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.Before(out[j].CollectedAt) })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

// InsertMetricRecords implements Store.
func (s *InMemoryStore) InsertMetricRecords(_ context.Context, records []MetricRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range records {
		r := records[i]
		s.metricRecords[r.ID] = &r
	}

	return nil
}

// FetchRecentMetricRecords implements Store.
func (s *InMemoryStore) FetchRecentMetricRecords(
	_ context.Context,
	metricType string,
	limit int,
) ([]MetricRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []MetricRecord

	for _, r := range s.metricRecords {
		if r.MetricType == metricType {
			out = append(out, *r)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.After(out[j].CollectedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// UpsertAnnotationAggregates implements Store.
func (s *InMemoryStore) UpsertAnnotationAggregates(_ context.Context, aggregates []AnnotationAggregate) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range aggregates {
		a := aggregates[i]
		s.aggregates[a.ID] = &a
	}

	return nil
}

// FetchAnnotationAggregates implements Store.
func (s *InMemoryStore) FetchAnnotationAggregates(
	_ context.Context,
	filter AnnotationAggregateFilter,
) ([]AnnotationAggregate, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	runIDs := toSet(filter.RunIDs)
	queryIDs := toSet(filter.QueryIDs)
	engines := toSet(filter.Engines)

	domainTypes := make(map[DomainType]bool, len(filter.DomainTypes))
	for _, d := range filter.DomainTypes {
		domainTypes[d] = true
	}

	var out []AnnotationAggregate

	for _, a := range s.aggregates {
		if len(runIDs) > 0 && !runIDs[a.RunID] {
			continue
		}

		if len(queryIDs) > 0 && !queryIDs[a.QueryID] {
			continue
		}

		if len(engines) > 0 && !engines[a.Engine] {
			continue
		}

		if len(domainTypes) > 0 && !domainTypes[a.DomainType] {
			continue
		}

		out = append(out, *a)
	}

	return out, nil
}

// RecordAuditSamples implements Store.
func (s *InMemoryStore) RecordAuditSamples(_ context.Context, samples []AuditSample) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range samples {
		a := samples[i]
		s.auditSamples[a.ID] = &a
	}

	return nil
}

// FetchAuditSamples implements Store.
func (s *InMemoryStore) FetchAuditSamples(_ context.Context, runID string) ([]AuditSample, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []AuditSample

	for _, a := range s.auditSamples {
		if a.RunID == runID {
			out = append(out, *a)
		}
	}

	return out, nil
}

// ExportDataset implements Store. It scans the in-memory maps for the
// requested dataset type, applies filters, writes a Parquet file, and
// registers a DatasetVersion row.
func (s *InMemoryStore) ExportDataset(_ context.Context, req DatasetExportRequest) (*DatasetExportResult, error) {
	format := req.Format
	if format == "" {
		format = DatasetFormatParquet
	}

	if format != DatasetFormatParquet {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var (
		filePath string
		stats    exportStats
		err      error
	)

	switch req.DatasetType {
	case DatasetSearchResults:
		rows := s.filterSearchResultRows(req.Filters)
		filePath, stats, err = writeSearchResultParquet(req.OutputDir, rows)
	case DatasetAnnotatedResults:
		rows := s.filterAnnotatedResultRows(req.Filters)
		filePath, stats, err = writeAnnotatedResultParquet(req.OutputDir, rows)
	case DatasetMetrics:
		rows := s.filterMetricRows(req.Filters)
		filePath, stats, err = writeMetricParquet(req.OutputDir, rows)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.DatasetType)
	}

	if err != nil {
		return nil, err
	}

	version := &DatasetVersion{
		ID:          newDatasetVersionID(),
		DatasetType: req.DatasetType,
		Format:      format,
		Path:        filePath,
		RunID:       req.RunID,
		RecordCount: stats.count,
		Metadata:    stats.metadata(req, filePath),
		CreatedAt:   time.Now().UTC(),
	}

	s.datasetVersions = append(s.datasetVersions, version)

	return &DatasetExportResult{Version: version, FilePath: filePath}, nil
}

func (s *InMemoryStore) filterSearchResultRows(f DatasetExportFilters) []SearchResult {
	queryIDs := toSet(f.QueryIDs)
	engines := toSet(f.Engines)

	var out []SearchResult

	for _, r := range s.searchResults {
		if len(queryIDs) > 0 && !queryIDs[r.QueryID] {
			continue
		}

		if len(engines) > 0 && !engines[r.Engine] {
			continue
		}

		if f.Since != nil && r.Timestamp.Before(*f.Since) {
			continue
		}

		if f.Until != nil && r.Timestamp.After(*f.Until) {
			continue
		}

		out = append(out, *r)
	}

	return out
}

func (s *InMemoryStore) filterAnnotatedResultRows(f DatasetExportFilters) []annotatedResultExportRow {
	queryIDs := toSet(f.QueryIDs)
	engines := toSet(f.Engines)

	var out []annotatedResultExportRow

	for _, a := range s.annotations {
		sr, ok := s.searchResults[a.SearchResultID]
		if !ok {
			continue
		}

		if len(queryIDs) > 0 && !queryIDs[sr.QueryID] {
			continue
		}

		if len(engines) > 0 && !engines[sr.Engine] {
			continue
		}

		if f.Since != nil && sr.Timestamp.Before(*f.Since) {
			continue
		}

		if f.Until != nil && sr.Timestamp.After(*f.Until) {
			continue
		}

		out = append(out, annotatedResultExportRow{result: *sr, annotation: *a})
	}

	return out
}

func (s *InMemoryStore) filterMetricRows(f DatasetExportFilters) []MetricRecord {
	queryIDs := toSet(f.QueryIDs)
	engines := toSet(f.Engines)

	var out []MetricRecord

	for _, m := range s.metricRecords {
		if len(queryIDs) > 0 && !queryIDs[m.QueryID] {
			continue
		}

		if len(engines) > 0 && !engines[m.Engine] {
			continue
		}

		if f.Since != nil && m.CollectedAt.Before(*f.Since) {
			continue
		}

		if f.Until != nil && m.CollectedAt.After(*f.Until) {
			continue
		}

		out = append(out, *m)
	}

	return out
}

// RecordPipelineRun implements Store.
func (s *InMemoryStore) RecordPipelineRun(_ context.Context, run PipelineRun) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	r := run
	s.pipelineRuns[r.ID] = &r

	return nil
}

// RecordPipelineStage implements Store.
func (s *InMemoryStore) RecordPipelineStage(_ context.Context, stage PipelineStageLog) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	st := stage
	s.pipelineStages[st.ID] = &st

	return nil
}

const defaultFetchPipelineRunsLimit = 50

// FetchPipelineRuns implements Store.
func (s *InMemoryStore) FetchPipelineRuns(_ context.Context, limit int) ([]PipelineRun, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if limit <= 0 {
		limit = defaultFetchPipelineRunsLimit
	}

	out := make([]PipelineRun, 0, len(s.pipelineRuns))
	for _, r := range s.pipelineRuns {
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// FetchDatasetVersions implements Store.
func (s *InMemoryStore) FetchDatasetVersions(_ context.Context, limit int) ([]DatasetVersion, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if limit <= 0 {
		limit = defaultFetchPipelineRunsLimit
	}

	out := make([]DatasetVersion, 0, len(s.datasetVersions))
	for _, v := range s.datasetVersions {
		out = append(out, *v)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// FetchPipelineStages implements Store. Secondary ordering uses
// (startedAt ASC, attempts ASC): attempts strictly increases per upsert of
// the same stage log row, giving a stable tiebreaker when stages retry and
// share a startedAt (see DESIGN.md, resolved Open Question #3).
func (s *InMemoryStore) FetchPipelineStages(_ context.Context, runID string) ([]PipelineStageLog, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []PipelineStageLog

	for _, st := range s.pipelineStages {
		if st.RunID == runID {
			out = append(out, *st)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}

		return out[i].Attempts < out[j].Attempts
	})

	return out, nil
}

// UpsertViewpoints implements Store.
func (s *InMemoryStore) UpsertViewpoints(_ context.Context, viewpoints []Viewpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range viewpoints {
		v := viewpoints[i]
		s.viewpoints[v.ID] = &v
	}

	return nil
}

// FetchViewpointsByQuery implements Store.
func (s *InMemoryStore) FetchViewpointsByQuery(_ context.Context, filter ViewpointFilter) ([]Viewpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	engines := toSet(filter.Engines)

	var out []Viewpoint

	for _, v := range s.viewpoints {
		if v.QueryID != filter.QueryID {
			continue
		}

		if filter.RunID != "" && v.RunID != filter.RunID {
			continue
		}

		if len(engines) > 0 && !engines[v.Engine] {
			continue
		}

		out = append(out, *v)
	}

	return out, nil
}

// HealthCheck implements Store. The in-memory backend is always reachable.
func (s *InMemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close implements Store. The in-memory backend holds no external resources.
func (s *InMemoryStore) Close() error {
	return nil
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}

	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}

	return set
}

func newDatasetVersionID() string {
	return "dsv_" + time.Now().UTC().Format("20060102T150405.000000000Z")
}

// ensureDatasetDir creates outputDir/datasetType when it does not already exist.
func ensureDatasetDir(outputDir string, datasetType DatasetType) (string, error) {
	dir := filepath.Join(outputDir, string(datasetType))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create dataset export directory: %w", err)
	}

	return dir, nil
}

// safeTimestamp formats t as an ISO instant with ':' and '.' replaced by '-',
// matching the filename convention in spec.md §4.1/§6.
func safeTimestamp(t time.Time) string {
	ts := t.UTC().Format(time.RFC3339Nano)
	ts = strings.ReplaceAll(ts, ":", "-")
	ts = strings.ReplaceAll(ts, ".", "-")

	return ts
}

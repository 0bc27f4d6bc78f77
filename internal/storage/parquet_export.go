package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
)

// exportStats summarizes one dataset export for DatasetVersion.Metadata:
// count, distinct query/engine values, and the collected timestamp range.
type exportStats struct {
	count           int
	distinctQueries map[string]struct{}
	distinctEngines map[string]struct{}
	minTimestamp    time.Time
	maxTimestamp    time.Time
}

func newExportStats() exportStats {
	return exportStats{
		distinctQueries: make(map[string]struct{}),
		distinctEngines: make(map[string]struct{}),
	}
}

func (s *exportStats) observe(queryID, engine string, at time.Time) {
	s.count++
	s.distinctQueries[queryID] = struct{}{}
	s.distinctEngines[engine] = struct{}{}

	if s.minTimestamp.IsZero() || at.Before(s.minTimestamp) {
		s.minTimestamp = at
	}

	if at.After(s.maxTimestamp) {
		s.maxTimestamp = at
	}
}

func (s exportStats) metadata(req DatasetExportRequest, filePath string) map[string]any {
	timeRange := map[string]any{}
	if !s.minTimestamp.IsZero() {
		timeRange["min"] = s.minTimestamp.UTC().Format(time.RFC3339Nano)
		timeRange["max"] = s.maxTimestamp.UTC().Format(time.RFC3339Nano)
	}

	return map[string]any{
		"datasetType":     string(req.DatasetType),
		"runId":           req.RunID,
		"filters":         req.Filters,
		"recordCount":     s.count,
		"distinctQueries": len(s.distinctQueries),
		"distinctEngines": len(s.distinctEngines),
		"timeRange":       timeRange,
		"fileName":        filepath.Base(filePath),
		"generatedAt":     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// searchResultParquetRow is the flattened on-disk shape of a SearchResult.
type searchResultParquetRow struct {
	ID            string `parquet:"id"`
	CrawlRunID    string `parquet:"crawl_run_id"`
	QueryID       string `parquet:"query_id"`
	Engine        string `parquet:"engine"`
	Rank          int    `parquet:"rank"`
	Title         string `parquet:"title"`
	Snippet       string `parquet:"snippet"`
	URL           string `parquet:"url"`
	NormalizedURL string `parquet:"normalized_url"`
	Domain        string `parquet:"domain"`
	Timestamp     int64  `parquet:"timestamp"`
	Hash          string `parquet:"hash"`
}

// annotatedResultExportRow pairs one SearchResult with its Annotation for
// the annotated_results dataset.
type annotatedResultExportRow struct {
	result     SearchResult
	annotation Annotation
}

type annotatedResultParquetRow struct {
	RunID              string  `parquet:"run_id"`
	AnnotationID       string  `parquet:"annotation_id"`
	QueryID            string  `parquet:"query_id"`
	Engine             string  `parquet:"engine"`
	NormalizedURL      string  `parquet:"normalized_url"`
	Domain             string  `parquet:"domain"`
	Rank               int     `parquet:"rank"`
	DomainType         string  `parquet:"domain_type"`
	FactualConsistency string  `parquet:"factual_consistency"`
	Confidence         float64 `parquet:"confidence"`
	CollectedAt        int64   `parquet:"collected_at"`
}

type metricParquetRow struct {
	ID          string  `parquet:"id"`
	CrawlRunID  string  `parquet:"crawl_run_id"`
	QueryID     string  `parquet:"query_id"`
	Engine      string  `parquet:"engine"`
	MetricType  string  `parquet:"metric_type"`
	Value       float64 `parquet:"value"`
	CollectedAt int64   `parquet:"collected_at"`
}

func writeSearchResultParquet(outputDir string, rows []SearchResult) (string, exportStats, error) {
	parquetRows := make([]searchResultParquetRow, 0, len(rows))
	stats := newExportStats()

	for _, r := range rows {
		stats.observe(r.QueryID, r.Engine, r.Timestamp)

		parquetRows = append(parquetRows, searchResultParquetRow{
			ID:            r.ID,
			CrawlRunID:    r.CrawlRunID,
			QueryID:       r.QueryID,
			Engine:        r.Engine,
			Rank:          r.Rank,
			Title:         r.Title,
			Snippet:       r.Snippet,
			URL:           r.URL,
			NormalizedURL: r.NormalizedURL,
			Domain:        r.Domain,
			Timestamp:     r.Timestamp.UnixNano(),
			Hash:          r.Hash,
		})
	}

	path, err := writeParquetFile(outputDir, DatasetSearchResults, parquetRows)

	return path, stats, err
}

func writeAnnotatedResultParquet(outputDir string, rows []annotatedResultExportRow) (string, exportStats, error) {
	parquetRows := make([]annotatedResultParquetRow, 0, len(rows))
	stats := newExportStats()

	for _, r := range rows {
		stats.observe(r.result.QueryID, r.result.Engine, r.result.Timestamp)

		confidence := 0.0
		if r.annotation.Confidence != nil {
			confidence = *r.annotation.Confidence
		}

		runID := r.result.CrawlRunID
		if runID == "" {
			runID = fmt.Sprintf("%s|%s", r.result.QueryID, r.result.Timestamp.Format("20060102150405"))
		}

		parquetRows = append(parquetRows, annotatedResultParquetRow{
			RunID:              runID,
			AnnotationID:       r.annotation.ID,
			QueryID:            r.result.QueryID,
			Engine:             r.result.Engine,
			NormalizedURL:      r.result.NormalizedURL,
			Domain:             r.result.Domain,
			Rank:               r.result.Rank,
			DomainType:         string(r.annotation.DomainType),
			FactualConsistency: string(r.annotation.FactualConsistency),
			Confidence:         confidence,
			CollectedAt:        r.result.Timestamp.UnixNano(),
		})
	}

	path, err := writeParquetFile(outputDir, DatasetAnnotatedResults, parquetRows)

	return path, stats, err
}

func writeMetricParquet(outputDir string, rows []MetricRecord) (string, exportStats, error) {
	parquetRows := make([]metricParquetRow, 0, len(rows))
	stats := newExportStats()

	for _, r := range rows {
		stats.observe(r.QueryID, r.Engine, r.CollectedAt)

		parquetRows = append(parquetRows, metricParquetRow{
			ID:          r.ID,
			CrawlRunID:  r.CrawlRunID,
			QueryID:     r.QueryID,
			Engine:      r.Engine,
			MetricType:  r.MetricType,
			Value:       r.Value,
			CollectedAt: r.CollectedAt.UnixNano(),
		})
	}

	path, err := writeParquetFile(outputDir, DatasetMetrics, parquetRows)

	return path, stats, err
}

// writeParquetFile writes rows to a new file under outputDir/datasetType,
// named by the current UTC instant, using parquet-go's generic writer.
func writeParquetFile[T any](outputDir string, datasetType DatasetType, rows []T) (string, error) {
	dir, err := ensureDatasetDir(outputDir, datasetType)
	if err != nil {
		return "", err
	}

	fileName := fmt.Sprintf("%s-%s.parquet", datasetType, safeTimestamp(time.Now()))
	path := filepath.Join(dir, fileName)

	file, err := os.Create(path) //nolint:gosec // path is built from trusted config + dataset type
	if err != nil {
		return "", fmt.Errorf("failed to create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](file)

	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			_ = writer.Close()
			_ = file.Close()

			return "", fmt.Errorf("failed to write parquet rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		_ = file.Close()

		return "", fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close parquet file: %w", err)
	}

	return path, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

var _ Store = (*ColumnarStore)(nil)

// ColumnarStore implements Store with a PostgreSQL backend.
//
// Every batch write runs inside a single transaction per call: either the
// whole batch lands or none of it does. Rows are upserted by primary key via
// ON CONFLICT DO UPDATE, so re-running a pipeline stage after a crash never
// produces duplicate rows (spec.md §4.1).
type ColumnarStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewColumnarStore wraps an existing database Connection as a Store.
func NewColumnarStore(conn *Connection, logger *slog.Logger) (*ColumnarStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("columnar store: %w", ErrNoDatabaseConnection)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ColumnarStore{conn: conn, logger: logger}, nil
}

// HealthCheck implements Store.
func (s *ColumnarStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close implements Store.
func (s *ColumnarStore) Close() error {
	return s.conn.Close()
}

// InsertSearchResults implements Store.
func (s *ColumnarStore) InsertSearchResults(ctx context.Context, results []SearchResultInput) error {
	if len(results) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO search_results (
				id, crawl_run_id, query_id, engine, rank, title, snippet, url,
				normalized_url, domain, timestamp, hash, raw_html_path, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				crawl_run_id = EXCLUDED.crawl_run_id,
				rank = EXCLUDED.rank,
				title = EXCLUDED.title,
				snippet = EXCLUDED.snippet,
				normalized_url = EXCLUDED.normalized_url,
				domain = EXCLUDED.domain,
				hash = EXCLUDED.hash,
				raw_html_path = EXCLUDED.raw_html_path,
				updated_at = NOW()
		`

		for _, r := range results {
			if _, err := tx.ExecContext(ctx, query,
				r.ID, nullableString(r.CrawlRunID), r.QueryID, r.Engine, r.Rank, r.Title, r.Snippet,
				r.URL, r.NormalizedURL, r.Domain, r.Timestamp, r.Hash, nullableString(r.RawHTMLPath),
			); err != nil {
				return fmt.Errorf("failed to upsert search_result %s: %w", r.ID, err)
			}
		}

		return nil
	})
}

// RecordCrawlRuns implements Store.
func (s *ColumnarStore) RecordCrawlRuns(ctx context.Context, runs []CrawlRunInput) error {
	if len(runs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO crawl_runs (
				id, batch_id, query_id, engine, status, started_at, completed_at,
				error, result_count, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				completed_at = EXCLUDED.completed_at,
				error = EXCLUDED.error,
				result_count = EXCLUDED.result_count,
				updated_at = NOW()
		`

		for _, r := range runs {
			if _, err := tx.ExecContext(ctx, query,
				r.ID, r.BatchID, r.QueryID, r.Engine, string(r.Status), r.StartedAt,
				nullableTime(r.CompletedAt), nullableString(r.Error), r.ResultCount,
			); err != nil {
				return fmt.Errorf("failed to upsert crawl_run %s: %w", r.ID, err)
			}
		}

		return nil
	})
}

// FetchPendingAnnotations implements Store.
func (s *ColumnarStore) FetchPendingAnnotations(
	ctx context.Context,
	filter PendingAnnotationsFilter,
) ([]SearchResult, error) {
	clauses := []string{"NOT EXISTS (SELECT 1 FROM annotations a WHERE a.search_result_id = sr.id)"}
	args := []any{}

	if len(filter.QueryIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("sr.query_id = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.QueryIDs))
	}

	if len(filter.Engines) > 0 {
		clauses = append(clauses, fmt.Sprintf("sr.engine = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.Engines))
	}

	query := fmt.Sprintf(`
		SELECT sr.id, sr.crawl_run_id, sr.query_id, sr.engine, sr.rank, sr.title, sr.snippet,
			sr.url, sr.normalized_url, sr.domain, sr.timestamp, sr.hash, sr.raw_html_path,
			sr.created_at, sr.updated_at
		FROM search_results sr
		WHERE %s
		ORDER BY sr.timestamp ASC
	`, strings.Join(clauses, " AND "))

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending annotations: %w", err)
	}
	defer rows.Close()

	var out []SearchResult

	for rows.Next() {
		var (
			r          SearchResult
			crawlRunID sql.NullString
			rawHTML    sql.NullString
		)

		if err := rows.Scan(
			&r.ID, &crawlRunID, &r.QueryID, &r.Engine, &r.Rank, &r.Title, &r.Snippet,
			&r.URL, &r.NormalizedURL, &r.Domain, &r.Timestamp, &r.Hash, &rawHTML,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan search_result row: %w", err)
		}

		r.CrawlRunID = crawlRunID.String
		r.RawHTMLPath = rawHTML.String
		out = append(out, r)
	}

	return out, rows.Err()
}

// InsertAnnotationRecords implements Store.
func (s *ColumnarStore) InsertAnnotationRecords(ctx context.Context, annotations []AnnotationInput) error {
	if len(annotations) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO annotations (
				id, search_result_id, query_id, engine, domain_type, factual_consistency,
				confidence, prompt_version, model_id, extra, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				domain_type = EXCLUDED.domain_type,
				factual_consistency = EXCLUDED.factual_consistency,
				confidence = EXCLUDED.confidence,
				extra = EXCLUDED.extra,
				updated_at = NOW()
		`

		for _, a := range annotations {
			extraJSON, err := marshalJSONBAny(a.Extra)
			if err != nil {
				return fmt.Errorf("failed to marshal annotation extra for %s: %w", a.ID, err)
			}

			if _, err := tx.ExecContext(ctx, query,
				a.ID, a.SearchResultID, a.QueryID, a.Engine, string(a.DomainType),
				string(a.FactualConsistency), nullableFloat(a.Confidence), a.PromptVersion,
				a.ModelID, extraJSON,
			); err != nil {
				return fmt.Errorf("failed to upsert annotation %s: %w", a.ID, err)
			}
		}

		return nil
	})
}

// FetchAnnotatedResults implements Store.
func (s *ColumnarStore) FetchAnnotatedResults(
	ctx context.Context,
	filter AnnotatedResultsFilter,
) ([]AnnotatedResultView, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.Since != nil {
		clauses = append(clauses, fmt.Sprintf("sr.timestamp >= $%d", len(args)+1))
		args = append(args, *filter.Since)
	}

	if filter.Until != nil {
		clauses = append(clauses, fmt.Sprintf("sr.timestamp <= $%d", len(args)+1))
		args = append(args, *filter.Until)
	}

	if len(filter.QueryIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("sr.query_id = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.QueryIDs))
	}

	if len(filter.RunIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("COALESCE(cr.batch_id, '') = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.RunIDs))
	}

	query := fmt.Sprintf(`
		SELECT
			COALESCE(cr.batch_id, sr.query_id || '|' || to_char(sr.timestamp, 'YYYYMMDDHH24MISS')) AS run_id,
			COALESCE(cr.batch_id, '') AS batch_id,
			a.id, sr.query_id, sr.engine, sr.normalized_url, sr.domain, sr.rank,
			a.factual_consistency, a.domain_type, sr.timestamp
		FROM annotations a
		JOIN search_results sr ON sr.id = a.search_result_id
		LEFT JOIN crawl_runs cr ON cr.id = sr.crawl_run_id
		WHERE %s
		ORDER BY sr.timestamp ASC, sr.query_id ASC, sr.engine ASC, sr.rank ASC
	`, strings.Join(clauses, " AND "))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch annotated results: %w", err)
	}
	defer rows.Close()

	var out []AnnotatedResultView

	for rows.Next() {
		var v AnnotatedResultView

		var factual, domainType string

		if err := rows.Scan(
			&v.RunID, &v.BatchID, &v.AnnotationID, &v.QueryID, &v.Engine, &v.NormalizedURL,
			&v.Domain, &v.Rank, &factual, &domainType, &v.CollectedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan annotated_result row: %w", err)
		}

		v.FactualConsistency = FactualConsistency(factual)
		v.DomainType = DomainType(domainType)
		out = append(out, v)
	}

	return out, rows.Err()
}

// FetchAlternativeSources implements Store.
func (s *ColumnarStore) FetchAlternativeSources(
	ctx context.Context,
	filter AlternativeSourcesFilter,
) ([]AnnotatedResultView, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.Since != nil {
		clauses = append(clauses, fmt.Sprintf("sr.timestamp >= $%d", len(args)+1))
		args = append(args, *filter.Since)
	}

	if len(filter.DomainTypes) > 0 {
		types := make([]string, len(filter.DomainTypes))
		for i, d := range filter.DomainTypes {
			types[i] = string(d)
		}

		clauses = append(clauses, fmt.Sprintf("a.domain_type = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(types))
	}

	if len(filter.FactualConsistency) > 0 {
		values := make([]string, len(filter.FactualConsistency))
		for i, f := range filter.FactualConsistency {
			values[i] = string(f)
		}

		clauses = append(clauses, fmt.Sprintf("a.factual_consistency = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(values))
	}

	if len(filter.ExcludeURLs) > 0 {
		clauses = append(clauses, fmt.Sprintf("NOT (sr.normalized_url = ANY($%d))", len(args)+1))
		args = append(args, pq.Array(filter.ExcludeURLs))
	}

	if keywords := strings.TrimSpace(filter.QueryKeywords); keywords != "" {
		clauses = append(clauses, fmt.Sprintf("(sr.domain || ' ' || sr.normalized_url) ILIKE $%d", len(args)+1))
		args = append(args, "%"+keywords+"%")
	}

	query := fmt.Sprintf(`
		SELECT
			COALESCE(cr.batch_id, sr.query_id || '|' || to_char(sr.timestamp, 'YYYYMMDDHH24MISS')) AS run_id,
			COALESCE(cr.batch_id, '') AS batch_id,
			a.id, sr.query_id, sr.engine, sr.normalized_url, sr.domain, sr.rank,
			a.factual_consistency, a.domain_type, sr.timestamp
		FROM annotations a
		JOIN search_results sr ON sr.id = a.search_result_id
		LEFT JOIN crawl_runs cr ON cr.id = sr.crawl_run_id
		WHERE %s
		ORDER BY sr.timestamp ASC
	`, strings.Join(clauses, " AND "))

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alternative sources: %w", err)
	}
	defer rows.Close()

	var out []AnnotatedResultView

	for rows.Next() {
		var v AnnotatedResultView

		var factual, domainType string

		if err := rows.Scan(
			&v.RunID, &v.BatchID, &v.AnnotationID, &v.QueryID, &v.Engine, &v.NormalizedURL,
			&v.Domain, &v.Rank, &factual, &domainType, &v.CollectedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alternative_source row: %w", err)
		}

		v.FactualConsistency = FactualConsistency(factual)
		v.DomainType = DomainType(domainType)
		out = append(out, v)
	}

	return out, rows.Err()
}

// InsertMetricRecords implements Store.
func (s *ColumnarStore) InsertMetricRecords(ctx context.Context, records []MetricRecord) error {
	if len(records) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO metric_records (
				id, crawl_run_id, query_id, engine, metric_type, value, delta,
				compared_to_run_id, collected_at, extra, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (id) DO UPDATE SET
				value = EXCLUDED.value,
				delta = EXCLUDED.delta,
				extra = EXCLUDED.extra
		`

		for _, r := range records {
			extraJSON, err := marshalJSONBAny(r.Extra)
			if err != nil {
				return fmt.Errorf("failed to marshal metric extra for %s: %w", r.ID, err)
			}

			if _, err := tx.ExecContext(ctx, query,
				r.ID, nullableString(r.CrawlRunID), r.QueryID, r.Engine, r.MetricType, r.Value,
				nullableFloat(r.Delta), nullableString(r.ComparedToRunID), r.CollectedAt, extraJSON,
			); err != nil {
				return fmt.Errorf("failed to upsert metric_record %s: %w", r.ID, err)
			}
		}

		return nil
	})
}

// FetchRecentMetricRecords implements Store.
func (s *ColumnarStore) FetchRecentMetricRecords(
	ctx context.Context,
	metricType string,
	limit int,
) ([]MetricRecord, error) {
	if limit <= 0 {
		limit = defaultFetchPipelineRunsLimit
	}

	const query = `
		SELECT id, crawl_run_id, query_id, engine, metric_type, value, delta,
			compared_to_run_id, collected_at, extra, created_at
		FROM metric_records
		WHERE metric_type = $1
		ORDER BY collected_at DESC
		LIMIT $2
	`

	rows, err := s.conn.QueryContext(ctx, query, metricType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent metric records: %w", err)
	}
	defer rows.Close()

	var out []MetricRecord

	for rows.Next() {
		var (
			r               MetricRecord
			crawlRunID      sql.NullString
			delta           sql.NullFloat64
			comparedToRunID sql.NullString
			extra           sql.NullString
		)

		if err := rows.Scan(
			&r.ID, &crawlRunID, &r.QueryID, &r.Engine, &r.MetricType, &r.Value, &delta,
			&comparedToRunID, &r.CollectedAt, &extra, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan metric_record row: %w", err)
		}

		r.CrawlRunID = crawlRunID.String
		r.ComparedToRunID = comparedToRunID.String

		if delta.Valid {
			d := delta.Float64
			r.Delta = &d
		}

		if extra.Valid {
			if err := json.Unmarshal([]byte(extra.String), &r.Extra); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metric_record extra: %w", err)
			}
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// UpsertAnnotationAggregates implements Store.
func (s *ColumnarStore) UpsertAnnotationAggregates(ctx context.Context, aggregates []AnnotationAggregate) error {
	if len(aggregates) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO annotation_aggregates (
				id, run_id, query_id, engine, domain_type, factual_consistency, count,
				total_annotations, collected_at, extra, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (id) DO UPDATE SET
				count = EXCLUDED.count,
				total_annotations = EXCLUDED.total_annotations,
				extra = EXCLUDED.extra
		`

		for _, a := range aggregates {
			extraJSON, err := marshalJSONBAny(a.Extra)
			if err != nil {
				return fmt.Errorf("failed to marshal aggregate extra for %s: %w", a.ID, err)
			}

			if _, err := tx.ExecContext(ctx, query,
				a.ID, a.RunID, a.QueryID, a.Engine, string(a.DomainType), string(a.FactualConsistency),
				a.Count, a.TotalAnnotations, a.CollectedAt, extraJSON,
			); err != nil {
				return fmt.Errorf("failed to upsert annotation_aggregate %s: %w", a.ID, err)
			}
		}

		return nil
	})
}

// FetchAnnotationAggregates implements Store.
func (s *ColumnarStore) FetchAnnotationAggregates(
	ctx context.Context,
	filter AnnotationAggregateFilter,
) ([]AnnotationAggregate, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if len(filter.RunIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("run_id = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.RunIDs))
	}

	if len(filter.QueryIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("query_id = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.QueryIDs))
	}

	if len(filter.Engines) > 0 {
		clauses = append(clauses, fmt.Sprintf("engine = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.Engines))
	}

	if len(filter.DomainTypes) > 0 {
		types := make([]string, len(filter.DomainTypes))
		for i, d := range filter.DomainTypes {
			types[i] = string(d)
		}

		clauses = append(clauses, fmt.Sprintf("domain_type = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(types))
	}

	query := fmt.Sprintf(`
		SELECT id, run_id, query_id, engine, domain_type, factual_consistency, count,
			total_annotations, collected_at, extra, created_at
		FROM annotation_aggregates
		WHERE %s
	`, strings.Join(clauses, " AND "))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch annotation aggregates: %w", err)
	}
	defer rows.Close()

	var out []AnnotationAggregate

	for rows.Next() {
		var (
			a         AnnotationAggregate
			domain    string
			factual   string
			extraJSON sql.NullString
		)

		if err := rows.Scan(
			&a.ID, &a.RunID, &a.QueryID, &a.Engine, &domain, &factual, &a.Count,
			&a.TotalAnnotations, &a.CollectedAt, &extraJSON, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan annotation_aggregate row: %w", err)
		}

		a.DomainType = DomainType(domain)
		a.FactualConsistency = FactualConsistency(factual)

		if extraJSON.Valid {
			if err := json.Unmarshal([]byte(extraJSON.String), &a.Extra); err != nil {
				return nil, fmt.Errorf("failed to unmarshal annotation_aggregate extra: %w", err)
			}
		}

		out = append(out, a)
	}

	return out, rows.Err()
}

// RecordAuditSamples implements Store.
func (s *ColumnarStore) RecordAuditSamples(ctx context.Context, samples []AuditSample) error {
	if len(samples) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO audit_samples (
				id, run_id, annotation_id, query_id, engine, reviewer, status, notes,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				reviewer = EXCLUDED.reviewer,
				status = EXCLUDED.status,
				notes = EXCLUDED.notes,
				updated_at = NOW()
		`

		for _, a := range samples {
			if _, err := tx.ExecContext(ctx, query,
				a.ID, a.RunID, a.AnnotationID, a.QueryID, a.Engine, a.Reviewer, string(a.Status), a.Notes,
			); err != nil {
				return fmt.Errorf("failed to upsert audit_sample %s: %w", a.ID, err)
			}
		}

		return nil
	})
}

// FetchAuditSamples implements Store.
func (s *ColumnarStore) FetchAuditSamples(ctx context.Context, runID string) ([]AuditSample, error) {
	const query = `
		SELECT id, run_id, annotation_id, query_id, engine, reviewer, status, notes,
			created_at, updated_at
		FROM audit_samples
		WHERE run_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit samples: %w", err)
	}
	defer rows.Close()

	var out []AuditSample

	for rows.Next() {
		var (
			a      AuditSample
			status string
		)

		if err := rows.Scan(
			&a.ID, &a.RunID, &a.AnnotationID, &a.QueryID, &a.Engine, &a.Reviewer, &status, &a.Notes,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit_sample row: %w", err)
		}

		a.Status = AuditSampleStatus(status)
		out = append(out, a)
	}

	return out, rows.Err()
}

// ExportDataset implements Store. Rows are pulled from Postgres with the
// same filters used by FetchAnnotatedResults/FetchAnnotationAggregates,
// then handed to the shared Parquet writer (parquet_export.go) used by
// both backends.
func (s *ColumnarStore) ExportDataset(ctx context.Context, req DatasetExportRequest) (*DatasetExportResult, error) {
	format := req.Format
	if format == "" {
		format = DatasetFormatParquet
	}

	if format != DatasetFormatParquet {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	var (
		filePath string
		stats    exportStats
		err      error
	)

	switch req.DatasetType {
	case DatasetSearchResults:
		rows, fetchErr := s.fetchSearchResultExportRows(ctx, req.Filters)
		if fetchErr != nil {
			return nil, fetchErr
		}

		filePath, stats, err = writeSearchResultParquet(req.OutputDir, rows)
	case DatasetAnnotatedResults:
		rows, fetchErr := s.fetchAnnotatedResultExportRows(ctx, req.Filters)
		if fetchErr != nil {
			return nil, fetchErr
		}

		filePath, stats, err = writeAnnotatedResultParquet(req.OutputDir, rows)
	case DatasetMetrics:
		rows, fetchErr := s.fetchMetricExportRows(ctx, req.Filters)
		if fetchErr != nil {
			return nil, fetchErr
		}

		filePath, stats, err = writeMetricParquet(req.OutputDir, rows)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.DatasetType)
	}

	if err != nil {
		return nil, err
	}

	version := DatasetVersion{
		ID:          newDatasetVersionID(),
		DatasetType: req.DatasetType,
		Format:      format,
		Path:        filePath,
		RunID:       req.RunID,
		RecordCount: stats.count,
		Metadata:    stats.metadata(req, filePath),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.insertDatasetVersion(ctx, version); err != nil {
		return nil, err
	}

	return &DatasetExportResult{Version: &version, FilePath: filePath}, nil
}

func (s *ColumnarStore) fetchSearchResultExportRows(
	ctx context.Context,
	f DatasetExportFilters,
) ([]SearchResult, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if len(f.QueryIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("query_id = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(f.QueryIDs))
	}

	if len(f.Engines) > 0 {
		clauses = append(clauses, fmt.Sprintf("engine = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(f.Engines))
	}

	if f.Since != nil {
		clauses = append(clauses, fmt.Sprintf("timestamp >= $%d", len(args)+1))
		args = append(args, *f.Since)
	}

	if f.Until != nil {
		clauses = append(clauses, fmt.Sprintf("timestamp <= $%d", len(args)+1))
		args = append(args, *f.Until)
	}

	query := fmt.Sprintf(`
		SELECT id, crawl_run_id, query_id, engine, rank, title, snippet, url,
			normalized_url, domain, timestamp, hash, raw_html_path, created_at, updated_at
		FROM search_results
		WHERE %s
	`, strings.Join(clauses, " AND "))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch search_results for export: %w", err)
	}
	defer rows.Close()

	var out []SearchResult

	for rows.Next() {
		var (
			r          SearchResult
			crawlRunID sql.NullString
			rawHTML    sql.NullString
		)

		if err := rows.Scan(
			&r.ID, &crawlRunID, &r.QueryID, &r.Engine, &r.Rank, &r.Title, &r.Snippet,
			&r.URL, &r.NormalizedURL, &r.Domain, &r.Timestamp, &r.Hash, &rawHTML,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan search_result export row: %w", err)
		}

		r.CrawlRunID = crawlRunID.String
		r.RawHTMLPath = rawHTML.String
		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *ColumnarStore) fetchAnnotatedResultExportRows(
	ctx context.Context,
	f DatasetExportFilters,
) ([]annotatedResultExportRow, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if len(f.QueryIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("sr.query_id = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(f.QueryIDs))
	}

	if len(f.Engines) > 0 {
		clauses = append(clauses, fmt.Sprintf("sr.engine = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(f.Engines))
	}

	if f.Since != nil {
		clauses = append(clauses, fmt.Sprintf("sr.timestamp >= $%d", len(args)+1))
		args = append(args, *f.Since)
	}

	if f.Until != nil {
		clauses = append(clauses, fmt.Sprintf("sr.timestamp <= $%d", len(args)+1))
		args = append(args, *f.Until)
	}

	query := fmt.Sprintf(`
		SELECT sr.id, sr.crawl_run_id, sr.query_id, sr.engine, sr.rank, sr.title, sr.snippet,
			sr.url, sr.normalized_url, sr.domain, sr.timestamp, sr.hash, sr.raw_html_path,
			sr.created_at, sr.updated_at,
			a.id, a.search_result_id, a.query_id, a.engine, a.domain_type, a.factual_consistency,
			a.confidence, a.prompt_version, a.model_id, a.created_at, a.updated_at
		FROM annotations a
		JOIN search_results sr ON sr.id = a.search_result_id
		WHERE %s
	`, strings.Join(clauses, " AND "))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch annotated_results for export: %w", err)
	}
	defer rows.Close()

	var out []annotatedResultExportRow

	for rows.Next() {
		var (
			row               annotatedResultExportRow
			crawlRunID        sql.NullString
			rawHTML           sql.NullString
			domainType        string
			factual           string
			confidence        sql.NullFloat64
		)

		if err := rows.Scan(
			&row.result.ID, &crawlRunID, &row.result.QueryID, &row.result.Engine, &row.result.Rank,
			&row.result.Title, &row.result.Snippet, &row.result.URL, &row.result.NormalizedURL,
			&row.result.Domain, &row.result.Timestamp, &row.result.Hash, &rawHTML,
			&row.result.CreatedAt, &row.result.UpdatedAt,
			&row.annotation.ID, &row.annotation.SearchResultID, &row.annotation.QueryID,
			&row.annotation.Engine, &domainType, &factual, &confidence,
			&row.annotation.PromptVersion, &row.annotation.ModelID,
			&row.annotation.CreatedAt, &row.annotation.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan annotated_result export row: %w", err)
		}

		row.result.CrawlRunID = crawlRunID.String
		row.result.RawHTMLPath = rawHTML.String
		row.annotation.DomainType = DomainType(domainType)
		row.annotation.FactualConsistency = FactualConsistency(factual)

		if confidence.Valid {
			c := confidence.Float64
			row.annotation.Confidence = &c
		}

		out = append(out, row)
	}

	return out, rows.Err()
}

func (s *ColumnarStore) fetchMetricExportRows(ctx context.Context, f DatasetExportFilters) ([]MetricRecord, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if len(f.QueryIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("query_id = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(f.QueryIDs))
	}

	if len(f.Engines) > 0 {
		clauses = append(clauses, fmt.Sprintf("engine = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(f.Engines))
	}

	if f.Since != nil {
		clauses = append(clauses, fmt.Sprintf("collected_at >= $%d", len(args)+1))
		args = append(args, *f.Since)
	}

	if f.Until != nil {
		clauses = append(clauses, fmt.Sprintf("collected_at <= $%d", len(args)+1))
		args = append(args, *f.Until)
	}

	query := fmt.Sprintf(`
		SELECT id, crawl_run_id, query_id, engine, metric_type, value, collected_at
		FROM metric_records
		WHERE %s
	`, strings.Join(clauses, " AND "))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metric_records for export: %w", err)
	}
	defer rows.Close()

	var out []MetricRecord

	for rows.Next() {
		var (
			r          MetricRecord
			crawlRunID sql.NullString
		)

		if err := rows.Scan(
			&r.ID, &crawlRunID, &r.QueryID, &r.Engine, &r.MetricType, &r.Value, &r.CollectedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan metric_record export row: %w", err)
		}

		r.CrawlRunID = crawlRunID.String
		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *ColumnarStore) insertDatasetVersion(ctx context.Context, v DatasetVersion) error {
	metadataJSON, err := marshalJSONBAny(v.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset_version metadata: %w", err)
	}

	const query = `
		INSERT INTO dataset_versions (id, dataset_type, format, path, run_id, record_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	if _, err := s.conn.ExecContext(ctx, query,
		v.ID, string(v.DatasetType), string(v.Format), v.Path, nullableString(v.RunID), v.RecordCount, metadataJSON,
	); err != nil {
		return fmt.Errorf("failed to insert dataset_version %s: %w", v.ID, err)
	}

	return nil
}

// RecordPipelineRun implements Store.
func (s *ColumnarStore) RecordPipelineRun(ctx context.Context, run PipelineRun) error {
	metadataJSON, err := marshalJSONBAny(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline_run metadata: %w", err)
	}

	const query = `
		INSERT INTO pipeline_runs (id, status, started_at, completed_at, error, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`

	if _, err := s.conn.ExecContext(ctx, query,
		run.ID, string(run.Status), run.StartedAt, nullableTime(run.CompletedAt),
		nullableString(run.Error), metadataJSON,
	); err != nil {
		return fmt.Errorf("failed to upsert pipeline_run %s: %w", run.ID, err)
	}

	return nil
}

// RecordPipelineStage implements Store.
func (s *ColumnarStore) RecordPipelineStage(ctx context.Context, stage PipelineStageLog) error {
	metadataJSON, err := marshalJSONBAny(stage.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline_stage_log metadata: %w", err)
	}

	const query = `
		INSERT INTO pipeline_stage_logs (
			id, run_id, stage, status, attempts, started_at, completed_at, error, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`

	if _, err := s.conn.ExecContext(ctx, query,
		stage.ID, stage.RunID, string(stage.Stage), string(stage.Status), stage.Attempts,
		stage.StartedAt, nullableTime(stage.CompletedAt), nullableString(stage.Error), metadataJSON,
	); err != nil {
		return fmt.Errorf("failed to upsert pipeline_stage_log %s: %w", stage.ID, err)
	}

	return nil
}

// FetchPipelineRuns implements Store.
func (s *ColumnarStore) FetchPipelineRuns(ctx context.Context, limit int) ([]PipelineRun, error) {
	if limit <= 0 {
		limit = defaultFetchPipelineRunsLimit
	}

	const query = `
		SELECT id, status, started_at, completed_at, error, metadata, created_at, updated_at
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pipeline runs: %w", err)
	}
	defer rows.Close()

	var out []PipelineRun

	for rows.Next() {
		var (
			r           PipelineRun
			status      string
			completedAt sql.NullTime
			errText     sql.NullString
			metadata    sql.NullString
		)

		if err := rows.Scan(
			&r.ID, &status, &r.StartedAt, &completedAt, &errText, &metadata, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline_run row: %w", err)
		}

		r.Status = PipelineStatus(status)
		r.Error = errText.String

		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}

		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal pipeline_run metadata: %w", err)
			}
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// FetchPipelineStages implements Store. Secondary ordering by attempts ASC
// matches DESIGN.md's resolved Open Question on stable ordering among
// retried stage log rows sharing a startedAt.
func (s *ColumnarStore) FetchPipelineStages(ctx context.Context, runID string) ([]PipelineStageLog, error) {
	const query = `
		SELECT id, run_id, stage, status, attempts, started_at, completed_at, error, metadata,
			created_at, updated_at
		FROM pipeline_stage_logs
		WHERE run_id = $1
		ORDER BY started_at ASC, attempts ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pipeline stages: %w", err)
	}
	defer rows.Close()

	var out []PipelineStageLog

	for rows.Next() {
		var (
			st          PipelineStageLog
			stage       string
			status      string
			completedAt sql.NullTime
			errText     sql.NullString
			metadata    sql.NullString
		)

		if err := rows.Scan(
			&st.ID, &st.RunID, &stage, &status, &st.Attempts, &st.StartedAt, &completedAt,
			&errText, &metadata, &st.CreatedAt, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline_stage_log row: %w", err)
		}

		st.Stage = StageName(stage)
		st.Status = PipelineStatus(status)
		st.Error = errText.String

		if completedAt.Valid {
			t := completedAt.Time
			st.CompletedAt = &t
		}

		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &st.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal pipeline_stage_log metadata: %w", err)
			}
		}

		out = append(out, st)
	}

	return out, rows.Err()
}

// FetchDatasetVersions implements Store.
func (s *ColumnarStore) FetchDatasetVersions(ctx context.Context, limit int) ([]DatasetVersion, error) {
	if limit <= 0 {
		limit = defaultFetchPipelineRunsLimit
	}

	const query = `
		SELECT id, dataset_type, format, path, run_id, record_count, metadata, created_at
		FROM dataset_versions
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dataset versions: %w", err)
	}
	defer rows.Close()

	var out []DatasetVersion

	for rows.Next() {
		var (
			v           DatasetVersion
			datasetType string
			format      string
			runID       sql.NullString
			metadata    sql.NullString
		)

		if err := rows.Scan(
			&v.ID, &datasetType, &format, &v.Path, &runID, &v.RecordCount, &metadata, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dataset_version row: %w", err)
		}

		v.DatasetType = DatasetType(datasetType)
		v.Format = DatasetFormat(format)
		v.RunID = runID.String

		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &v.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal dataset_version metadata: %w", err)
			}
		}

		out = append(out, v)
	}

	return out, rows.Err()
}

// UpsertViewpoints implements Store.
func (s *ColumnarStore) UpsertViewpoints(ctx context.Context, viewpoints []Viewpoint) error {
	if len(viewpoints) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO viewpoints (
				id, query_id, run_id, engine, domain, domain_type, stance, url, collected_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (id) DO UPDATE SET
				stance = EXCLUDED.stance,
				domain_type = EXCLUDED.domain_type
		`

		for _, v := range viewpoints {
			if _, err := tx.ExecContext(ctx, query,
				v.ID, v.QueryID, nullableString(v.RunID), v.Engine, v.Domain, string(v.DomainType),
				v.Stance, v.URL, v.CollectedAt,
			); err != nil {
				return fmt.Errorf("failed to upsert viewpoint %s: %w", v.ID, err)
			}
		}

		return nil
	})
}

// FetchViewpointsByQuery implements Store.
func (s *ColumnarStore) FetchViewpointsByQuery(ctx context.Context, filter ViewpointFilter) ([]Viewpoint, error) {
	clauses := []string{"query_id = $1"}
	args := []any{filter.QueryID}

	if filter.RunID != "" {
		clauses = append(clauses, fmt.Sprintf("run_id = $%d", len(args)+1))
		args = append(args, filter.RunID)
	}

	if len(filter.Engines) > 0 {
		clauses = append(clauses, fmt.Sprintf("engine = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.Engines))
	}

	query := fmt.Sprintf(`
		SELECT id, query_id, run_id, engine, domain, domain_type, stance, url, collected_at, created_at
		FROM viewpoints
		WHERE %s
	`, strings.Join(clauses, " AND "))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch viewpoints: %w", err)
	}
	defer rows.Close()

	var out []Viewpoint

	for rows.Next() {
		var (
			v          Viewpoint
			runID      sql.NullString
			domainType string
		)

		if err := rows.Scan(
			&v.ID, &v.QueryID, &runID, &v.Engine, &v.Domain, &domainType, &v.Stance, &v.URL,
			&v.CollectedAt, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan viewpoint row: %w", err)
		}

		v.RunID = runID.String
		v.DomainType = DomainType(domainType)
		out = append(out, v)
	}

	return out, rows.Err()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *ColumnarStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to roll back transaction", "error", rbErr, "cause", err)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *f, Valid: true}
}

// marshalJSONBAny marshals an arbitrary map to JSONB, returning a NULL
// sql.NullString for an empty or nil map.
func marshalJSONBAny(data map[string]any) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{Valid: false}, nil
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{Valid: false}, err
	}

	return sql.NullString{String: string(jsonBytes), Valid: true}, nil
}

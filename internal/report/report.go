// Package report generates the Markdown transparency report summarizing the
// most recent bias/diversity metrics and alternative-source recommendations.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/search-transparency/runner/internal/storage"
)

const (
	metricsFetchLimit   = 100
	topRowsPerMetric    = 5
	alternativesPerQuery = 3
	reportsDir           = "reports"
)

var reportMetricTypes = []string{"domain_diversity", "engine_overlap", "factual_alignment"}

// Generator builds the Markdown transparency report. Any error is logged
// and swallowed: report generation never fails the pipeline (spec.md §4.5).
type Generator struct {
	store  storage.Store
	logger *slog.Logger
}

// NewGenerator constructs a Generator. logger defaults to slog.Default when nil.
func NewGenerator(store storage.Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Generator{store: store, logger: logger}
}

// Generate fetches the latest metric records, renders the report, and
// writes it to reports/search-transparency-report-<safe-ts>.md. It never
// returns an error to the caller: failures are logged at warn and
// Generate returns silently.
func (g *Generator) Generate(ctx context.Context, runID string) {
	metricsByType, err := g.fetchMetricsConcurrently(ctx)
	if err != nil {
		g.logger.Warn("transparency report generation failed, skipping", "runId", runID, "error", err)

		return
	}

	benchmarks, err := loadBenchmarkQueries()
	if err != nil {
		g.logger.Warn("failed to load benchmark query metadata, continuing with fallback labels", "error", err)

		benchmarks = map[string]BenchmarkQuery{}
	}

	alternatives, err := g.recommendAlternatives(ctx, metricsByType)
	if err != nil {
		g.logger.Warn("failed to compute alternative source recommendations, omitting section", "error", err)
	}

	markdown := renderReport(runID, metricsByType, benchmarks, alternatives)

	if err := g.write(markdown); err != nil {
		g.logger.Warn("failed to write transparency report", "runId", runID, "error", err)
	}
}

// fetchMetricsConcurrently fetches the last metricsFetchLimit records for
// each report metric type as three independent joined fetches.
func (g *Generator) fetchMetricsConcurrently(ctx context.Context) (map[string][]storage.MetricRecord, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string][]storage.MetricRecord, len(reportMetricTypes))
		errs    []error
	)

	for _, metricType := range reportMetricTypes {
		wg.Add(1)

		go func(metricType string) {
			defer wg.Done()

			records, err := g.store.FetchRecentMetricRecords(ctx, metricType, metricsFetchLimit)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, fmt.Errorf("fetching %s: %w", metricType, err))

				return
			}

			results[metricType] = records
		}(metricType)
	}

	wg.Wait()

	if len(errs) > 0 {
		return nil, errs[0]
	}

	return results, nil
}

// write creates reportsDir if needed and writes markdown to a
// timestamp-named file.
func (g *Generator) write(markdown string) error {
	if err := os.MkdirAll(reportsDir, 0o750); err != nil {
		return fmt.Errorf("creating reports dir: %w", err)
	}

	fileName := fmt.Sprintf("search-transparency-report-%s.md", safeTimestamp(time.Now()))
	path := filepath.Join(reportsDir, fileName)

	if err := os.WriteFile(path, []byte(markdown), 0o600); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}

	return nil
}

func safeTimestamp(t time.Time) string {
	ts := t.UTC().Format(time.RFC3339Nano)
	replacer := strings.NewReplacer(":", "-", ".", "-")

	return replacer.Replace(ts)
}

// latestPerQuery reduces records to the latest (by collectedAt desc,
// keep-first-seen) row per queryId.
func latestPerQuery(records []storage.MetricRecord) []storage.MetricRecord {
	sorted := make([]storage.MetricRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CollectedAt.After(sorted[j].CollectedAt) })

	seen := make(map[string]bool, len(sorted))
	out := make([]storage.MetricRecord, 0, len(sorted))

	for _, r := range sorted {
		if seen[r.QueryID] {
			continue
		}

		seen[r.QueryID] = true
		out = append(out, r)
	}

	return out
}

// topByValue sorts by value descending (stable, so ties keep input order)
// and returns at most n rows.
func topByValue(records []storage.MetricRecord, n int) []storage.MetricRecord {
	sorted := make([]storage.MetricRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	if len(sorted) > n {
		sorted = sorted[:n]
	}

	return sorted
}

// formatValue renders a metric's value per its per-metric-type convention.
func formatValue(metricType string, value float64) string {
	if metricType == "domain_diversity" {
		return fmt.Sprintf("%.1f", value)
	}

	return fmt.Sprintf("%.1f%%", value*100)
}

func formatDelta(metricType string, delta *float64) string {
	if delta == nil {
		return "–"
	}

	return formatValue(metricType, *delta)
}

func average(records []storage.MetricRecord) float64 {
	if len(records) == 0 {
		return 0
	}

	var sum float64
	for _, r := range records {
		sum += r.Value
	}

	return sum / float64(len(records))
}

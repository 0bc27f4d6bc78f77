package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/search-transparency/runner/internal/storage"
)

func TestGenerator_Generate_WritesReportFile(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))

	t.Cleanup(func() { _ = os.Chdir(cwd) })

	store := storage.NewInMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, store.InsertMetricRecords(context.Background(), []storage.MetricRecord{
		{ID: "m1", QueryID: "q1", Engine: "google", MetricType: "domain_diversity", Value: 0.8, CollectedAt: now, CreatedAt: now},
		{ID: "m2", QueryID: "q1", Engine: "bing", MetricType: "engine_overlap", Value: 0.5, CollectedAt: now, CreatedAt: now},
		{ID: "m3", QueryID: "q1", Engine: "google", MetricType: "factual_alignment", Value: 0.9, CollectedAt: now, CreatedAt: now},
	}))

	gen := NewGenerator(store, nil)
	gen.Generate(context.Background(), "run-1")

	entries, err := os.ReadDir(filepath.Join(dir, reportsDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "search-transparency-report-")
}

func TestLatestPerQuery_KeepsMostRecent(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	records := []storage.MetricRecord{
		{QueryID: "q1", Value: 0.1, CollectedAt: older},
		{QueryID: "q1", Value: 0.9, CollectedAt: newer},
	}

	latest := latestPerQuery(records)
	require.Len(t, latest, 1)
	assert.Equal(t, 0.9, latest[0].Value)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "1.5", formatValue("domain_diversity", 1.5))
	assert.Equal(t, "50.0%", formatValue("engine_overlap", 0.5))
}

func TestFormatDelta_NilIsDash(t *testing.T) {
	assert.Equal(t, "–", formatDelta("domain_diversity", nil))
}

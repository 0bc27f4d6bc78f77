package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/search-transparency/runner/internal/storage"
)

func TestExporter_ExportAll_WritesAllThreeDatasetTypes(t *testing.T) {
	store := storage.NewInMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, store.InsertSearchResults(context.Background(), []storage.SearchResultInput{
		{ID: "r1", QueryID: "q1", Engine: "google", URL: "https://a", Title: "a", Hash: "h1", Timestamp: now, CreatedAt: now, UpdatedAt: now},
	}))

	exporter := NewExporter(store, nil)
	results := exporter.ExportAll(context.Background(), Options{OutputDir: t.TempDir(), RunID: "run-1"})

	require.Len(t, results, 3)

	byType := make(map[storage.DatasetType]storage.DatasetExportResult)
	for _, r := range results {
		byType[r.Version.DatasetType] = r
	}

	searchExport := byType[storage.DatasetSearchResults]
	assert.Equal(t, 1, searchExport.Version.RecordCount)
	assert.Equal(t, "run-1", searchExport.Version.RunID)
	assert.NotEmpty(t, searchExport.FilePath)
	assert.Equal(t, 1, searchExport.Version.Metadata["distinctQueries"])
}

// Package export orchestrates writing the three exportable dataset
// snapshots, isolating one dataset type's failure from the others.
package export

import (
	"context"
	"log/slog"
	"time"

	"github.com/search-transparency/runner/internal/storage"
)

// datasetTypes is the fixed set of snapshots exported on every metrics-stage
// run, in a stable order so log output and test fixtures are deterministic.
var datasetTypes = []storage.DatasetType{
	storage.DatasetSearchResults,
	storage.DatasetAnnotatedResults,
	storage.DatasetMetrics,
}

// Exporter writes Parquet snapshots for each dataset type via the storage
// backend, continuing past individual failures.
type Exporter struct {
	store  storage.Store
	logger *slog.Logger
}

// NewExporter constructs an Exporter. logger defaults to slog.Default when nil.
func NewExporter(store storage.Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Exporter{store: store, logger: logger}
}

// Options narrows and locates one export pass across all dataset types.
type Options struct {
	OutputDir string
	RunID     string
	Since     *time.Time
	Until     *time.Time
	QueryIDs  []string
	Engines   []string
}

// ExportAll writes one Parquet file per dataset type and returns the
// successful subset. A failure exporting one dataset type is logged as a
// warning and does not abort the remaining exports.
func (e *Exporter) ExportAll(ctx context.Context, opts Options) []storage.DatasetExportResult {
	results := make([]storage.DatasetExportResult, 0, len(datasetTypes))

	for _, datasetType := range datasetTypes {
		req := storage.DatasetExportRequest{
			DatasetType: datasetType,
			OutputDir:   opts.OutputDir,
			RunID:       opts.RunID,
			Format:      storage.DatasetFormatParquet,
			Filters: storage.DatasetExportFilters{
				QueryIDs: opts.QueryIDs,
				Engines:  opts.Engines,
				Since:    opts.Since,
				Until:    opts.Until,
			},
		}

		result, err := e.store.ExportDataset(ctx, req)
		if err != nil {
			e.logger.Warn("dataset export failed, continuing with remaining dataset types",
				"datasetType", datasetType, "runId", opts.RunID, "error", err)

			continue
		}

		results = append(results, *result)
	}

	return results
}

package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// BenchmarkQuery is one entry of the static benchmark-query metadata file,
// mapping a queryId to human-readable context for report tables.
type BenchmarkQuery struct {
	ID    string   `json:"id"`
	Query string   `json:"query"`
	Topic string   `json:"topic"`
	Tags  []string `json:"tags"`
}

const benchmarkQueriesFile = "config/benchmark-queries.json"

// loadBenchmarkQueries reads config/benchmark-queries.json from the current
// working directory, falling back to one directory up. A missing file is
// not an error: callers fall back to queryId/"Unknown" for every row.
func loadBenchmarkQueries() (map[string]BenchmarkQuery, error) {
	candidates := []string{
		benchmarkQueriesFile,
		filepath.Join("..", benchmarkQueriesFile),
	}

	var data []byte

	for _, path := range candidates {
		b, err := os.ReadFile(path) //nolint:gosec // fixed relative config path
		if err == nil {
			data = b

			break
		}

		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	byID := make(map[string]BenchmarkQuery)

	if data == nil {
		return byID, nil
	}

	var entries []BenchmarkQuery
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	for _, e := range entries {
		byID[e.ID] = e
	}

	return byID, nil
}

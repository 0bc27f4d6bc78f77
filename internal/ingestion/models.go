// Package ingestion reads collector output files and turns them into
// storage-ready SearchResult and CrawlRun rows.
package ingestion

type (
	// RawRecord is the loosely-typed shape of one item in a collector JSON
	// file. Fields are decoded permissively (collectors are external and
	// unversioned); validation and derivation happen in ingest.go.
	RawRecord struct {
		QueryID       string `json:"queryId"`
		Engine        string `json:"engine"`
		URL           string `json:"url"`
		Title         string `json:"title"`
		Snippet       string `json:"snippet"`
		Rank          any    `json:"rank"`
		NormalizedURL string `json:"normalizedUrl"`
		Domain        string `json:"domain"`
		Timestamp     string `json:"timestamp"`
		Hash          string `json:"hash"`
		RawHTMLPath   string `json:"rawHtmlPath"`
		CrawlRunID    string `json:"crawlRunId"`
	}

	// Summary reports the outcome of one ingestion pass over a directory of
	// collector JSON files.
	//
	// IngestedResults counts valid records parsed across all files BEFORE
	// the (queryId, engine, url) dedupe collapse (see DESIGN.md).
	Summary struct {
		IngestedResults    int
		Runs               int
		HashDuplicateCount int
		URLDuplicateCount  int
	}
)

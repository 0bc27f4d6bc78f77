package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/search-transparency/runner/internal/aliasing"
	"github.com/search-transparency/runner/internal/storage"
)

// Ingester reads collector output files and upserts the SearchResult and
// CrawlRun rows they describe.
type Ingester struct {
	store    storage.Store
	logger   *slog.Logger
	resolver *aliasing.Resolver
}

// NewIngester constructs an Ingester. logger defaults to slog.Default when
// nil. resolver may be nil, in which case domains never match and every
// result is left for the LLM annotation stage to classify.
func NewIngester(store storage.Store, logger *slog.Logger, resolver *aliasing.Resolver) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ingester{store: store, logger: logger, resolver: resolver}
}

// Run executes the 10-step ingestion algorithm over every *.json file in
// dir, attributing new crawl runs to pipelineRunID and deriving rawHtmlPath
// entries relative to collectorOutputDir.
func (ing *Ingester) Run(ctx context.Context, dir, pipelineRunID, collectorOutputDir string) (Summary, error) {
	files, err := listJSONFiles(dir)
	if err != nil {
		return Summary{}, fmt.Errorf("ingestion: listing %s: %w", dir, err)
	}

	if len(files) == 0 {
		ing.logger.Warn("no JSON output files detected", "dir", dir)

		return Summary{}, nil
	}

	var (
		results             []storage.SearchResultInput
		resultKeys          []string // crawlRunKey per results[i], same length/order
		crawlRunOrder       []string
		crawlRunMap         = make(map[string]storage.CrawlRunInput)
		hashCounts          = make(map[string]int)
		urlCounts           = make(map[string]int)
		overridesByResultID = make(map[string]storage.AnnotationInput)
	)

	for _, file := range files {
		items, ok := ing.parseFile(file)
		if !ok {
			continue
		}

		for _, raw := range items {
			result, crawlRunKey, override, ok := ing.deriveResult(raw, collectorOutputDir, hashCounts, urlCounts)
			if !ok {
				continue
			}

			ing.mergeCrawlRun(crawlRunMap, &crawlRunOrder, crawlRunKey, raw.CrawlRunID, pipelineRunID, result.Timestamp)

			results = append(results, result)
			resultKeys = append(resultKeys, crawlRunKey)

			if override != nil {
				overridesByResultID[result.ID] = *override
			}
		}
	}

	ingestedResults := len(results)

	for i, key := range resultKeys {
		results[i].CrawlRunID = crawlRunMap[key].ID
	}

	dedupedResults := dedupeSearchResults(results)
	crawlRuns := make([]storage.CrawlRunInput, 0, len(crawlRunOrder))

	for _, key := range crawlRunOrder {
		crawlRuns = append(crawlRuns, crawlRunMap[key])
	}

	if err := ing.store.RecordCrawlRuns(ctx, crawlRuns); err != nil {
		return Summary{}, fmt.Errorf("ingestion: recording crawl runs: %w", err)
	}

	if err := ing.store.InsertSearchResults(ctx, dedupedResults); err != nil {
		return Summary{}, fmt.Errorf("ingestion: inserting search results: %w", err)
	}

	// Results that a configured aliasing pattern classified get their
	// DomainType annotation written immediately, pinning the domain type
	// ahead of the LLM annotation stage. A dedupe collapse can drop the
	// result a given override was derived from, so only surviving IDs
	// are kept.
	annotationOverrides := make([]storage.AnnotationInput, 0, len(overridesByResultID))

	for _, r := range dedupedResults {
		if override, ok := overridesByResultID[r.ID]; ok {
			annotationOverrides = append(annotationOverrides, override)
		}
	}

	if len(annotationOverrides) > 0 {
		if err := ing.store.InsertAnnotationRecords(ctx, annotationOverrides); err != nil {
			return Summary{}, fmt.Errorf("ingestion: inserting pattern-override annotations: %w", err)
		}
	}

	hashDuplicates, urlDuplicates := 0, 0

	for _, c := range hashCounts {
		if c > 1 {
			hashDuplicates++
		}
	}

	for _, c := range urlCounts {
		if c > 1 {
			urlDuplicates++
		}
	}

	return Summary{
		IngestedResults:    ingestedResults,
		Runs:               len(crawlRuns),
		HashDuplicateCount: hashDuplicates,
		URLDuplicateCount:  urlDuplicates,
	}, nil
}

// parseFile parses one collector output file. It returns ok=false (and
// logs a warning) when the file is missing, not valid JSON, or not a
// top-level array — ingestion continues with the remaining files in
// either case. Array items that do not decode as objects are skipped
// one by one with a warning.
func (ing *Ingester) parseFile(path string) ([]RawRecord, bool) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from a directory listing, not user input
	if err != nil {
		ing.logger.Warn("failed to read collector output file", "path", path, "error", err)

		return nil, false
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		ing.logger.Warn("collector output file is not a JSON array, skipping", "path", path, "error", err)

		return nil, false
	}

	items := make([]RawRecord, 0, len(raw))

	for _, item := range raw {
		var decoded struct {
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

		if err := json.Unmarshal(item, &decoded); err != nil {
			ing.logger.Warn("malformed collector output item, skipping", "path", path, "error", err)

			continue
		}

		items = append(items, RawRecord{
			QueryID:       decoded.QueryID,
			Engine:        decoded.Engine,
			URL:           decoded.URL,
			Title:         decoded.Title,
			Snippet:       decoded.Snippet,
			Rank:          decoded.Rank,
			NormalizedURL: decoded.NormalizedURL,
			Domain:        decoded.Domain,
			Timestamp:     decoded.Timestamp,
			Hash:          decoded.Hash,
			RawHTMLPath:   decoded.RawHTMLPath,
			CrawlRunID:    decoded.CrawlRunID,
		})
	}

	return items, true
}

// aliasingPromptVersion and aliasingModelID mark an annotation as written
// from a configured aliasing.Resolver match rather than the LLM annotation
// stage.
const (
	aliasingPromptVersion = "aliasing-pattern-override"
	aliasingModelID       = "internal/aliasing.Resolver"
)

// deriveResult validates and derives one SearchResultInput from a raw
// record, along with an AnnotationInput when the result's domain matches a
// configured aliasing pattern. ok=false means the record was silently
// dropped for missing required fields.
func (ing *Ingester) deriveResult(
	raw RawRecord,
	collectorOutputDir string,
	hashCounts, urlCounts map[string]int,
) (storage.SearchResultInput, string, *storage.AnnotationInput, bool) {
	if !requiredFieldsPresent(raw) {
		return storage.SearchResultInput{}, "", nil, false
	}

	title := resolveTitle(raw.Title, raw.URL)
	rank := parseRank(raw.Rank)
	timestamp := parseTimestamp(raw.Timestamp)
	normalizedURL := resolveNormalizedURL(raw.NormalizedURL, raw.URL)
	domain := resolveDomain(raw.Domain, raw.URL)
	hash := resultHash(raw.Hash, raw.URL, title, raw.Snippet, timestamp)
	rawHTMLPath := raw.RawHTMLPath
	if rawHTMLPath == "" {
		rawHTMLPath = filepath.Join(collectorOutputDir, "raw_html", fmt.Sprintf("%s-%s.html", raw.Engine, raw.QueryID))
	}

	hashCounts[raw.QueryID+"|"+hash]++
	urlCounts[raw.URL]++

	now := time.Now().UTC()

	result := storage.SearchResultInput{
		ID:            uuid.NewString(),
		QueryID:       raw.QueryID,
		Engine:        raw.Engine,
		Rank:          rank,
		Title:         title,
		Snippet:       raw.Snippet,
		URL:           raw.URL,
		NormalizedURL: normalizedURL,
		Domain:        domain,
		Timestamp:     timestamp,
		Hash:          hash,
		RawHTMLPath:   rawHTMLPath,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var override *storage.AnnotationInput

	if domainType, matched := ing.resolver.Match(domain); matched {
		override = &storage.AnnotationInput{
			ID:                 uuid.NewString(),
			SearchResultID:     result.ID,
			QueryID:            raw.QueryID,
			Engine:             raw.Engine,
			DomainType:         domainType,
			FactualConsistency: storage.FactualNotApplicable,
			PromptVersion:      aliasingPromptVersion,
			ModelID:            aliasingModelID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}

	return result, raw.QueryID + "|" + raw.Engine, override, true
}

// mergeCrawlRun seeds or updates the crawl run keyed by crawlRunKey
// (queryId|engine). Run first occurrence per spec step 5: seed a new run;
// subsequent hits bump resultCount and completedAt/updatedAt. Callers
// backfill each SearchResultInput.CrawlRunID from the finalized map once
// every file has been scanned.
func (ing *Ingester) mergeCrawlRun(
	crawlRunMap map[string]storage.CrawlRunInput,
	order *[]string,
	key, suppliedID, pipelineRunID string,
	timestamp time.Time,
) {
	existing, seen := crawlRunMap[key]
	if !seen {
		id := suppliedID
		if id == "" {
			id = uuid.NewString()
		}

		parts := splitCrawlRunKey(key)

		crawlRunMap[key] = storage.CrawlRunInput{
			ID:          id,
			BatchID:     pipelineRunID,
			QueryID:     parts[0],
			Engine:      parts[1],
			Status:      storage.CrawlRunCompleted,
			StartedAt:   timestamp,
			CompletedAt: &timestamp,
			ResultCount: 1,
			CreatedAt:   timestamp,
			UpdatedAt:   timestamp,
		}
		*order = append(*order, key)

		return
	}

	existing.ResultCount++

	if timestamp.After(*existing.CompletedAt) {
		existing.CompletedAt = &timestamp
	}

	existing.UpdatedAt = time.Now().UTC()
	crawlRunMap[key] = existing
}

func splitCrawlRunKey(key string) [2]string {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return [2]string{key[:i], key[i+1:]}
		}
	}

	return [2]string{key, ""}
}

// dedupeSearchResults collapses results to one row per (queryId, engine,
// url), keeping the last occurrence seen — per spec step 9.
func dedupeSearchResults(results []storage.SearchResultInput) []storage.SearchResultInput {
	order := make([]string, 0, len(results))
	latest := make(map[string]storage.SearchResultInput, len(results))

	for _, r := range results {
		key := r.QueryID + "|" + r.Engine + "|" + r.URL
		if _, ok := latest[key]; !ok {
			order = append(order, key)
		}

		latest[key] = r
	}

	deduped := make([]storage.SearchResultInput, 0, len(order))
	for _, key := range order {
		deduped = append(deduped, latest[key])
	}

	return deduped
}

func listJSONFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var files []string

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}

		files = append(files, filepath.Join(dir, e.Name()))
	}

	sort.Strings(files)

	return files, nil
}

func parseRank(raw any) int {
	switch v := raw.(type) {
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}

		return n
	default:
		return 0
	}
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Now().UTC()
		}
	}

	return t.UTC()
}

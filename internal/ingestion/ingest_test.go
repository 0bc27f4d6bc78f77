package ingestion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/search-transparency/runner/internal/aliasing"
	"github.com/search-transparency/runner/internal/storage"
)

func writeCollectorFile(t *testing.T, dir, name string, records []map[string]any) {
	t.Helper()

	data, err := json.Marshal(records)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func TestIngester_Run_EmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewInMemoryStore()
	ing := NewIngester(store, nil, nil)

	summary, err := ing.Run(context.Background(), dir, "run-1", "data/serp")
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestIngester_Run_MissingDirectory(t *testing.T) {
	store := storage.NewInMemoryStore()
	ing := NewIngester(store, nil, nil)

	summary, err := ing.Run(context.Background(), filepath.Join(t.TempDir(), "missing"), "run-1", "data/serp")
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestIngester_Run_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewInMemoryStore()
	ing := NewIngester(store, nil, nil)

	writeCollectorFile(t, dir, "a.json", []map[string]any{
		{"queryId": "q1", "engine": "google", "url": "https://a.example", "title": "First", "timestamp": "2026-01-01T00:00:00Z"},
	})
	writeCollectorFile(t, dir, "b.json", []map[string]any{
		{"queryId": "q1", "engine": "google", "url": "https://a.example", "title": "Second", "timestamp": "2026-01-02T00:00:00Z"},
	})

	summary, err := ing.Run(context.Background(), dir, "run-1", "data/serp")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.IngestedResults)
	assert.GreaterOrEqual(t, summary.URLDuplicateCount, 1)

	results, err := store.FetchAnnotatedResults(context.Background(), storage.AnnotatedResultsFilter{})
	require.NoError(t, err)
	assert.Empty(t, results) // not yet annotated

	pending, err := store.FetchPendingAnnotations(context.Background(), storage.PendingAnnotationsFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Second", pending[0].Title) // last occurrence wins
}

func TestIngester_Run_DerivesHashAndDomain(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewInMemoryStore()
	ing := NewIngester(store, nil, nil)

	writeCollectorFile(t, dir, "a.json", []map[string]any{
		{"queryId": "q1", "engine": "bing", "url": "https://news.example.com/story", "timestamp": "2026-01-01T00:00:00Z"},
	})

	_, err := ing.Run(context.Background(), dir, "run-1", "data/serp")
	require.NoError(t, err)

	pending, err := store.FetchPendingAnnotations(context.Background(), storage.PendingAnnotationsFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	r := pending[0]
	assert.Equal(t, "news.example.com", r.Domain)
	assert.Equal(t, "https://news.example.com/story", r.NormalizedURL)
	assert.Equal(t, "https://news.example.com/story", r.Title) // falls back to url
	assert.Len(t, r.Hash, 64)
}

func TestIngester_Run_SkipsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"not":"an array"}`), 0o600))
	writeCollectorFile(t, dir, "good.json", []map[string]any{
		{"queryId": "q1", "engine": "google", "url": "https://a.example", "timestamp": "2026-01-01T00:00:00Z"},
	})

	store := storage.NewInMemoryStore()
	ing := NewIngester(store, nil, nil)

	summary, err := ing.Run(context.Background(), dir, "run-1", "data/serp")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.IngestedResults)
	assert.Equal(t, 1, summary.Runs)
}

func TestIngester_Run_DropsRecordsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	writeCollectorFile(t, dir, "a.json", []map[string]any{
		{"queryId": "q1", "engine": "google", "url": "https://a.example"},
		{"queryId": "", "engine": "google", "url": "https://b.example"},
		{"queryId": "q1", "engine": "", "url": "https://c.example"},
		{"queryId": "q1", "engine": "google", "url": ""},
	})

	store := storage.NewInMemoryStore()
	ing := NewIngester(store, nil, nil)

	summary, err := ing.Run(context.Background(), dir, "run-1", "data/serp")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.IngestedResults)
}

func TestIngester_Run_AppliesAliasingPatternOverride(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewInMemoryStore()
	resolver := aliasing.NewResolver(&aliasing.Config{
		DomainPatterns: []aliasing.DomainPattern{
			{Pattern: "*.gov", DomainType: storage.DomainTypeGovernment},
		},
	})
	ing := NewIngester(store, nil, resolver)

	writeCollectorFile(t, dir, "a.json", []map[string]any{
		{"queryId": "q1", "engine": "google", "url": "https://agency.gov/notice", "timestamp": "2026-01-01T00:00:00Z"},
		{"queryId": "q1", "engine": "google", "url": "https://news.example.com/story", "timestamp": "2026-01-01T00:00:00Z"},
	})

	_, err := ing.Run(context.Background(), dir, "run-1", "data/serp")
	require.NoError(t, err)

	pending, err := store.FetchPendingAnnotations(context.Background(), storage.PendingAnnotationsFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1) // the .gov result was pre-annotated, only the other remains pending
	assert.Equal(t, "news.example.com", pending[0].Domain)

	annotated, err := store.FetchAnnotatedResults(context.Background(), storage.AnnotatedResultsFilter{})
	require.NoError(t, err)
	require.Len(t, annotated, 1)
	assert.Equal(t, storage.DomainTypeGovernment, annotated[0].DomainType)
	assert.Equal(t, storage.FactualNotApplicable, annotated[0].FactualConsistency)
}

func TestResultHash_UsesSuppliedHexHash(t *testing.T) {
	valid := "a3f0a8c1d4e5f60718293a4b5c6d7e8f90123456789abcdef0123456789abcde"
	assert.Equal(t, valid, resultHash(valid, "https://a", "t", "s", parseTimestamp("")))
}

func TestResultHash_SynthesizesWhenMissing(t *testing.T) {
	h1 := resultHash("", "https://a", "title", "snippet", parseTimestamp("2026-01-01T00:00:00Z"))
	h2 := resultHash("not-hex", "https://a", "title", "snippet", parseTimestamp("2026-01-01T00:00:00Z"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, validateTransition(storage.CrawlRunRunning, storage.CrawlRunCompleted))
	require.NoError(t, validateTransition(storage.CrawlRunCompleted, storage.CrawlRunCompleted))
	assert.Error(t, validateTransition(storage.CrawlRunCompleted, storage.CrawlRunRunning))
}

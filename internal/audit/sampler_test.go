package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/search-transparency/runner/internal/storage"
)

func seedAnnotatedResults(t *testing.T, store storage.Store, n int) {
	t.Helper()

	now := time.Now().UTC()

	results := make([]storage.SearchResultInput, 0, n)
	annotations := make([]storage.AnnotationInput, 0, n)

	for i := 0; i < n; i++ {
		id := uuidFor(i)

		results = append(results, storage.SearchResultInput{
			ID:        id,
			QueryID:   "q1",
			Engine:    "google",
			URL:       "https://example.com/" + id,
			Title:     "t",
			Hash:      id,
			Timestamp: now,
			CreatedAt: now,
			UpdatedAt: now,
		})
		annotations = append(annotations, storage.AnnotationInput{
			ID:                 "a-" + id,
			SearchResultID:     id,
			QueryID:            "q1",
			Engine:             "google",
			DomainType:         storage.DomainTypeNews,
			FactualConsistency: storage.FactualAligned,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}

	require.NoError(t, store.InsertSearchResults(context.Background(), results))
	require.NoError(t, store.InsertAnnotationRecords(context.Background(), annotations))
}

func uuidFor(i int) string {
	return "r-" + string(rune('a'+i))
}

func TestSampler_Sample_EmptyFetch(t *testing.T) {
	store := storage.NewInMemoryStore()
	sampler := NewSampler(store, nil)

	result, err := sampler.Sample(context.Background(), "run-1", time.Now().Add(-time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

func TestSampler_Sample_AtFivePercentOfForty(t *testing.T) {
	store := storage.NewInMemoryStore()
	seedAnnotatedResults(t, store, 40)
	sampler := NewSampler(store, nil)

	result, err := sampler.Sample(context.Background(), "run-1", time.Now().Add(-time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, 40, result.TotalAnnotated)
	assert.Equal(t, 2, result.Sampled)

	samples, err := store.FetchAuditSamples(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	seen := map[string]bool{}
	for _, s := range samples {
		assert.False(t, seen[s.AnnotationID], "no duplicate annotation ids in sample")
		seen[s.AnnotationID] = true
		assert.Equal(t, storage.AuditPending, s.Status)
	}
}

func TestSampler_Sample_AtFivePercentOfThree(t *testing.T) {
	store := storage.NewInMemoryStore()
	seedAnnotatedResults(t, store, 3)
	sampler := NewSampler(store, nil)

	result, err := sampler.Sample(context.Background(), "run-1", time.Now().Add(-time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sampled)
}

func TestSampler_Sample_AtHundredPercent(t *testing.T) {
	store := storage.NewInMemoryStore()
	seedAnnotatedResults(t, store, 10)
	sampler := NewSampler(store, nil)

	result, err := sampler.Sample(context.Background(), "run-1", time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 10, result.Sampled)
}

package report

import (
	"context"
	"fmt"

	"github.com/search-transparency/runner/internal/storage"
)

// allDomainTypes enumerates every DomainType so dominant-type exclusion can
// build the complement set.
var allDomainTypes = []storage.DomainType{
	storage.DomainTypeNews,
	storage.DomainTypeGovernment,
	storage.DomainTypeAcademic,
	storage.DomainTypeBlog,
	storage.DomainTypeOther,
}

// AlternativesSection lists, per query, sources from under-represented
// domain types not already surfaced in that query's results.
type AlternativesSection struct {
	QueryID string
	Sources []storage.AnnotatedResultView
}

// recommendAlternatives builds one AlternativesSection per query appearing
// in the domain_diversity top-5 table: it finds the query's dominant
// DomainType from its annotation aggregates, then recommends sources from
// every other DomainType, excluding URLs the query has already surfaced.
func (g *Generator) recommendAlternatives(
	ctx context.Context,
	metricsByType map[string][]storage.MetricRecord,
) ([]AlternativesSection, error) {
	candidates := topByValue(latestPerQuery(metricsByType["domain_diversity"]), topRowsPerMetric)

	sections := make([]AlternativesSection, 0, len(candidates))

	for _, metric := range candidates {
		section, err := g.recommendForQuery(ctx, metric.QueryID)
		if err != nil {
			return sections, fmt.Errorf("query %s: %w", metric.QueryID, err)
		}

		sections = append(sections, section)
	}

	return sections, nil
}

func (g *Generator) recommendForQuery(ctx context.Context, queryID string) (AlternativesSection, error) {
	aggregates, err := g.store.FetchAnnotationAggregates(ctx, storage.AnnotationAggregateFilter{QueryIDs: []string{queryID}})
	if err != nil {
		return AlternativesSection{}, err
	}

	dominant := dominantDomainType(aggregates)

	seen, err := g.store.FetchAnnotatedResults(ctx, storage.AnnotatedResultsFilter{QueryIDs: []string{queryID}})
	if err != nil {
		return AlternativesSection{}, err
	}

	excludeURLs := make([]string, 0, len(seen))
	for _, r := range seen {
		excludeURLs = append(excludeURLs, r.NormalizedURL)
	}

	complement := make([]storage.DomainType, 0, len(allDomainTypes)-1)

	for _, dt := range allDomainTypes {
		if dt != dominant {
			complement = append(complement, dt)
		}
	}

	sources, err := g.store.FetchAlternativeSources(ctx, storage.AlternativeSourcesFilter{
		DomainTypes: complement,
		ExcludeURLs: excludeURLs,
		Limit:       alternativesPerQuery,
	})
	if err != nil {
		return AlternativesSection{}, err
	}

	return AlternativesSection{QueryID: queryID, Sources: sources}, nil
}

// dominantDomainType returns the DomainType with the highest summed Count
// across aggregates, defaulting to DomainTypeOther when aggregates is empty.
func dominantDomainType(aggregates []storage.AnnotationAggregate) storage.DomainType {
	counts := make(map[storage.DomainType]int)
	for _, a := range aggregates {
		counts[a.DomainType] += a.Count
	}

	best := storage.DomainTypeOther
	bestCount := 0

	for _, dt := range allDomainTypes {
		if counts[dt] > bestCount {
			best = dt
			bestCount = counts[dt]
		}
	}

	return best
}

package report

import (
	"fmt"
	"strings"

	"github.com/search-transparency/runner/internal/storage"
)

// renderReport assembles the full Markdown document: one table per metric
// type, averages across the fetched window, and an alternative-sources
// section when available.
func renderReport(
	runID string,
	metricsByType map[string][]storage.MetricRecord,
	benchmarks map[string]BenchmarkQuery,
	alternatives []AlternativesSection,
) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Search Transparency Report\n\n")
	fmt.Fprintf(&b, "Run: `%s`\n\n", runID)

	for _, metricType := range reportMetricTypes {
		records := metricsByType[metricType]

		fmt.Fprintf(&b, "## %s\n\n", metricType)
		fmt.Fprintf(&b, "Average across last %d records: %s\n\n", len(records), formatValue(metricType, average(records)))

		top := topByValue(latestPerQuery(records), topRowsPerMetric)

		b.WriteString("| Query | Topic | Value | Delta |\n")
		b.WriteString("| --- | --- | --- | --- |\n")

		for _, r := range top {
			query, topic := benchmarkLabels(benchmarks, r.QueryID)
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", query, topic, formatValue(metricType, r.Value), formatDelta(metricType, r.Delta))
		}

		b.WriteString("\n")
	}

	if len(alternatives) > 0 {
		b.WriteString("## Recommended Alternative Sources\n\n")

		for _, section := range alternatives {
			query, _ := benchmarkLabels(benchmarks, section.QueryID)
			fmt.Fprintf(&b, "### %s\n\n", query)

			if len(section.Sources) == 0 {
				b.WriteString("No under-represented sources found.\n\n")

				continue
			}

			b.WriteString("| Domain | Domain Type | Engine |\n")
			b.WriteString("| --- | --- | --- |\n")

			for _, s := range section.Sources {
				fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Domain, s.DomainType, s.Engine)
			}

			b.WriteString("\n")
		}
	}

	return b.String()
}

func benchmarkLabels(benchmarks map[string]BenchmarkQuery, queryID string) (query, topic string) {
	if meta, ok := benchmarks[queryID]; ok {
		return meta.Query, meta.Topic
	}

	return queryID, "Unknown"
}

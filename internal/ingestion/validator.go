package ingestion

// requiredFieldsPresent reports whether raw carries the minimum fields
// ingestRecord needs to build a SearchResult: queryId, engine, and url must
// be non-empty strings.
func requiredFieldsPresent(raw RawRecord) bool {
	return raw.QueryID != "" && raw.Engine != "" && raw.URL != ""
}

// resolveTitle falls back to url when title is blank.
func resolveTitle(title, url string) string {
	if title != "" {
		return title
	}

	return url
}

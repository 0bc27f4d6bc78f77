package ingestion

import "net/url"

// resolveDomain returns record.domain when non-empty, else the hostname of
// rawURL, else rawURL itself when it does not parse as a URL: prefer an
// explicit caller-supplied value, fall back to deriving one from the URL,
// and never fail the record over a malformed URL.
func resolveDomain(recordDomain, rawURL string) string {
	if recordDomain != "" {
		return recordDomain
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return rawURL
	}

	return parsed.Hostname()
}

// resolveNormalizedURL returns record.normalizedUrl when non-empty, else
// rawURL unchanged.
func resolveNormalizedURL(recordNormalizedURL, rawURL string) string {
	if recordNormalizedURL != "" {
		return recordNormalizedURL
	}

	return rawURL
}

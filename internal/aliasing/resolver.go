package aliasing

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/search-transparency/runner/internal/storage"
)

type (
	// compiledPattern holds a pre-compiled regex pattern and the DomainType
	// it classifies matching domains as.
	compiledPattern struct {
		regex      *regexp.Regexp
		domainType storage.DomainType
	}

	// Resolver classifies domains/URLs using pattern-based overrides.
	// Thread-safe for concurrent use (immutable after construction).
	//
	// The resolver lets operators pin a source domain to a DomainType ahead
	// of (or instead of) the LLM annotation stage, covering cases the
	// annotator misclassifies or hasn't seen yet.
	//
	// Pattern syntax:
	//   - {variable} captures any characters except "/"
	//   - {variable*} captures any characters including "/" (for paths)
	//   - "*" matches any run of characters
	//   - Literal characters match exactly
	//   - First matching pattern wins (order matters)
	Resolver struct {
		patterns []compiledPattern
	}
)

// variableRegex matches {name} or {name*} patterns in the pattern string.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compilePattern converts a glob-style pattern string to a compiled, anchored regex.
//
// Pattern: "{sub*}.example.com" → Regex: ^(?P<sub>.+)\.example\.com$.
// Pattern: "*.gov" → Regex: ^.*\.gov$.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	result := escaped

	matches := variableRegex.FindAllStringSubmatch(pattern, -1)
	for _, match := range matches {
		fullMatch := match[0] // e.g., "{sub}" or "{sub*}"
		varName := match[1]   // e.g., "sub"
		isGreedy := strings.HasSuffix(fullMatch, "*}")

		var captureGroup string
		if isGreedy {
			captureGroup = "(?P<" + varName + ">.+)"
		} else {
			captureGroup = "(?P<" + varName + ">[^/]+)"
		}

		escapedVar := regexp.QuoteMeta(fullMatch)
		result = strings.Replace(result, escapedVar, captureGroup, 1)
	}

	result = strings.ReplaceAll(result, `\*`, ".*")
	result = "^" + result + "$"

	regex, err := regexp.Compile(result)
	if err != nil {
		return nil, err
	}

	return regex, nil
}

// NewResolver creates a resolver from config with validation.
//
// Validates:
//   - Patterns with empty pattern or domainType are skipped with warning
//   - Patterns with invalid regex are skipped with warning
//
// Returns a resolver containing only valid patterns.
// If config is nil or has no patterns, returns a no-op resolver (passthrough).
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil || len(cfg.DomainPatterns) == 0 {
		return &Resolver{
			patterns: []compiledPattern{},
		}
	}

	validPatterns := make([]compiledPattern, 0, len(cfg.DomainPatterns))

	for _, dp := range cfg.DomainPatterns {
		pattern := strings.TrimSpace(dp.Pattern)
		domainType := storage.DomainType(strings.TrimSpace(string(dp.DomainType)))

		if pattern == "" {
			slog.Warn("Skipping domain pattern with empty pattern string")

			continue
		}

		if domainType == "" {
			slog.Warn("Skipping domain pattern with empty domainType",
				slog.String("pattern", pattern))

			continue
		}

		regex, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("Skipping domain pattern with invalid regex",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		validPatterns = append(validPatterns, compiledPattern{
			regex:      regex,
			domainType: domainType,
		})

		slog.Debug("Compiled domain pattern",
			slog.String("pattern", pattern),
			slog.String("domainType", string(domainType)))
	}

	return &Resolver{
		patterns: validPatterns,
	}
}

// GetPatternCount returns the number of compiled patterns.
func (r *Resolver) GetPatternCount() int {
	if r == nil {
		return 0
	}

	return len(r.patterns)
}

// Resolve returns the DomainType of the first pattern matching domain, or
// "" if no pattern matches or domain is empty.
//
// Patterns are evaluated in order; first match wins.
func (r *Resolver) Resolve(domain string) storage.DomainType {
	domainType, _ := r.Match(domain)

	return domainType
}

// Match reports whether domain matches any configured pattern, returning
// the matched DomainType and true, or ("", false) on no match.
func (r *Resolver) Match(domain string) (storage.DomainType, bool) {
	if r == nil || len(r.patterns) == 0 || domain == "" {
		return "", false
	}

	for _, cp := range r.patterns {
		if cp.regex.MatchString(domain) {
			return cp.domainType, true
		}
	}

	return "", false
}

package aliasing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/search-transparency/runner/internal/storage"
)

func TestNewResolver_WithValidConfig(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "*.gov", DomainType: storage.DomainTypeGovernment},
			{Pattern: "*.edu", DomainType: storage.DomainTypeAcademic},
		},
	}

	r := NewResolver(cfg)

	require.NotNil(t, r)
	assert.Equal(t, 2, r.GetPatternCount())
}

func TestNewResolver_WithNilConfig(t *testing.T) {
	r := NewResolver(nil)

	require.NotNil(t, r)
	assert.Equal(t, 0, r.GetPatternCount())
}

func TestNewResolver_WithEmptyPatterns(t *testing.T) {
	cfg := &Config{DomainPatterns: []DomainPattern{}}

	r := NewResolver(cfg)

	require.NotNil(t, r)
	assert.Equal(t, 0, r.GetPatternCount())
}

func TestResolver_Resolve_KnownPattern(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "*.gov", DomainType: storage.DomainTypeGovernment},
		},
	}
	r := NewResolver(cfg)

	result := r.Resolve("cdc.gov")

	assert.Equal(t, storage.DomainTypeGovernment, result)
}

func TestResolver_Resolve_UnknownDomain(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "*.gov", DomainType: storage.DomainTypeGovernment},
		},
	}
	r := NewResolver(cfg)

	result := r.Resolve("example.com")

	assert.Equal(t, storage.DomainType(""), result)
}

func TestResolver_Resolve_EmptyString(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "*.gov", DomainType: storage.DomainTypeGovernment},
		},
	}
	r := NewResolver(cfg)

	result := r.Resolve("")

	assert.Empty(t, result)
}

func TestResolver_Resolve_WithNilResolver(t *testing.T) {
	var r *Resolver

	result := r.Resolve("anything.gov")

	assert.Empty(t, result)
}

func TestResolver_Resolve_CaseSensitive(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "*.gov", DomainType: storage.DomainTypeGovernment},
		},
	}
	r := NewResolver(cfg)

	_, ok := r.Match("CDC.GOV")

	assert.False(t, ok)
}

func TestResolver_Resolve_FirstMatchWins(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "news.example.com", DomainType: storage.DomainTypeNews},
			{Pattern: "*.example.com", DomainType: storage.DomainTypeOther},
		},
	}
	r := NewResolver(cfg)

	assert.Equal(t, storage.DomainTypeNews, r.Resolve("news.example.com"))
	assert.Equal(t, storage.DomainTypeOther, r.Resolve("blog.example.com"))
}

func TestResolver_Match_VariableCapture(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "{sub}.gov", DomainType: storage.DomainTypeGovernment},
		},
	}
	r := NewResolver(cfg)

	domainType, ok := r.Match("cdc.gov")

	require.True(t, ok)
	assert.Equal(t, storage.DomainTypeGovernment, domainType)
}

func TestResolver_Match_GreedyVariable(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "{path*}.edu", DomainType: storage.DomainTypeAcademic},
		},
	}
	r := NewResolver(cfg)

	domainType, ok := r.Match("cs.stanford.edu")

	require.True(t, ok)
	assert.Equal(t, storage.DomainTypeAcademic, domainType)
}

func TestNewResolver_SkipsEmptyPattern(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "", DomainType: storage.DomainTypeGovernment},
			{Pattern: "*.edu", DomainType: storage.DomainTypeAcademic},
		},
	}

	r := NewResolver(cfg)

	assert.Equal(t, 1, r.GetPatternCount())
}

func TestNewResolver_SkipsEmptyDomainType(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "*.gov", DomainType: ""},
			{Pattern: "*.edu", DomainType: storage.DomainTypeAcademic},
		},
	}

	r := NewResolver(cfg)

	assert.Equal(t, 1, r.GetPatternCount())
	assert.True(t, r.Resolve("example.edu") == storage.DomainTypeAcademic)
}

func TestNewResolver_TrimsWhitespace(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "  *.gov  ", DomainType: "  government  "},
		},
	}

	r := NewResolver(cfg)

	assert.Equal(t, 1, r.GetPatternCount())
	assert.Equal(t, storage.DomainTypeGovernment, r.Resolve("cdc.gov"))
}

//nolint:gosmopolitan // testing unicode support intentionally
func TestResolver_Resolve_Unicode(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "新闻.example.com", DomainType: storage.DomainTypeNews},
		},
	}
	r := NewResolver(cfg)

	result := r.Resolve("新闻.example.com")

	assert.Equal(t, storage.DomainTypeNews, result)
}

func TestResolver_ConcurrentResolve(t *testing.T) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{
			{Pattern: "*.gov", DomainType: storage.DomainTypeGovernment},
			{Pattern: "*.edu", DomainType: storage.DomainTypeAcademic},
		},
	}
	r := NewResolver(cfg)

	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			switch i % 3 {
			case 0:
				assert.Equal(t, storage.DomainTypeGovernment, r.Resolve("cdc.gov"))
			case 1:
				assert.Equal(t, storage.DomainTypeAcademic, r.Resolve("mit.edu"))
			case 2:
				assert.Equal(t, storage.DomainType(""), r.Resolve("example.com"))
			}
		}(i)
	}

	wg.Wait()
}

package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractKeywords(t *testing.T) {
	keywords := ExtractKeywords("What tools did you use on Project X?")

	assert.Contains(t, keywords, "tools")
	assert.Contains(t, keywords, "project")
	for _, stop := range []string{"what", "did", "you", "use", "on", "x", "?"} {
		assert.NotContains(t, keywords, stop)
	}
}

func TestExtractKeywords_Deduplicates(t *testing.T) {
	keywords := ExtractKeywords("Redis redis REDIS caching")
	assert.NotEmpty(t, keywords)

	seen := make(map[string]bool)
	for _, kw := range keywords {
		assert.False(t, seen[kw], "duplicate keyword %q", kw)
		seen[kw] = true
	}
}

func TestExtractKeywords_Empty(t *testing.T) {
	assert.Empty(t, ExtractKeywords("   "))
}

func TestPlainKeywords(t *testing.T) {
	assert.Equal(t, []string{"c++", "go", "kubernetes"}, plainKeywords("C++, Go and the Kubernetes!"))
}

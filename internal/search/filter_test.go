package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesFilter_ShallowEquality(t *testing.T) {
	meta := map[string]any{
		"source":    "wiki",
		"year":      2024,
		"published": true,
	}

	assert.True(t, MatchesFilter(meta, map[string]any{"source": "wiki"}))
	assert.True(t, MatchesFilter(meta, map[string]any{"published": true}))
	assert.False(t, MatchesFilter(meta, map[string]any{"source": "blog"}))
	assert.False(t, MatchesFilter(meta, map[string]any{"published": false}))
}

func TestMatchesFilter_NumbersCompareAcrossTypes(t *testing.T) {
	// Metadata decoded from JSON carries float64 values.
	meta := map[string]any{"year": float64(2024)}

	assert.True(t, MatchesFilter(meta, map[string]any{"year": 2024}))
	assert.True(t, MatchesFilter(meta, map[string]any{"year": int64(2024)}))
	assert.False(t, MatchesFilter(meta, map[string]any{"year": 2023}))
	assert.False(t, MatchesFilter(meta, map[string]any{"year": "2024"}))
}

func TestMatchesFilter_MissingFieldNeverMatches(t *testing.T) {
	meta := map[string]any{"source": "wiki"}

	assert.False(t, MatchesFilter(meta, map[string]any{"absent": "anything"}))
	assert.False(t, MatchesFilter(meta, map[string]any{"absent": nil}))
	assert.False(t, MatchesFilter(nil, map[string]any{"source": "wiki"}))
}

func TestMatchesFilter_EmptyFilterMatchesAll(t *testing.T) {
	assert.True(t, MatchesFilter(map[string]any{"a": 1}, nil))
	assert.True(t, MatchesFilter(map[string]any{"a": 1}, map[string]any{}))
	assert.True(t, MatchesFilter(nil, nil))
}

func TestMatchesFilter_DotPathsReachNestedMaps(t *testing.T) {
	meta := map[string]any{
		"origin": map[string]any{
			"site": map[string]any{"name": "docs"},
			"port": float64(443),
		},
	}

	assert.True(t, MatchesFilter(meta, map[string]any{"origin.site.name": "docs"}))
	assert.True(t, MatchesFilter(meta, map[string]any{"origin.port": 443}))
	assert.False(t, MatchesFilter(meta, map[string]any{"origin.site.name": "blog"}))
	assert.False(t, MatchesFilter(meta, map[string]any{"origin.missing": "x"}))
	// Path through a non-map value dead-ends.
	assert.False(t, MatchesFilter(meta, map[string]any{"origin.port.deep": 1}))
}

func TestMatchesFilter_LiteralDottedKeyWins(t *testing.T) {
	meta := map[string]any{"a.b": "literal"}
	assert.True(t, MatchesFilter(meta, map[string]any{"a.b": "literal"}))
}

func TestMatchesFilter_ListMembership(t *testing.T) {
	meta := map[string]any{
		"tags":  []any{"go", "search", "rag"},
		"langs": []string{"en", "fr"},
	}

	// Scalar condition against a stored list matches by membership.
	assert.True(t, MatchesFilter(meta, map[string]any{"tags": "search"}))
	assert.False(t, MatchesFilter(meta, map[string]any{"tags": "python"}))
	assert.True(t, MatchesFilter(meta, map[string]any{"langs": "fr"}))

	// List condition against a stored scalar also matches by membership.
	meta2 := map[string]any{"source": "wiki"}
	assert.True(t, MatchesFilter(meta2, map[string]any{"source": []any{"wiki", "blog"}}))
	assert.False(t, MatchesFilter(meta2, map[string]any{"source": []any{"blog"}}))
}

func TestMatchesFilter_ListIntersection(t *testing.T) {
	meta := map[string]any{"tags": []any{"go", "search"}}

	assert.True(t, MatchesFilter(meta, map[string]any{"tags": []any{"search", "ml"}}))
	assert.False(t, MatchesFilter(meta, map[string]any{"tags": []any{"ml", "vision"}}))
	assert.False(t, MatchesFilter(meta, map[string]any{"tags": []any{}}))
}

func TestMatchesFilter_MultipleConditionsAreConjunctive(t *testing.T) {
	meta := map[string]any{"source": "wiki", "year": 2024}

	assert.True(t, MatchesFilter(meta, map[string]any{"source": "wiki", "year": 2024}))
	assert.False(t, MatchesFilter(meta, map[string]any{"source": "wiki", "year": 1999}))
}

package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupTable(t *testing.T) {
	tests := []struct {
		name string
		kw   Kw
		want Leaf
	}{
		{"bare field", Kw{"name", "Acme"}, Leaf{"name", "=", "Acme"}},
		{"exact", Kw{"name__exact", "Acme"}, Leaf{"name", "=", "Acme"}},
		{"iexact", Kw{"name__iexact", "acme"}, Leaf{"name", "ilike", "acme"}},
		{"contains", Kw{"name__contains", "cm"}, Leaf{"name", "ilike", "%cm%"}},
		{"icontains", Kw{"name__icontains", "cm"}, Leaf{"name", "ilike", "%cm%"}},
		{"startswith", Kw{"name__startswith", "Ac"}, Leaf{"name", "ilike", "Ac%"}},
		{"istartswith", Kw{"name__istartswith", "ac"}, Leaf{"name", "ilike", "ac%"}},
		{"endswith", Kw{"name__endswith", "me"}, Leaf{"name", "ilike", "%me"}},
		{"iendswith", Kw{"name__iendswith", "me"}, Leaf{"name", "ilike", "%me"}},
		{"like", Kw{"name__like", "Ac%"}, Leaf{"name", "like", "Ac%"}},
		{"ilike", Kw{"name__ilike", "%acme%"}, Leaf{"name", "ilike", "%acme%"}},
		{"gt", Kw{"age__gt", 18}, Leaf{"age", ">", 18}},
		{"gte", Kw{"age__gte", 18}, Leaf{"age", ">=", 18}},
		{"lt", Kw{"age__lt", 65}, Leaf{"age", "<", 65}},
		{"lte", Kw{"age__lte", 65}, Leaf{"age", "<=", 65}},
		{"ne", Kw{"state__ne", "done"}, Leaf{"state", "!=", "done"}},
		{"in", Kw{"state__in", []any{"draft", "open"}}, Leaf{"state", "in", []any{"draft", "open"}}},
		{"not_in", Kw{"state__not_in", []any{"done"}}, Leaf{"state", "not in", []any{"done"}}},
		{"isnull true", Kw{"parent_id__isnull", true}, Leaf{"parent_id", "=", false}},
		{"isnull false", Kw{"parent_id__isnull", false}, Leaf{"parent_id", "!=", false}},
		{"isnotnull", Kw{"parent_id__isnotnull", true}, Leaf{"parent_id", "!=", false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lookupLeaf(tt.kw))
		})
	}
}

func TestLookupTraversesRelations(t *testing.T) {
	// Double underscores spell relationship traversal before the lookup.
	got := lookupLeaf(Kw{"partner_id__country_id__code", "US"})
	assert.Equal(t, Leaf{"partner_id.country_id.code", "=", "US"}, got)

	got = lookupLeaf(Kw{"partner_id__name__ilike", "%acme%"})
	assert.Equal(t, Leaf{"partner_id.name", "ilike", "%acme%"}, got)
}

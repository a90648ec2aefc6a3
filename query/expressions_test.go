package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeafOperators(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
		want []any
	}{
		{"eq", F("name").Eq("Acme"), []any{[]any{"name", "=", "Acme"}}},
		{"ne", F("name").Ne("Acme"), []any{[]any{"name", "!=", "Acme"}}},
		{"gt", F("age").Gt(18), []any{[]any{"age", ">", 18}}},
		{"gte", F("age").Gte(18), []any{[]any{"age", ">=", 18}}},
		{"lt", F("age").Lt(65), []any{[]any{"age", "<", 65}}},
		{"lte", F("age").Lte(65), []any{[]any{"age", "<=", 65}}},
		{"like", F("name").Like("Acme%"), []any{[]any{"name", "like", "Acme%"}}},
		{"ilike", F("name").ILike("%acme%"), []any{[]any{"name", "ilike", "%acme%"}}},
		{"in", F("state").In("draft", "open"), []any{[]any{"state", "in", []any{"draft", "open"}}}},
		{"not in", F("state").NotIn("done"), []any{[]any{"state", "not in", []any{"done"}}}},
		{"contains", F("name").Contains("acme"), []any{[]any{"name", "ilike", "%acme%"}}},
		{"startswith", F("name").Startswith("Ac"), []any{[]any{"name", "ilike", "Ac%"}}},
		{"endswith", F("name").Endswith("me"), []any{[]any{"name", "ilike", "%me"}}},
		{"is null", F("parent_id").IsNull(), []any{[]any{"parent_id", "=", false}}},
		{"is not null", F("parent_id").IsNotNull(), []any{[]any{"parent_id", "!=", false}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Domain(tt.expr))
		})
	}
}

func TestEmptyInPreserved(t *testing.T) {
	// An empty in-list must survive translation; the server returns nothing.
	domain := Domain(F("id").In())
	assert.Equal(t, []any{[]any{"id", "in", []any{}}}, domain)
}

func TestDottedFieldNames(t *testing.T) {
	domain := Domain(F("partner_id.country_id.code").Eq("US"))
	assert.Equal(t, []any{[]any{"partner_id.country_id.code", "=", "US"}}, domain)
}

func TestConjunctionOmitsOperators(t *testing.T) {
	// Adjacent leaves default to AND on the wire.
	domain := Domain(F("is_company").Eq(true), F("name").ILike("%acme%"))
	assert.Equal(t, []any{
		[]any{"is_company", "=", true},
		[]any{"name", "ilike", "%acme%"},
	}, domain)
}

func TestDisjunctionPrefix(t *testing.T) {
	domain := Domain(Or(F("name").Eq("A"), F("name").Eq("B")))
	assert.Equal(t, []any{
		"|",
		[]any{"name", "=", "A"},
		[]any{"name", "=", "B"},
	}, domain)
}

func TestDisjunctionThreeWay(t *testing.T) {
	// n children need n-1 prefix operators.
	domain := Domain(Or(F("a").Eq(1), F("b").Eq(2), F("c").Eq(3)))
	assert.Equal(t, []any{
		"|", "|",
		[]any{"a", "=", 1},
		[]any{"b", "=", 2},
		[]any{"c", "=", 3},
	}, domain)
}

func TestNegation(t *testing.T) {
	domain := Domain(Not(F("active").Eq(true)))
	assert.Equal(t, []any{
		"!",
		[]any{"active", "=", true},
	}, domain)
}

func TestNestedComposite(t *testing.T) {
	// (a=1 OR b=2) AND c=3
	domain := Domain(And(
		Or(F("a").Eq(1), F("b").Eq(2)),
		F("c").Eq(3),
	))
	assert.Equal(t, []any{
		"&",
		"|",
		[]any{"a", "=", 1},
		[]any{"b", "=", 2},
		[]any{"c", "=", 3},
	}, domain)
}

func TestQCombinators(t *testing.T) {
	q := F("a").Eq(1).Or(F("b").Eq(2))
	assert.Equal(t, []any{
		"|",
		[]any{"a", "=", 1},
		[]any{"b", "=", 2},
	}, Domain(q))

	neg := F("a").Eq(1).Not()
	assert.Equal(t, []any{
		"!",
		[]any{"a", "=", 1},
	}, Domain(neg))
}

func TestEmptyDomain(t *testing.T) {
	assert.Empty(t, Domain())
	assert.Empty(t, Domain(Q{}))
}

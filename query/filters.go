package query

import "strings"

// Kw is a keyword filter: a field name with an optional double-underscore
// lookup suffix, e.g. "name__ilike" or "age__gte".
type Kw struct {
	Name  string
	Value any
}

// KwArgs builds an ordered keyword filter list from pairs. Order matters for
// fingerprint stability, so callers pass explicit pairs rather than a map.
func KwArgs(pairs ...Kw) []Kw { return pairs }

// lookupLeaf translates one keyword filter into a domain leaf per the lookup
// table. Unknown suffixes are treated as part of the field path.
func lookupLeaf(kw Kw) Leaf {
	name := kw.Name
	lookup := "exact"
	if idx := strings.LastIndex(name, "__"); idx > 0 {
		candidate := name[idx+2:]
		if _, ok := lookupOps[candidate]; ok {
			lookup = candidate
			name = name[:idx]
		}
	}
	// Double underscores also spell relationship traversal.
	field := strings.ReplaceAll(name, "__", ".")

	op := lookupOps[lookup]
	value := kw.Value
	switch lookup {
	case "contains", "icontains":
		value = "%" + str(value) + "%"
	case "startswith", "istartswith":
		value = str(value) + "%"
	case "endswith", "iendswith":
		value = "%" + str(value)
	case "isnull":
		// field__isnull=true means the field is unset.
		if b, ok := kw.Value.(bool); ok && !b {
			return Leaf{Field: field, Operator: "!=", Value: false}
		}
		return Leaf{Field: field, Operator: "=", Value: false}
	case "isnotnull":
		return Leaf{Field: field, Operator: "!=", Value: false}
	}
	return Leaf{Field: field, Operator: op, Value: value}
}

var lookupOps = map[string]string{
	"exact":       "=",
	"iexact":      "ilike",
	"contains":    "ilike",
	"icontains":   "ilike",
	"startswith":  "ilike",
	"istartswith": "ilike",
	"endswith":    "ilike",
	"iendswith":   "ilike",
	"like":        "like",
	"ilike":       "ilike",
	"gt":          ">",
	"gte":         ">=",
	"lt":          "<",
	"lte":         "<=",
	"ne":          "!=",
	"in":          "in",
	"not_in":      "not in",
	"isnull":      "=",
	"isnotnull":   "!=",
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

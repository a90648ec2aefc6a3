package models

import (
	"fmt"
	"time"
)

// ValueKind tags a normalized field value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindDate
	KindDateTime
	KindRefOne
	KindRefMany
	KindResolved
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	case KindRefOne:
		return "ref_one"
	case KindRefMany:
		return "ref_many"
	case KindResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Value is the tagged union every raw wire value normalizes into. The wire
// is heterogeneous: false stands for null on non-boolean fields, many2one
// arrives as an [id, name] pair, collections as lists of ids.
type Value struct {
	kind     ValueKind
	b        bool
	i        int64
	f        float64
	s        string
	bytes    []byte
	t        time.Time
	refID    int64
	refName  string
	refIDs   []int64
	resolved any
}

// Constructors.

func Null() Value                { return Value{kind: KindNull} }
func Bool(v bool) Value          { return Value{kind: KindBool, b: v} }
func Int(v int64) Value          { return Value{kind: KindInt, i: v} }
func Float(v float64) Value      { return Value{kind: KindFloat, f: v} }
func String(v string) Value      { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value       { return Value{kind: KindBytes, bytes: v} }
func Date(v time.Time) Value     { return Value{kind: KindDate, t: v} }
func DateTime(v time.Time) Value { return Value{kind: KindDateTime, t: v} }

// RefOne references a single foreign record. The display name from the wire's
// [id, name] pair is preserved even though callers rarely need it.
func RefOne(id int64, name string) Value {
	return Value{kind: KindRefOne, refID: id, refName: name}
}

// RefMany references a list of foreign records.
func RefMany(ids []int64) Value {
	return Value{kind: KindRefMany, refIDs: ids}
}

// Resolved wraps an already-materialized Record or []*Record.
func Resolved(v any) Value {
	return Value{kind: KindResolved, resolved: v}
}

// Accessors.

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) Bool() bool       { return v.b }
func (v Value) Int() int64       { return v.i }
func (v Value) Float() float64   { return v.f }
func (v Value) Str() string      { return v.s }
func (v Value) BytesVal() []byte { return v.bytes }
func (v Value) Time() time.Time  { return v.t }

// Ref returns the foreign id and display name of a RefOne.
func (v Value) Ref() (int64, string) { return v.refID, v.refName }

// RefIDs returns the foreign ids of a RefMany, or the single id of a RefOne.
func (v Value) RefIDs() []int64 {
	if v.kind == KindRefOne {
		return []int64{v.refID}
	}
	return v.refIDs
}

// ResolvedValue returns the materialized record(s) of a Resolved value.
func (v Value) ResolvedValue() any { return v.resolved }

// Raw converts back to a wire-shaped Go value.
func (v Value) Raw() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.bytes
	case KindDate:
		return v.t.Format("2006-01-02")
	case KindDateTime:
		return v.t.Format("2006-01-02 15:04:05")
	case KindRefOne:
		return v.refID
	case KindRefMany:
		ids := make([]any, len(v.refIDs))
		for i, id := range v.refIDs {
			ids[i] = id
		}
		return ids
	case KindResolved:
		return v.resolved
	default:
		return nil
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.kind, v.Raw())
}

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
)

// Normalize converts a raw wire value into the tagged union using the field
// descriptor when one is available. A zero-value descriptor normalizes by
// shape alone.
func Normalize(raw any, field FieldDescriptor) Value {
	if raw == nil {
		return Null()
	}

	switch typed := raw.(type) {
	case bool:
		// Odoo sends false for null on every non-boolean field.
		if field.Type != TypeBoolean && field.Type != "" && !typed {
			return Null()
		}
		if field.Type == TypeBoolean || field.Type == "" {
			return Bool(typed)
		}
		return Null()
	case float64:
		switch field.Type {
		case TypeInteger, TypeMany2One:
			return normalizeScalarRef(field, int64(typed))
		case TypeFloat, TypeMonetary:
			return Float(typed)
		}
		if typed == float64(int64(typed)) {
			return Int(int64(typed))
		}
		return Float(typed)
	case int:
		return normalizeScalarRef(field, int64(typed))
	case int64:
		return normalizeScalarRef(field, typed)
	case string:
		switch field.Type {
		case TypeDate:
			if t, err := time.Parse(dateLayout, typed); err == nil {
				return Date(t)
			}
		case TypeDatetime:
			if t, err := time.Parse(dateTimeLayout, typed); err == nil {
				return DateTime(t)
			}
		case TypeBinary:
			return Bytes([]byte(typed))
		}
		return String(typed)
	case []byte:
		return Bytes(typed)
	case time.Time:
		if field.Type == TypeDate {
			return Date(typed)
		}
		return DateTime(typed)
	case []any:
		return normalizeList(typed, field)
	case []int64:
		return RefMany(append([]int64(nil), typed...))
	}
	return String(fmt.Sprint(raw))
}

// normalizeScalarRef keeps a bare id as a reference on relational fields.
func normalizeScalarRef(field FieldDescriptor, id int64) Value {
	if field.Type == TypeMany2One {
		return RefOne(id, "")
	}
	return Int(id)
}

// normalizeList handles the [id, name] many2one pair and id collections.
func normalizeList(list []any, field FieldDescriptor) Value {
	if len(list) == 2 && field.Type == TypeMany2One {
		if id, ok := asInt64(list[0]); ok {
			name, _ := list[1].(string)
			return RefOne(id, name)
		}
	}
	ids := make([]int64, 0, len(list))
	for _, item := range list {
		id, ok := asInt64(item)
		if !ok {
			// Mixed content cannot be a reference list; keep it resolved raw.
			return Resolved(list)
		}
		ids = append(ids, id)
	}
	// A bare 2-element id list on an untyped field is ambiguous with the
	// [id, name] pair; ids win because pairs always carry a string name.
	return RefMany(ids)
}

func asInt64(v any) (int64, bool) {
	switch typed := v.(type) {
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed), true
		}
	}
	return 0, false
}

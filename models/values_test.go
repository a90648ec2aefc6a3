package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeScalars(t *testing.T) {
	tests := []struct {
		name  string
		raw   any
		field FieldDescriptor
		want  ValueKind
	}{
		{"nil", nil, FieldDescriptor{}, KindNull},
		{"bool on boolean field", true, FieldDescriptor{Type: TypeBoolean}, KindBool},
		{"false on char field is null", false, FieldDescriptor{Type: TypeChar}, KindNull},
		{"float on float field", 3.14, FieldDescriptor{Type: TypeFloat}, KindFloat},
		{"float on integer field", float64(7), FieldDescriptor{Type: TypeInteger}, KindInt},
		{"whole float untyped", float64(7), FieldDescriptor{}, KindInt},
		{"fractional float untyped", 7.5, FieldDescriptor{}, KindFloat},
		{"string", "hello", FieldDescriptor{Type: TypeChar}, KindString},
		{"monetary", 10.5, FieldDescriptor{Type: TypeMonetary}, KindFloat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw, tt.field).Kind())
		})
	}
}

func TestNormalizeFalseIsNullOnNonBoolean(t *testing.T) {
	// Odoo sends false where a value is unset.
	v := Normalize(false, FieldDescriptor{Type: TypeChar})
	assert.True(t, v.IsNull())

	v = Normalize(false, FieldDescriptor{Type: TypeMany2One})
	assert.True(t, v.IsNull())

	v = Normalize(false, FieldDescriptor{Type: TypeBoolean})
	assert.Equal(t, KindBool, v.Kind())
	assert.False(t, v.Bool())
}

func TestNormalizeMany2OnePairKeepsName(t *testing.T) {
	v := Normalize([]any{float64(42), "United States"}, FieldDescriptor{Type: TypeMany2One})
	assert.Equal(t, KindRefOne, v.Kind())

	id, name := v.Ref()
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "United States", name)
	assert.Equal(t, []int64{42}, v.RefIDs())
}

func TestNormalizeBareIDOnMany2One(t *testing.T) {
	v := Normalize(float64(42), FieldDescriptor{Type: TypeMany2One})
	assert.Equal(t, KindRefOne, v.Kind())
	id, name := v.Ref()
	assert.Equal(t, int64(42), id)
	assert.Empty(t, name)
}

func TestNormalizeIDListOnCollection(t *testing.T) {
	v := Normalize([]any{float64(1), float64(2), float64(3)}, FieldDescriptor{Type: TypeOne2Many})
	assert.Equal(t, KindRefMany, v.Kind())
	assert.Equal(t, []int64{1, 2, 3}, v.RefIDs())
}

func TestNormalizeDates(t *testing.T) {
	v := Normalize("2024-05-01", FieldDescriptor{Type: TypeDate})
	assert.Equal(t, KindDate, v.Kind())
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), v.Time())

	v = Normalize("2024-05-01 13:45:00", FieldDescriptor{Type: TypeDatetime})
	assert.Equal(t, KindDateTime, v.Kind())
	assert.Equal(t, 13, v.Time().Hour())
}

func TestValueRawRoundTrip(t *testing.T) {
	assert.Equal(t, nil, Null().Raw())
	assert.Equal(t, true, Bool(true).Raw())
	assert.Equal(t, int64(5), Int(5).Raw())
	assert.Equal(t, "2024-05-01", Date(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)).Raw())
	assert.Equal(t, int64(42), RefOne(42, "x").Raw())
	assert.Equal(t, []any{int64(1), int64(2)}, RefMany([]int64{1, 2}).Raw())
}

func TestOdooTypePredicates(t *testing.T) {
	assert.True(t, TypeMany2One.IsRelational())
	assert.False(t, TypeMany2One.IsCollection())
	assert.True(t, TypeOne2Many.IsCollection())
	assert.True(t, TypeMany2Many.IsRelational())
	assert.False(t, TypeChar.IsRelational())
}

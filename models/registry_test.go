package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCommonModels(t *testing.T) {
	r := NewRegistry()

	partner := r.Get("res.partner")
	require.NotNil(t, partner)

	country, ok := partner.Field("country_id")
	require.True(t, ok)
	assert.Equal(t, TypeMany2One, country.Type)
	assert.Equal(t, "res.country", country.Relation)

	children, ok := partner.Field("child_ids")
	require.True(t, ok)
	assert.Equal(t, TypeOne2Many, children.Type)
	assert.Equal(t, "parent_id", children.Inverse)

	assert.NotNil(t, r.Get("res.country"))
	assert.NotNil(t, r.Get("res.users"))
	assert.NotNil(t, r.Get("product.product"))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	assert.Nil(t, r.Get("x.custom"))

	require.NoError(t, r.Register(&Descriptor{
		OdooName: "x.custom",
		Fields: map[string]FieldDescriptor{
			"name": {Name: "name", Type: TypeChar},
		},
	}))
	require.NotNil(t, r.Get("x.custom"))

	// Re-registering replaces.
	require.NoError(t, r.Register(&Descriptor{
		OdooName: "x.custom",
		Fields: map[string]FieldDescriptor{
			"title": {Name: "title", Type: TypeChar},
		},
	}))
	_, ok := r.Get("x.custom").Field("title")
	assert.True(t, ok)
}

func TestRegistryRejectsUnnamed(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&Descriptor{}))
	assert.Error(t, r.Register(nil))
}

func TestRegistryModels(t *testing.T) {
	r := NewRegistry()
	assert.Contains(t, r.Models(), "res.partner")
}

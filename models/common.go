package models

// registerCommonModels pre-registers the descriptors every Odoo install
// ships with, so basic queries work without caller-side registration.
func registerCommonModels(r *Registry) {
	_ = r.Register(&Descriptor{
		OdooName: "res.partner",
		Fields: map[string]FieldDescriptor{
			"name":       {Name: "name", Type: TypeChar, Required: true},
			"email":      {Name: "email", Type: TypeChar},
			"phone":      {Name: "phone", Type: TypeChar},
			"is_company": {Name: "is_company", Type: TypeBoolean},
			"active":     {Name: "active", Type: TypeBoolean},
			"ref":        {Name: "ref", Type: TypeChar},
			"website":    {Name: "website", Type: TypeChar},
			"comment":    {Name: "comment", Type: TypeText},
			"country_id": {Name: "country_id", Type: TypeMany2One, Relation: "res.country"},
			"parent_id":  {Name: "parent_id", Type: TypeMany2One, Relation: "res.partner"},
			"child_ids":  {Name: "child_ids", Type: TypeOne2Many, Relation: "res.partner", Inverse: "parent_id"},
			"user_ids":   {Name: "user_ids", Type: TypeOne2Many, Relation: "res.users", Inverse: "partner_id"},
			"category_id": {
				Name: "category_id", Type: TypeMany2Many, Relation: "res.partner.category",
			},
		},
	})

	_ = r.Register(&Descriptor{
		OdooName: "res.country",
		Fields: map[string]FieldDescriptor{
			"name": {Name: "name", Type: TypeChar, Required: true},
			"code": {Name: "code", Type: TypeChar, Size: 2},
		},
	})

	_ = r.Register(&Descriptor{
		OdooName: "res.users",
		Fields: map[string]FieldDescriptor{
			"name":       {Name: "name", Type: TypeChar, Required: true},
			"login":      {Name: "login", Type: TypeChar, Required: true},
			"email":      {Name: "email", Type: TypeChar},
			"active":     {Name: "active", Type: TypeBoolean},
			"partner_id": {Name: "partner_id", Type: TypeMany2One, Relation: "res.partner"},
		},
	})

	_ = r.Register(&Descriptor{
		OdooName: "product.product",
		Fields: map[string]FieldDescriptor{
			"name":       {Name: "name", Type: TypeChar, Required: true},
			"default_code": {Name: "default_code", Type: TypeChar},
			"list_price": {Name: "list_price", Type: TypeFloat},
			"active":     {Name: "active", Type: TypeBoolean},
			"categ_id":   {Name: "categ_id", Type: TypeMany2One, Relation: "product.category"},
		},
	})
}

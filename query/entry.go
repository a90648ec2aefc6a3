package query

import (
	"context"

	"github.com/odooflow/odooflow/models"
)

// Builder is the per-model entry point handed out by the client façade.
type Builder struct {
	client Client
	model  string
}

// NewBuilder binds a builder to model.
func NewBuilder(client Client, model string) *Builder {
	return &Builder{client: client, model: model}
}

// Model returns the bound model name.
func (b *Builder) Model() string { return b.model }

// All starts an unfiltered query.
func (b *Builder) All() *QuerySet {
	return NewQuerySet(b.client, b.model)
}

// Filter starts a query with the given expressions.
func (b *Builder) Filter(exprs ...Expr) *QuerySet {
	return b.All().Filter(exprs...)
}

// FilterKw starts a query with keyword lookups.
func (b *Builder) FilterKw(kwargs ...Kw) *QuerySet {
	return b.All().FilterKw(kwargs...)
}

// Exclude starts a query with negated expressions.
func (b *Builder) Exclude(exprs ...Expr) *QuerySet {
	return b.All().Exclude(exprs...)
}

// OrderBy starts an ordered query.
func (b *Builder) OrderBy(fields ...string) *QuerySet {
	return b.All().OrderBy(fields...)
}

// Get returns exactly one matching record.
func (b *Builder) Get(ctx context.Context, exprs ...Expr) (*models.Record, error) {
	return b.All().Get(ctx, exprs...)
}

// GetByID returns exactly the record with id.
func (b *Builder) GetByID(ctx context.Context, id int64) (*models.Record, error) {
	return b.All().GetByID(ctx, id)
}

// Create inserts one record and returns it, constructed from the written
// values plus the new id.
func (b *Builder) Create(ctx context.Context, values map[string]any) (*models.Record, error) {
	id, err := b.client.Create(ctx, b.model, values)
	if err != nil {
		return nil, err
	}
	row := make(map[string]any, len(values)+1)
	for k, v := range values {
		row[k] = v
	}
	row["id"] = id
	return models.NewRecord(b.client, b.model, row)
}

// CreateBulk inserts many records in one call and returns them in input
// order.
func (b *Builder) CreateBulk(ctx context.Context, values []map[string]any) ([]*models.Record, error) {
	ids, err := b.client.CreateBulk(ctx, b.model, values)
	if err != nil {
		return nil, err
	}
	records := make([]*models.Record, 0, len(ids))
	for i, id := range ids {
		row := make(map[string]any, len(values[i])+1)
		for k, v := range values[i] {
			row[k] = v
		}
		row["id"] = id
		record, err := models.NewRecord(b.client, b.model, row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

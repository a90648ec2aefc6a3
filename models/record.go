package models

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Session is the narrow slice of the client a record or relationship needs.
// The root client implements it; tests substitute fakes.
type Session interface {
	SearchRead(ctx context.Context, model string, domain []any, fields []string, limit, offset int, order string) ([]map[string]any, error)
	Read(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error)
	Write(ctx context.Context, model string, ids []int64, values map[string]any) error
	Unlink(ctx context.Context, model string, ids []int64) error
	Registry() *Registry
	Loader() *Loader
}

// Record is one server row: an immutable id, a model name, and a set of
// normalized field values. The loaded set only grows, except on Refresh.
type Record struct {
	mu      sync.RWMutex
	id      int64
	model   string
	fields  map[string]Value
	loaded  map[string]struct{}
	deleted bool

	session Session
	rels    map[string]*LazyRelationship
}

// NewRecord builds a record from a raw search_read row. Every field present
// in the row is normalized and marked loaded.
func NewRecord(session Session, model string, row map[string]any) (*Record, error) {
	rawID, ok := row["id"]
	if !ok {
		return nil, fmt.Errorf("row for model %s has no id", model)
	}
	id, ok := asInt64(rawID)
	if !ok {
		return nil, fmt.Errorf("row for model %s has a non-integer id %v", model, rawID)
	}

	r := &Record{
		id:      id,
		model:   model,
		fields:  make(map[string]Value, len(row)),
		loaded:  make(map[string]struct{}, len(row)),
		session: session,
		rels:    make(map[string]*LazyRelationship),
	}
	r.merge(row)
	return r, nil
}

// merge normalizes and stores row values. Caller need not hold the lock for
// construction; concurrent callers must.
func (r *Record) merge(row map[string]any) {
	descriptor := r.descriptor()
	for name, raw := range row {
		if name == "id" {
			continue
		}
		var fd FieldDescriptor
		if descriptor != nil {
			fd, _ = descriptor.Field(name)
		}
		r.fields[name] = Normalize(raw, fd)
		r.loaded[name] = struct{}{}
	}
}

func (r *Record) descriptor() *Descriptor {
	if r.session == nil || r.session.Registry() == nil {
		return nil
	}
	return r.session.Registry().Get(r.model)
}

// ID returns the immutable server id.
func (r *Record) ID() int64 { return r.id }

// Model returns the odoo model name.
func (r *Record) Model() string { return r.model }

// Get returns the normalized value for field and whether it is loaded.
func (r *Record) Get(field string) (Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, loaded := r.loaded[field]
	if !loaded {
		return Null(), false
	}
	return r.fields[field], true
}

// Loaded returns the sorted names of loaded fields.
func (r *Record) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.loaded))
	for name := range r.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsDeleted reports whether Delete succeeded on this record.
func (r *Record) IsDeleted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deleted
}

// Relationship returns the lazy relationship for field. The raw value must
// be a reference; a resolved value is served from the relationship cache.
func (r *Record) Relationship(field string) (*LazyRelationship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rel, ok := r.rels[field]; ok {
		return rel, nil
	}

	descriptor := r.descriptor()
	if descriptor == nil {
		return nil, fmt.Errorf("model %s is not registered", r.model)
	}
	fd, ok := descriptor.Field(field)
	if !ok || !fd.Type.IsRelational() {
		return nil, fmt.Errorf("field %s.%s is not relational", r.model, field)
	}

	value := r.fields[field]
	rel := newLazyRelationship(r.session.Loader(), r, field, fd.Relation, value.RefIDs(), fd.Type.IsCollection())
	r.rels[field] = rel
	return rel, nil
}

// Update writes values to the server and merges them locally. The loaded set
// is extended with the written fields.
func (r *Record) Update(ctx context.Context, values map[string]any) error {
	r.mu.RLock()
	if r.deleted {
		r.mu.RUnlock()
		return fmt.Errorf("record %s(%d) is deleted", r.model, r.id)
	}
	r.mu.RUnlock()

	if err := r.session.Write(ctx, r.model, []int64{r.id}, values); err != nil {
		return err
	}

	r.mu.Lock()
	r.merge(values)
	r.mu.Unlock()
	return nil
}

// Delete unlinks the record on the server. The record keeps its id but
// rejects any further mutation.
func (r *Record) Delete(ctx context.Context) error {
	r.mu.RLock()
	if r.deleted {
		r.mu.RUnlock()
		return fmt.Errorf("record %s(%d) is already deleted", r.model, r.id)
	}
	r.mu.RUnlock()

	if err := r.session.Unlink(ctx, r.model, []int64{r.id}); err != nil {
		return err
	}

	r.mu.Lock()
	r.deleted = true
	r.mu.Unlock()
	return nil
}

// Refresh re-reads the loaded fields from the server, replacing local state
// and dropping the record-scoped relationship cache.
func (r *Record) Refresh(ctx context.Context) error {
	r.mu.RLock()
	if r.deleted {
		r.mu.RUnlock()
		return fmt.Errorf("record %s(%d) is deleted", r.model, r.id)
	}
	fields := make([]string, 0, len(r.loaded))
	for name := range r.loaded {
		fields = append(fields, name)
	}
	r.mu.RUnlock()

	rows, err := r.session.Read(ctx, r.model, []int64{r.id}, fields)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("record %s(%d) no longer exists", r.model, r.id)
	}

	r.mu.Lock()
	r.fields = make(map[string]Value, len(rows[0]))
	r.loaded = make(map[string]struct{}, len(rows[0]))
	r.rels = make(map[string]*LazyRelationship)
	r.merge(rows[0])
	r.mu.Unlock()
	return nil
}

// setResolved caches a materialized relationship value on the record.
func (r *Record) setResolved(field string, value any) {
	r.mu.Lock()
	r.fields[field] = Resolved(value)
	r.loaded[field] = struct{}{}
	r.mu.Unlock()
}

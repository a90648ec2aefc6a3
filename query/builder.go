package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odooflow/odooflow/cache"
	"github.com/odooflow/odooflow/models"
)

// Client is the slice of the façade the query layer consumes.
type Client interface {
	models.Session
	SearchCount(ctx context.Context, model string, domain []any) (int, error)
	Create(ctx context.Context, model string, values map[string]any) (int64, error)
	CreateBulk(ctx context.Context, model string, values []map[string]any) ([]int64, error)
	// Cache returns the cache manager, or nil when caching is not set up.
	Cache() *cache.Manager
}

// QuerySet is an immutable query description. Every builder method returns a
// clone with one field changed; terminals execute it.
type QuerySet struct {
	client Client
	model  string

	filters   []Expr
	orders    []string
	limitN    int
	offsetN   int
	onlyF     []string
	deferF    []string
	context   map[string]any
	selectRel []string
	prefetch  []string

	cacheTTL     time.Duration
	cacheEnabled *bool
}

// NewQuerySet starts an empty query against model.
func NewQuerySet(client Client, model string) *QuerySet {
	return &QuerySet{client: client, model: model}
}

func (qs *QuerySet) clone() *QuerySet {
	dup := *qs
	dup.filters = append([]Expr(nil), qs.filters...)
	dup.orders = append([]string(nil), qs.orders...)
	dup.onlyF = append([]string(nil), qs.onlyF...)
	dup.deferF = append([]string(nil), qs.deferF...)
	dup.selectRel = append([]string(nil), qs.selectRel...)
	dup.prefetch = append([]string(nil), qs.prefetch...)
	if qs.context != nil {
		dup.context = make(map[string]any, len(qs.context))
		for k, v := range qs.context {
			dup.context[k] = v
		}
	}
	return &dup
}

// Filter adds expressions and keyword lookups, conjoined with AND.
func (qs *QuerySet) Filter(exprs ...Expr) *QuerySet {
	dup := qs.clone()
	dup.filters = append(dup.filters, exprs...)
	return dup
}

// FilterKw adds keyword lookups ("name__ilike", "age__gte", ...) conjoined
// with AND.
func (qs *QuerySet) FilterKw(kwargs ...Kw) *QuerySet {
	dup := qs.clone()
	for _, kw := range kwargs {
		dup.filters = append(dup.filters, lookupLeaf(kw))
	}
	return dup
}

// Exclude adds expressions wrapped in NOT.
func (qs *QuerySet) Exclude(exprs ...Expr) *QuerySet {
	dup := qs.clone()
	dup.filters = append(dup.filters, Not(And(exprs...)))
	return dup
}

// ExcludeKw adds negated keyword lookups.
func (qs *QuerySet) ExcludeKw(kwargs ...Kw) *QuerySet {
	exprs := make([]Expr, len(kwargs))
	for i, kw := range kwargs {
		exprs[i] = lookupLeaf(kw)
	}
	return qs.Exclude(exprs...)
}

// OrderBy replaces the ordering. A "-" prefix sorts descending; calling with
// no arguments clears the ordering.
func (qs *QuerySet) OrderBy(fields ...string) *QuerySet {
	dup := qs.clone()
	dup.orders = append([]string(nil), fields...)
	return dup
}

// Limit bounds the result size.
func (qs *QuerySet) Limit(n int) *QuerySet {
	dup := qs.clone()
	dup.limitN = n
	return dup
}

// Offset skips the first n results.
func (qs *QuerySet) Offset(n int) *QuerySet {
	dup := qs.clone()
	dup.offsetN = n
	return dup
}

// Only restricts the fetched fields to the listed ones.
func (qs *QuerySet) Only(fields ...string) *QuerySet {
	dup := qs.clone()
	dup.onlyF = append([]string(nil), fields...)
	return dup
}

// Defer excludes the listed fields from the fetch.
func (qs *QuerySet) Defer(fields ...string) *QuerySet {
	dup := qs.clone()
	dup.deferF = append([]string(nil), fields...)
	return dup
}

// WithContext shallow-merges ctx into the query context.
func (qs *QuerySet) WithContext(ctx map[string]any) *QuerySet {
	dup := qs.clone()
	if dup.context == nil {
		dup.context = make(map[string]any, len(ctx))
	}
	for k, v := range ctx {
		dup.context[k] = v
	}
	return dup
}

// SelectRelated hints that the listed relationship fields should be fetched
// in the same round-trip.
func (qs *QuerySet) SelectRelated(fields ...string) *QuerySet {
	dup := qs.clone()
	dup.selectRel = append(dup.selectRel, fields...)
	return dup
}

// PrefetchRelated hints that after the base query returns, one batched
// follow-up query per field fetches the union of referenced ids.
func (qs *QuerySet) PrefetchRelated(fields ...string) *QuerySet {
	dup := qs.clone()
	dup.prefetch = append(dup.prefetch, fields...)
	return dup
}

// Cache overrides the per-query cache behavior. ttl 0 uses the backend
// default; enabled false bypasses the cache for this query only.
func (qs *QuerySet) Cache(ttl time.Duration, enabled bool) *QuerySet {
	dup := qs.clone()
	dup.cacheTTL = ttl
	dup.cacheEnabled = &enabled
	return dup
}

// Domain renders the accumulated filters into wire form.
func (qs *QuerySet) Domain() []any {
	return Domain(qs.filters...)
}

// fields resolves the effective field list: Only wins; Defer subtracts from
// the registered field set. Nil means all fields. SelectRelated fields are
// always part of an explicit list so their references travel with the row.
func (qs *QuerySet) fields() []string {
	if len(qs.onlyF) > 0 {
		out := append([]string(nil), qs.onlyF...)
		have := make(map[string]struct{}, len(out))
		for _, f := range out {
			have[f] = struct{}{}
		}
		for _, f := range qs.selectRel {
			if _, ok := have[f]; !ok {
				out = append(out, f)
			}
		}
		return out
	}
	if len(qs.deferF) == 0 {
		return nil
	}
	registry := qs.client.Registry()
	if registry == nil {
		return nil
	}
	descriptor := registry.Get(qs.model)
	if descriptor == nil {
		return nil
	}
	deferred := make(map[string]struct{}, len(qs.deferF))
	for _, f := range qs.deferF {
		deferred[f] = struct{}{}
	}
	var out []string
	for _, name := range descriptor.FieldNames() {
		if _, skip := deferred[name]; !skip {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (qs *QuerySet) order() string {
	return strings.Join(qs.orders, ", ")
}

// CacheKey returns the query fingerprint key.
func (qs *QuerySet) CacheKey() (cache.Key, error) {
	return cache.MakeQueryKey(qs.model, qs.Domain(), qs.fields(), qs.limitN, qs.offsetN, qs.order(), qs.context, "")
}

func (qs *QuerySet) cacheActive() bool {
	if qs.client.Cache() == nil {
		return false
	}
	if qs.cacheEnabled != nil {
		return *qs.cacheEnabled
	}
	return true
}

// All materializes the query into records. The result is served from the
// query cache when possible; a miss runs one search_read under the stampede
// guard, then dispatches prefetch follow-ups.
func (qs *QuerySet) All(ctx context.Context) ([]*models.Record, error) {
	rows, err := qs.rows(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*models.Record, 0, len(rows))
	for _, row := range rows {
		record, err := models.NewRecord(qs.client, qs.model, row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if len(qs.prefetch) > 0 && len(records) > 0 {
		if err := qs.runPrefetch(ctx, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// rows executes the raw query with caching.
func (qs *QuerySet) rows(ctx context.Context) ([]map[string]any, error) {
	execute := func(ctx context.Context) (any, error) {
		rows, err := qs.client.SearchRead(ctx, qs.model, qs.Domain(), qs.fields(), qs.limitN, qs.offsetN, qs.order())
		if err != nil {
			return nil, err
		}
		return rows, nil
	}

	if !qs.cacheActive() {
		raw, err := execute(ctx)
		if err != nil {
			return nil, err
		}
		return toRows(raw), nil
	}

	key, err := qs.CacheKey()
	if err != nil {
		return nil, err
	}
	raw, err := qs.client.Cache().GetOrCompute(ctx, key.Key, qs.cacheTTL, execute)
	if err != nil {
		return nil, err
	}
	return toRows(raw), nil
}

// runPrefetch issues one batched follow-up per hinted field covering the
// union of referenced ids, then primes the loader so lazy accesses hit the
// memo instead of the wire.
func (qs *QuerySet) runPrefetch(ctx context.Context, records []*models.Record) error {
	registry := qs.client.Registry()
	if registry == nil {
		return nil
	}
	descriptor := registry.Get(qs.model)
	if descriptor == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, field := range qs.prefetch {
		fd, ok := descriptor.Field(field)
		if !ok || !fd.Type.IsRelational() {
			continue
		}

		idSet := make(map[int64]struct{})
		for _, record := range records {
			if value, loaded := record.Get(field); loaded {
				for _, id := range value.RefIDs() {
					idSet[id] = struct{}{}
				}
			}
		}
		if len(idSet) == 0 {
			continue
		}
		ids := make([]any, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].(int64) < ids[j].(int64) })

		target := fd.Relation
		g.Go(func() error {
			rows, err := qs.client.SearchRead(gctx, target, []any{[]any{"id", "in", ids}}, nil, 0, 0, "")
			if err != nil {
				return err
			}
			fetched := make(map[int64]*models.Record, len(rows))
			for _, row := range rows {
				record, err := models.NewRecord(qs.client, target, row)
				if err != nil {
					return err
				}
				fetched[record.ID()] = record
			}
			qs.client.Loader().Prime(target, fetched)
			return nil
		})
	}
	return g.Wait()
}

// First returns the first record or nil.
func (qs *QuerySet) First(ctx context.Context) (*models.Record, error) {
	records, err := qs.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Get returns exactly one record matching the filters. Zero matches and
// multiple matches are both errors.
func (qs *QuerySet) Get(ctx context.Context, exprs ...Expr) (*models.Record, error) {
	scoped := qs
	if len(exprs) > 0 {
		scoped = qs.Filter(exprs...)
	}
	records, err := scoped.Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, fmt.Errorf("%s: %w", qs.model, ErrNotFound)
	case 1:
		return records[0], nil
	default:
		return nil, fmt.Errorf("%s: %w", qs.model, ErrMultipleFound)
	}
}

// GetByID returns exactly the record with id.
func (qs *QuerySet) GetByID(ctx context.Context, id int64) (*models.Record, error) {
	return qs.Get(ctx, F("id").Eq(id))
}

// Count runs search_count for the current filters.
func (qs *QuerySet) Count(ctx context.Context) (int, error) {
	return qs.client.SearchCount(ctx, qs.model, qs.Domain())
}

// Exists reports whether any record matches.
func (qs *QuerySet) Exists(ctx context.Context) (bool, error) {
	count, err := qs.Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Values returns raw rows restricted to fields, without instantiating
// records.
func (qs *QuerySet) Values(ctx context.Context, fields ...string) ([]map[string]any, error) {
	scoped := qs
	if len(fields) > 0 {
		scoped = qs.Only(fields...)
	}
	return scoped.rows(ctx)
}

// ValuesList returns per-row value tuples in field order. With flat set and
// a single field, the inner slices have one element each.
func (qs *QuerySet) ValuesList(ctx context.Context, fields []string, flat bool) ([][]any, error) {
	if flat && len(fields) != 1 {
		return nil, fmt.Errorf("flat requires exactly one field")
	}
	rows, err := qs.Values(ctx, fields...)
	if err != nil {
		return nil, err
	}
	out := make([][]any, len(rows))
	for i, row := range rows {
		tuple := make([]any, len(fields))
		for j, field := range fields {
			tuple[j] = row[field]
		}
		out[i] = tuple
	}
	return out, nil
}

// toRows normalizes a possibly cache-round-tripped result back into rows.
func toRows(raw any) []map[string]any {
	switch typed := raw.(type) {
	case []map[string]any:
		return typed
	case []any:
		rows := make([]map[string]any, 0, len(typed))
		for _, item := range typed {
			if row, ok := item.(map[string]any); ok {
				rows = append(rows, row)
			}
		}
		return rows
	default:
		return nil
	}
}

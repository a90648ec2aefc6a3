package models

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RelState tracks a lazy relationship through its lifecycle.
type RelState int

const (
	RelUnloaded RelState = iota
	RelLoading
	RelLoaded
	RelFailed
)

// LazyRelationship is a deferred reference to one or more related records.
// Accessing the field returns the lazy object itself; One or All materialize
// it, coalescing with sibling loads of the same (model, field).
type LazyRelationship struct {
	loader       *Loader
	parent       *Record
	field        string
	targetModel  string
	ids          []int64
	isCollection bool

	mu    sync.Mutex
	state RelState
	value any
	err   error
}

func newLazyRelationship(loader *Loader, parent *Record, field, targetModel string, ids []int64, isCollection bool) *LazyRelationship {
	return &LazyRelationship{
		loader:       loader,
		parent:       parent,
		field:        field,
		targetModel:  targetModel,
		ids:          ids,
		isCollection: isCollection,
	}
}

// State returns the current lifecycle state.
func (r *LazyRelationship) State() RelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IDs returns the raw foreign ids.
func (r *LazyRelationship) IDs() []int64 {
	return append([]int64(nil), r.ids...)
}

// IsCollection reports whether the relationship refers to a list.
func (r *LazyRelationship) IsCollection() bool { return r.isCollection }

// Load materializes the relationship, joining the per-(model,field) batch so
// sibling loads issue one RPC. On failure every awaiter observes the error
// and the relationship settles loaded with an empty value.
func (r *LazyRelationship) Load(ctx context.Context) (any, error) {
	r.mu.Lock()
	switch r.state {
	case RelLoaded:
		value, err := r.value, r.err
		r.mu.Unlock()
		return value, err
	case RelFailed:
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	r.state = RelLoading
	r.mu.Unlock()

	if len(r.ids) == 0 {
		r.settle(r.emptyValue(), nil)
		return r.emptyValue(), nil
	}

	records, err := r.loader.load(ctx, r.targetModel, r.field, r.ids)
	if err != nil {
		if ctx.Err() != nil {
			r.fail(err)
			return nil, err
		}
		r.settle(r.emptyValue(), err)
		return nil, err
	}

	value := r.resolve(records)
	r.settle(value, nil)
	if r.parent != nil {
		r.parent.setResolved(r.field, value)
	}
	return value, nil
}

// One materializes a single-valued relationship.
func (r *LazyRelationship) One(ctx context.Context) (*Record, error) {
	if r.isCollection {
		return nil, fmt.Errorf("relationship %s is a collection", r.field)
	}
	value, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	record, _ := value.(*Record)
	return record, nil
}

// All materializes a collection relationship, preserving input id order.
func (r *LazyRelationship) All(ctx context.Context) ([]*Record, error) {
	value, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	switch typed := value.(type) {
	case []*Record:
		return typed, nil
	case *Record:
		if typed == nil {
			return nil, nil
		}
		return []*Record{typed}, nil
	}
	return nil, nil
}

// Count returns the number of referenced records without loading them.
func (r *LazyRelationship) Count() int { return len(r.ids) }

// Invalidate resets the relationship to unloaded so the next access
// refetches.
func (r *LazyRelationship) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RelUnloaded
	r.value = nil
	r.err = nil
}

// resolve indexes the fetched records against this relationship's ids, in
// input order. Missing ids are skipped.
func (r *LazyRelationship) resolve(records map[int64]*Record) any {
	if !r.isCollection {
		if len(r.ids) == 0 {
			return (*Record)(nil)
		}
		return records[r.ids[0]]
	}
	out := make([]*Record, 0, len(r.ids))
	for _, id := range r.ids {
		if record, ok := records[id]; ok {
			out = append(out, record)
		}
	}
	return out
}

func (r *LazyRelationship) emptyValue() any {
	if r.isCollection {
		return []*Record{}
	}
	return (*Record)(nil)
}

func (r *LazyRelationship) settle(value any, err error) {
	r.mu.Lock()
	r.state = RelLoaded
	r.value = value
	r.err = err
	r.mu.Unlock()
}

func (r *LazyRelationship) fail(err error) {
	r.mu.Lock()
	r.state = RelFailed
	r.err = err
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Loader: the batch coalescer
// ---------------------------------------------------------------------------

type batchKey struct {
	model string
	field string
}

// relBatch is one pending coalesced fetch. Members accumulate during the
// quantum; the starter goroutine issues a single search_read for the union
// of ids and every awaiter reads from results after done closes.
type relBatch struct {
	ids     map[int64]struct{}
	done    chan struct{}
	results map[int64]*Record
	err     error
}

// Loader coalesces lazy relationship loads. Concurrent loads of the same
// (model, field) across sibling records share one RPC; recently resolved id
// sets are memoized so duplicate relationships never refetch.
type Loader struct {
	session Session
	quantum time.Duration

	mu      sync.Mutex
	batches map[batchKey]*relBatch

	prefetchMu sync.Mutex
	prefetch   map[string]map[int64]*Record

	fetches counter
	logger  *zap.Logger
}

type counter struct {
	mu sync.Mutex
	n  int64
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// NewLoader creates a coalescer bound to session. quantum bounds how long the
// first loader waits for siblings; it defaults to 1ms and never exceeds it.
func NewLoader(session Session, quantum time.Duration, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if quantum <= 0 || quantum > time.Millisecond {
		quantum = time.Millisecond
	}
	return &Loader{
		session:  session,
		quantum:  quantum,
		batches:  make(map[batchKey]*relBatch),
		prefetch: make(map[string]map[int64]*Record),
		logger:   logger,
	}
}

// FetchCount reports how many batched RPCs the loader has issued.
func (l *Loader) FetchCount() int64 { return l.fetches.get() }

// Prime seeds the prefetch memo with already-resolved records, keyed by the
// id set they cover. Queries use it to satisfy prefetch_related hints.
func (l *Loader) Prime(model string, records map[int64]*Record) {
	ids := make([]int64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	l.prefetchMu.Lock()
	l.prefetch[prefetchKey(model, ids)] = records
	for id, record := range records {
		l.prefetch[prefetchKey(model, []int64{id})] = map[int64]*Record{id: record}
	}
	l.prefetchMu.Unlock()
}

// load joins (or starts) the batch for (model, field) and returns the
// records covering ids.
func (l *Loader) load(ctx context.Context, model, field string, ids []int64) (map[int64]*Record, error) {
	if cached, ok := l.fromPrefetch(model, ids); ok {
		return cached, nil
	}

	key := batchKey{model: model, field: field}

	l.mu.Lock()
	batch, ok := l.batches[key]
	if !ok {
		batch = &relBatch{
			ids:  make(map[int64]struct{}),
			done: make(chan struct{}),
		}
		l.batches[key] = batch
		go l.run(key, batch)
	}
	for _, id := range ids {
		batch.ids[id] = struct{}{}
	}
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-batch.done:
	}
	if batch.err != nil {
		return nil, batch.err
	}

	out := make(map[int64]*Record, len(ids))
	for _, id := range ids {
		if record, ok := batch.results[id]; ok {
			out[id] = record
		}
	}
	return out, nil
}

// run waits the accumulation quantum, detaches the batch, and issues one
// search_read for the id union.
func (l *Loader) run(key batchKey, batch *relBatch) {
	timer := time.NewTimer(l.quantum)
	defer timer.Stop()
	<-timer.C

	l.mu.Lock()
	delete(l.batches, key)
	ids := make([]int64, 0, len(batch.ids))
	for id := range batch.ids {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ctx := context.Background()
	records, err := l.fetch(ctx, key.model, ids)
	if err != nil {
		batch.err = err
		close(batch.done)
		return
	}

	batch.results = records
	close(batch.done)
}

// fetch issues the batched search_read and memoizes the result.
func (l *Loader) fetch(ctx context.Context, model string, ids []int64) (map[int64]*Record, error) {
	if cached, ok := l.fromPrefetch(model, ids); ok {
		return cached, nil
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}
	domain := []any{[]any{"id", "in", anyIDs}}

	l.fetches.inc()
	start := time.Now()
	rows, err := l.session.SearchRead(ctx, model, domain, l.basicFields(model), 0, 0, "")
	if err != nil {
		return nil, err
	}
	l.logger.Debug("batched relationship fetch",
		zap.String("model", model),
		zap.Int("ids", len(ids)),
		zap.Int("returned", len(rows)),
		zap.Duration("duration", time.Since(start)),
	)

	records := make(map[int64]*Record, len(rows))
	for _, row := range rows {
		record, err := NewRecord(l.session, model, row)
		if err != nil {
			return nil, err
		}
		records[record.ID()] = record
	}

	l.prefetchMu.Lock()
	l.prefetch[prefetchKey(model, ids)] = records
	l.prefetchMu.Unlock()
	return records, nil
}

// fromPrefetch serves ids fully covered by a memoized fetch.
func (l *Loader) fromPrefetch(model string, ids []int64) (map[int64]*Record, bool) {
	l.prefetchMu.Lock()
	defer l.prefetchMu.Unlock()

	if exact, ok := l.prefetch[prefetchKey(model, ids)]; ok {
		return exact, true
	}
	// A superset memo can still cover every requested id.
	for key, records := range l.prefetch {
		if !strings.HasPrefix(key, model+":") {
			continue
		}
		covered := true
		for _, id := range ids {
			if _, ok := records[id]; !ok {
				covered = false
				break
			}
		}
		if covered {
			out := make(map[int64]*Record, len(ids))
			for _, id := range ids {
				out[id] = records[id]
			}
			return out, true
		}
	}
	return nil, false
}

// basicFields limits batched fetches to registered fields when the model is
// known; unknown models fetch everything.
func (l *Loader) basicFields(model string) []string {
	registry := l.session.Registry()
	if registry == nil {
		return nil
	}
	descriptor := registry.Get(model)
	if descriptor == nil {
		return nil
	}
	names := descriptor.FieldNames()
	sort.Strings(names)
	return names
}

// ClearPrefetch drops the memo, forcing subsequent loads to refetch.
func (l *Loader) ClearPrefetch() {
	l.prefetchMu.Lock()
	l.prefetch = make(map[string]map[int64]*Record)
	l.prefetchMu.Unlock()
}

func prefetchKey(model string, ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return model + ":" + strings.Join(parts, ",")
}

package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"go.uber.org/zap"

	"github.com/odooflow/odooflow/transaction"
)

// RPC is the bulk wire surface the executor dispatches to.
type RPC interface {
	CreateBulk(ctx context.Context, model string, values []map[string]any) ([]int64, error)
	Write(ctx context.Context, model string, ids []int64, values map[string]any) error
	Unlink(ctx context.Context, model string, ids []int64) error
}

// Config bounds the executor.
type Config struct {
	MaxChunkSize   int
	MaxConcurrency int
}

// Stats aggregates one execution.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int
	// PartitionDurations records wall time per (kind, model) partition.
	PartitionDurations map[string]time.Duration
}

// Executor partitions a batch by (kind, model), chunks each partition, and
// dispatches chunks concurrently under a semaphore. A chunk failure fails
// only its member operations.
type Executor struct {
	rpc    RPC
	config Config
	logger *zap.Logger
}

// NewExecutor builds an executor over rpc.
func NewExecutor(rpc RPC, config Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxChunkSize <= 0 {
		config.MaxChunkSize = 100
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	return &Executor{rpc: rpc, config: config, logger: logger}
}

type partitionKey struct {
	kind  Kind
	model string
}

// chunk is a slice of operation indexes belonging to one partition.
type chunk struct {
	key     partitionKey
	indexes []int
}

// Execute runs every operation in the batch and returns per-operation
// outcomes keyed by input index. When ctx carries an active transaction,
// each successful chunk appends an operation log entry before proceeding.
func (e *Executor) Execute(ctx context.Context, b *Batch) (Stats, error) {
	if b.Results == nil {
		b.Results = make(map[int]Result)
	}

	// Validate up front; invalid operations fail without dispatch.
	var chunks []chunk
	partitioned := make(map[partitionKey][]int)
	var order []partitionKey
	for i, op := range b.Operations {
		if err := op.validate(); err != nil {
			b.Results[i] = Result{Err: err}
			continue
		}
		key := partitionKey{kind: op.Kind, model: op.Model}
		if _, seen := partitioned[key]; !seen {
			order = append(order, key)
		}
		partitioned[key] = append(partitioned[key], i)
	}
	for _, key := range order {
		indexes := partitioned[key]
		for start := 0; start < len(indexes); start += e.config.MaxChunkSize {
			end := start + e.config.MaxChunkSize
			if end > len(indexes) {
				end = len(indexes)
			}
			chunks = append(chunks, chunk{key: key, indexes: indexes[start:end]})
		}
	}

	sem := semaphore.NewWeighted(int64(e.config.MaxConcurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	durations := make(map[string]time.Duration)

	start := time.Now()
	for _, c := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			for _, i := range c.indexes {
				b.Results[i] = Result{Err: err}
			}
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(c chunk) {
			defer wg.Done()
			defer sem.Release(1)

			chunkStart := time.Now()
			results := e.dispatch(ctx, b, c)
			elapsed := time.Since(chunkStart)

			mu.Lock()
			for i, r := range results {
				b.Results[i] = r
			}
			label := string(c.key.kind) + ":" + c.key.model
			durations[label] += elapsed
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	stats := Stats{
		Total:              len(b.Operations),
		PartitionDurations: durations,
	}
	for _, r := range b.Results {
		if r.Err != nil {
			stats.Failed++
		} else {
			stats.Succeeded++
		}
	}

	e.logger.Debug("batch executed",
		zap.String("batch_id", b.ID),
		zap.Int("operations", stats.Total),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return stats, nil
}

// dispatch issues one RPC for a create or delete chunk and one RPC per
// operation for an update chunk. Within-chunk result order equals
// within-chunk input order.
func (e *Executor) dispatch(ctx context.Context, b *Batch, c chunk) map[int]Result {
	results := make(map[int]Result, len(c.indexes))

	switch c.key.kind {
	case KindCreate:
		values := make([]map[string]any, len(c.indexes))
		for j, i := range c.indexes {
			values[j] = b.Operations[i].Values
		}
		ids, err := e.rpc.CreateBulk(ctx, c.key.model, values)
		if err != nil {
			for _, i := range c.indexes {
				results[i] = Result{Err: err}
			}
			return results
		}
		for j, i := range c.indexes {
			var id int64
			if j < len(ids) {
				id = ids[j]
			}
			results[i] = Result{Value: id}
		}
		e.logOperation(ctx, transaction.OpEntry{
			Kind:       transaction.OpCreate,
			Model:      c.key.model,
			CreatedIDs: ids,
		})

	case KindUpdate:
		// The wire writes one value-map per call, so each update operation in
		// the chunk is written with its own call.
		for _, i := range c.indexes {
			op := b.Operations[i]
			if err := e.rpc.Write(ctx, c.key.model, op.IDs, op.Values); err != nil {
				results[i] = Result{Err: err}
				continue
			}
			results[i] = Result{Value: true}
			e.logOperation(ctx, transaction.OpEntry{
				Kind:      transaction.OpUpdate,
				Model:     c.key.model,
				RecordIDs: op.IDs,
				NewData:   op.Values,
			})
		}

	case KindDelete:
		var ids []int64
		for _, i := range c.indexes {
			ids = append(ids, b.Operations[i].IDs...)
		}
		if err := e.rpc.Unlink(ctx, c.key.model, ids); err != nil {
			for _, i := range c.indexes {
				results[i] = Result{Err: err}
			}
			return results
		}
		for _, i := range c.indexes {
			results[i] = Result{Value: true}
		}
		e.logOperation(ctx, transaction.OpEntry{
			Kind:      transaction.OpDelete,
			Model:     c.key.model,
			RecordIDs: ids,
		})
	}
	return results
}

// logOperation appends to the active transaction, if any.
func (e *Executor) logOperation(ctx context.Context, op transaction.OpEntry) {
	tx := transaction.FromContext(ctx)
	if tx == nil {
		return
	}
	if err := tx.AddOperation(op); err != nil {
		e.logger.Warn("failed to log batch operation in transaction",
			zap.String("model", op.Model), zap.Error(err))
	}
}

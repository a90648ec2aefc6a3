// Package transaction provides the client-side transaction manager: an
// operation log with savepoints, compensation on rollback, and the cache
// invalidation hand-off on commit.
package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the transaction lifecycle state.
type State string

const (
	StateActive      State = "active"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
)

// OpKind tags an operation log entry.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpCall   OpKind = "call"
)

// OpEntry is one logged mutation. For updates and deletes OriginalData holds
// the pre-image needed for compensation, one map per record id.
type OpEntry struct {
	Kind         OpKind
	Model        string
	RecordIDs    []int64
	CreatedIDs   []int64
	OriginalData []map[string]any
	NewData      map[string]any
}

// Savepoint is a named index into the operation log.
type Savepoint struct {
	Name  string
	Index int
}

// CacheDirty accumulates the keys, patterns, and models the transaction's
// operations touched. Commit hands the sets to the cache manager; the cache
// layer reads but never mutates them.
type CacheDirty struct {
	Keys     map[string]struct{}
	Patterns map[string]struct{}
	Models   map[string]struct{}
}

func newCacheDirty() CacheDirty {
	return CacheDirty{
		Keys:     make(map[string]struct{}),
		Patterns: make(map[string]struct{}),
		Models:   make(map[string]struct{}),
	}
}

func (d CacheDirty) merge(other CacheDirty) {
	for k := range other.Keys {
		d.Keys[k] = struct{}{}
	}
	for p := range other.Patterns {
		d.Patterns[p] = struct{}{}
	}
	for m := range other.Models {
		d.Models[m] = struct{}{}
	}
}

// Error reports an illegal state transition, a missing savepoint, or a
// compensation framework failure.
type Error struct {
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transaction %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transaction is one unit of work. It owns its operation log exclusively and
// must not be shared across scopes.
type Transaction struct {
	id     string
	parent *Transaction

	mu         sync.Mutex
	state      State
	operations []OpEntry
	savepoints []Savepoint
	dirty      CacheDirty

	manager *Manager
	logger  *zap.Logger
}

func newTransaction(manager *Manager, parent *Transaction, logger *zap.Logger) *Transaction {
	return &Transaction{
		id:      uuid.NewString(),
		parent:  parent,
		state:   StateActive,
		dirty:   newCacheDirty(),
		manager: manager,
		logger:  logger,
	}
}

// ID returns the transaction's uuid.
func (tx *Transaction) ID() string { return tx.id }

// State returns the current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Parent returns the enclosing transaction, if any.
func (tx *Transaction) Parent() *Transaction { return tx.parent }

// Operations returns a copy of the operation log.
func (tx *Transaction) Operations() []OpEntry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]OpEntry(nil), tx.operations...)
}

// Dirty returns the accumulated cache dirty set.
func (tx *Transaction) Dirty() CacheDirty {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := newCacheDirty()
	out.merge(tx.dirty)
	return out
}

// AddOperation appends an entry to the log and updates the dirty set. Only
// an active transaction accepts operations.
func (tx *Transaction) AddOperation(op OpEntry) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return &Error{Op: "add_operation", Message: "transaction is " + string(tx.state)}
	}
	tx.operations = append(tx.operations, op)
	tx.markDirty(op)
	return nil
}

// markDirty records the cache regions op touches. Caller holds the mutex.
func (tx *Transaction) markDirty(op OpEntry) {
	if op.Model == "" {
		return
	}
	ids := op.RecordIDs
	if op.Kind == OpCreate {
		ids = op.CreatedIDs
	}
	for _, id := range ids {
		tx.dirty.Keys[fmt.Sprintf("%s:%d", op.Model, id)] = struct{}{}
	}
	tx.dirty.Patterns[op.Model+":*"] = struct{}{}
	tx.dirty.Patterns["query:"+op.Model+":*"] = struct{}{}
	tx.dirty.Models[op.Model] = struct{}{}
}

// AddCacheKey registers an extra key to invalidate on commit.
func (tx *Transaction) AddCacheKey(key string) {
	tx.mu.Lock()
	tx.dirty.Keys[key] = struct{}{}
	tx.mu.Unlock()
}

// AddCachePattern registers an extra pattern to invalidate on commit.
func (tx *Transaction) AddCachePattern(pattern string) {
	tx.mu.Lock()
	tx.dirty.Patterns[pattern] = struct{}{}
	tx.mu.Unlock()
}

// AddCacheModel registers an extra model to invalidate on commit.
func (tx *Transaction) AddCacheModel(model string) {
	tx.mu.Lock()
	tx.dirty.Models[model] = struct{}{}
	tx.mu.Unlock()
}

// SetSavepoint records a named position in the operation log.
func (tx *Transaction) SetSavepoint(name string) (Savepoint, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return Savepoint{}, &Error{Op: "savepoint", Message: "transaction is " + string(tx.state)}
	}
	sp := Savepoint{Name: name, Index: len(tx.operations)}
	tx.savepoints = append(tx.savepoints, sp)
	return sp, nil
}

// ReleaseSavepoint drops a savepoint without touching the log.
func (tx *Transaction) ReleaseSavepoint(name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i, sp := range tx.savepoints {
		if sp.Name == name {
			tx.savepoints = append(tx.savepoints[:i], tx.savepoints[i+1:]...)
			return nil
		}
	}
	return &Error{Op: "release_savepoint", Message: "savepoint not found: " + name}
}

// RollbackToSavepoint truncates the log back to the savepoint and
// compensates the trimmed suffix in reverse order.
func (tx *Transaction) RollbackToSavepoint(ctx context.Context, name string) error {
	tx.mu.Lock()
	if tx.state != StateActive {
		tx.mu.Unlock()
		return &Error{Op: "rollback_to_savepoint", Message: "transaction is " + string(tx.state)}
	}
	idx := -1
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		tx.mu.Unlock()
		return &Error{Op: "rollback_to_savepoint", Message: "savepoint not found: " + name}
	}
	sp := tx.savepoints[idx]
	suffix := append([]OpEntry(nil), tx.operations[sp.Index:]...)
	tx.operations = tx.operations[:sp.Index]
	// Savepoints set after this one are no longer valid.
	tx.savepoints = tx.savepoints[:idx+1]
	tx.mu.Unlock()

	tx.compensate(ctx, suffix)
	return nil
}

// Commit moves the transaction through committing to committed, then hands
// the dirty set to the cache manager. Cache failures are logged and never
// revert the commit.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != StateActive {
		tx.mu.Unlock()
		return &Error{Op: "commit", Message: "cannot commit from state " + string(tx.state)}
	}
	tx.state = StateCommitting
	tx.mu.Unlock()

	if tx.parent != nil {
		// Nested scope: fold the log and dirty set into the parent instead
		// of touching the cache.
		tx.parent.mu.Lock()
		tx.parent.operations = append(tx.parent.operations, tx.Operations()...)
		tx.parent.dirty.merge(tx.Dirty())
		tx.parent.mu.Unlock()

		tx.mu.Lock()
		tx.state = StateCommitted
		tx.mu.Unlock()
		return nil
	}

	tx.invalidateCache(ctx)

	tx.mu.Lock()
	tx.state = StateCommitted
	tx.mu.Unlock()
	tx.logger.Debug("transaction committed",
		zap.String("transaction_id", tx.id),
		zap.Int("operations", len(tx.operations)),
	)
	return nil
}

// invalidateCache runs the dirty-set hand-off: keys, then patterns, then
// models. Failures are logged; the commit stands.
func (tx *Transaction) invalidateCache(ctx context.Context) {
	inv := tx.manager.invalidator
	if inv == nil {
		return
	}
	dirty := tx.Dirty()

	for key := range dirty.Keys {
		if _, err := inv.Delete(ctx, key); err != nil {
			tx.logger.Warn("cache key invalidation failed",
				zap.String("transaction_id", tx.id), zap.String("key", key), zap.Error(err))
		}
	}
	for pattern := range dirty.Patterns {
		if _, err := inv.InvalidatePattern(ctx, pattern); err != nil {
			tx.logger.Warn("cache pattern invalidation failed",
				zap.String("transaction_id", tx.id), zap.String("pattern", pattern), zap.Error(err))
		}
	}
	for model := range dirty.Models {
		if _, err := inv.InvalidateModel(ctx, model); err != nil {
			tx.logger.Warn("cache model invalidation failed",
				zap.String("transaction_id", tx.id), zap.String("model", model), zap.Error(err))
		}
	}
}

// Rollback compensates the whole log in reverse and ends in rolled_back.
// Individual compensation failures are logged and aggregated; only a missing
// compensator fails the transaction.
func (tx *Transaction) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != StateActive && tx.state != StateFailed {
		tx.mu.Unlock()
		return &Error{Op: "rollback", Message: "cannot rollback from state " + string(tx.state)}
	}
	tx.state = StateRollingBack
	ops := append([]OpEntry(nil), tx.operations...)
	tx.mu.Unlock()

	if tx.manager.compensator == nil && len(ops) > 0 {
		tx.mu.Lock()
		tx.state = StateFailed
		tx.mu.Unlock()
		return &Error{Op: "rollback", Message: "no compensator configured"}
	}

	failures := tx.compensate(ctx, ops)

	tx.mu.Lock()
	tx.state = StateRolledBack
	tx.mu.Unlock()

	if failures > 0 {
		tx.logger.Warn("rollback finished with compensation failures",
			zap.String("transaction_id", tx.id),
			zap.Int("failed", failures),
			zap.Int("total", len(ops)),
		)
	}
	return nil
}

// Fail marks the transaction failed after a fatal error.
func (tx *Transaction) Fail() {
	tx.mu.Lock()
	if tx.state == StateActive {
		tx.state = StateFailed
	}
	tx.mu.Unlock()
}

// compensate undoes ops in reverse order, returning the failure count.
func (tx *Transaction) compensate(ctx context.Context, ops []OpEntry) int {
	comp := tx.manager.compensator
	if comp == nil {
		return 0
	}

	failures := 0
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		var err error
		switch op.Kind {
		case OpCreate:
			err = comp.Unlink(ctx, op.Model, op.CreatedIDs)
		case OpUpdate:
			for j, id := range op.RecordIDs {
				if j < len(op.OriginalData) {
					if werr := comp.Write(ctx, op.Model, []int64{id}, op.OriginalData[j]); werr != nil {
						err = werr
					}
				}
			}
		case OpDelete:
			// Best effort: recreated records get fresh ids.
			for _, original := range op.OriginalData {
				if _, cerr := comp.Create(ctx, op.Model, original); cerr != nil {
					err = cerr
				}
			}
		case OpCall:
			// Calls carry no compensation.
		}
		if err != nil {
			failures++
			tx.logger.Warn("compensation failed",
				zap.String("transaction_id", tx.id),
				zap.String("kind", string(op.Kind)),
				zap.String("model", op.Model),
				zap.Error(err),
			)
		}
	}
	return failures
}

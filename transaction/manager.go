package transaction

import (
	"context"

	"go.uber.org/zap"
)

// Compensator executes the reverse operations rollback needs. The client
// façade implements it with plain RPC calls.
type Compensator interface {
	Create(ctx context.Context, model string, values map[string]any) (int64, error)
	Write(ctx context.Context, model string, ids []int64, values map[string]any) error
	Unlink(ctx context.Context, model string, ids []int64) error
}

// Invalidator receives the dirty-set hand-off on commit. The cache manager
// fits behind a thin adapter.
type Invalidator interface {
	Delete(ctx context.Context, key string) (bool, error)
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
	InvalidateModel(ctx context.Context, model string) (int, error)
}

// Manager creates transactions and tracks the current one through context.
type Manager struct {
	compensator Compensator
	invalidator Invalidator
	logger      *zap.Logger
}

// NewManager wires a manager to its collaborators. Either may be nil: a nil
// invalidator skips the cache hand-off, a nil compensator makes rollback of
// a non-empty log fail.
func NewManager(compensator Compensator, invalidator Invalidator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		compensator: compensator,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Begin opens a transaction. If ctx already carries one, the new transaction
// nests: it starts from a parent savepoint and folds its log upward on
// commit. The returned context carries the new transaction.
func (m *Manager) Begin(ctx context.Context) (*Transaction, context.Context, error) {
	parent := FromContext(ctx)
	if parent != nil {
		if parent.State() != StateActive {
			return nil, ctx, &Error{Op: "begin", Message: "parent transaction is " + string(parent.State())}
		}
		if _, err := parent.SetSavepoint("nested:" + parent.ID()); err != nil {
			return nil, ctx, err
		}
	}
	tx := newTransaction(m, parent, m.logger)
	m.logger.Debug("transaction started", zap.String("transaction_id", tx.ID()), zap.Bool("nested", parent != nil))
	return tx, WithTransaction(ctx, tx), nil
}

// Run executes fn inside a transaction scope: commit on success, rollback on
// error or panic. The error from fn wins over rollback errors.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	tx, txCtx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err = fn(txCtx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			m.logger.Warn("rollback failed", zap.String("transaction_id", tx.ID()), zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

type contextKey struct{}

// WithTransaction attaches tx to ctx.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// FromContext returns the transaction attached to ctx, or nil.
func FromContext(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(contextKey{}).(*Transaction)
	return tx
}

package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompensator records the compensation calls the rollback path issues.
type fakeCompensator struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeCompensator) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.fail != nil {
		if err, ok := f.fail[call]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeCompensator) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	err := f.record(fmt.Sprintf("create %s %v", model, values["name"]))
	return 999, err
}

func (f *fakeCompensator) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	return f.record(fmt.Sprintf("write %s %v %v", model, ids, values["name"]))
}

func (f *fakeCompensator) Unlink(ctx context.Context, model string, ids []int64) error {
	return f.record(fmt.Sprintf("unlink %s %v", model, ids))
}

// fakeInvalidator records the cache hand-off on commit.
type fakeInvalidator struct {
	mu       sync.Mutex
	keys     []string
	patterns []string
	models   []string
	fail     bool
}

func (f *fakeInvalidator) Delete(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false, errors.New("cache down")
	}
	f.keys = append(f.keys, key)
	return true, nil
}

func (f *fakeInvalidator) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("cache down")
	}
	f.patterns = append(f.patterns, pattern)
	return 1, nil
}

func (f *fakeInvalidator) InvalidateModel(ctx context.Context, model string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("cache down")
	}
	f.models = append(f.models, model)
	return 1, nil
}

func newTestManager(comp Compensator, inv Invalidator) *Manager {
	return NewManager(comp, inv, nil)
}

func TestTransactionLifecycle(t *testing.T) {
	m := newTestManager(&fakeCompensator{}, &fakeInvalidator{})
	tx, _, err := m.Begin(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID())
	assert.Equal(t, StateActive, tx.State())

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, StateCommitted, tx.State())

	// Terminal states reject further transitions.
	assert.Error(t, tx.Commit(context.Background()))
	assert.Error(t, tx.Rollback(context.Background()))
	assert.Error(t, tx.AddOperation(OpEntry{Kind: OpCreate, Model: "res.partner"}))
}

func TestCommitInvalidatesDirtySet(t *testing.T) {
	inv := &fakeInvalidator{}
	m := newTestManager(&fakeCompensator{}, inv)
	tx, _, err := m.Begin(context.Background())
	require.NoError(t, err)

	// create partner {name: A}, update partner 5, delete partner 7.
	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{101},
		NewData: map[string]any{"name": "A"},
	}))
	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpUpdate, Model: "res.partner", RecordIDs: []int64{5},
		OriginalData: []map[string]any{{"name": "old"}},
		NewData:      map[string]any{"name": "B"},
	}))
	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpDelete, Model: "res.partner", RecordIDs: []int64{7},
		OriginalData: []map[string]any{{"name": "gone"}},
	}))

	require.NoError(t, tx.Commit(context.Background()))

	assert.ElementsMatch(t, []string{"res.partner:101", "res.partner:5", "res.partner:7"}, inv.keys)
	assert.ElementsMatch(t, []string{"res.partner:*", "query:res.partner:*"}, inv.patterns)
	assert.ElementsMatch(t, []string{"res.partner"}, inv.models)
}

func TestCommitDirtySetMatchesAccumulated(t *testing.T) {
	inv := &fakeInvalidator{}
	m := newTestManager(&fakeCompensator{}, inv)
	tx, _, _ := m.Begin(context.Background())

	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpUpdate, Model: "res.partner", RecordIDs: []int64{1, 2},
		OriginalData: []map[string]any{{}, {}},
	}))
	tx.AddCacheKey("manual:key")
	tx.AddCachePattern("manual:*")
	tx.AddCacheModel("res.users")

	dirty := tx.Dirty()
	require.NoError(t, tx.Commit(context.Background()))

	// The hand-off equals the accumulated dirty set, nothing more or less.
	assert.Len(t, inv.keys, len(dirty.Keys))
	for _, k := range inv.keys {
		assert.Contains(t, dirty.Keys, k)
	}
	assert.Len(t, inv.patterns, len(dirty.Patterns))
	for _, p := range inv.patterns {
		assert.Contains(t, dirty.Patterns, p)
	}
	assert.Len(t, inv.models, len(dirty.Models))
	for _, m := range inv.models {
		assert.Contains(t, dirty.Models, m)
	}
}

func TestCommitSurvivesCacheFailure(t *testing.T) {
	inv := &fakeInvalidator{fail: true}
	m := newTestManager(&fakeCompensator{}, inv)
	tx, _, _ := m.Begin(context.Background())

	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{1},
	}))

	require.NoError(t, tx.Commit(context.Background()), "cache failures never revert a commit")
	assert.Equal(t, StateCommitted, tx.State())
}

func TestRollbackCompensatesInReverse(t *testing.T) {
	comp := &fakeCompensator{}
	m := newTestManager(comp, &fakeInvalidator{})
	tx, _, _ := m.Begin(context.Background())

	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{10},
	}))
	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpUpdate, Model: "res.partner", RecordIDs: []int64{5},
		OriginalData: []map[string]any{{"name": "Y"}},
		NewData:      map[string]any{"name": "X"},
	}))
	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpDelete, Model: "res.partner", RecordIDs: []int64{7},
		OriginalData: []map[string]any{{"name": "Z"}},
	}))

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, StateRolledBack, tx.State())

	// Reverse order: delete is compensated first, create last.
	require.Len(t, comp.calls, 3)
	assert.Equal(t, "create res.partner Z", comp.calls[0])
	assert.Equal(t, "write res.partner [5] Y", comp.calls[1])
	assert.Equal(t, "unlink res.partner [10]", comp.calls[2])
}

func TestRollbackRestoresPreImage(t *testing.T) {
	comp := &fakeCompensator{}
	m := newTestManager(comp, &fakeInvalidator{})

	boom := errors.New("business rule failed")
	err := m.Run(context.Background(), func(ctx context.Context, tx *Transaction) error {
		require.NoError(t, tx.AddOperation(OpEntry{
			Kind: OpUpdate, Model: "res.partner", RecordIDs: []int64{5},
			OriginalData: []map[string]any{{"name": "Y"}},
			NewData:      map[string]any{"name": "X"},
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Len(t, comp.calls, 1)
	assert.Equal(t, "write res.partner [5] Y", comp.calls[0])
}

func TestRollbackSurvivesCompensationFailure(t *testing.T) {
	comp := &fakeCompensator{fail: map[string]error{
		"unlink res.partner [10]": errors.New("server rejected"),
	}}
	m := newTestManager(comp, &fakeInvalidator{})
	tx, _, _ := m.Begin(context.Background())

	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{10},
	}))
	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpUpdate, Model: "res.partner", RecordIDs: []int64{5},
		OriginalData: []map[string]any{{"name": "Y"}},
	}))

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, StateRolledBack, tx.State(), "compensation failures still end in rolled_back")
	assert.Len(t, comp.calls, 2, "remaining compensations still run")
}

func TestRollbackWithoutCompensatorFails(t *testing.T) {
	m := newTestManager(nil, &fakeInvalidator{})
	tx, _, _ := m.Begin(context.Background())

	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{1},
	}))

	require.Error(t, tx.Rollback(context.Background()))
	assert.Equal(t, StateFailed, tx.State())
}

func TestSavepointRollbackTruncatesAndCompensates(t *testing.T) {
	comp := &fakeCompensator{}
	m := newTestManager(comp, &fakeInvalidator{})
	tx, _, _ := m.Begin(context.Background())

	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{1},
	}))
	_, err := tx.SetSavepoint("sp1")
	require.NoError(t, err)

	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{2},
	}))
	require.NoError(t, tx.AddOperation(OpEntry{
		Kind: OpUpdate, Model: "res.partner", RecordIDs: []int64{3},
		OriginalData: []map[string]any{{"name": "orig"}},
	}))

	require.NoError(t, tx.RollbackToSavepoint(context.Background(), "sp1"))

	// The suffix is compensated in reverse; the prefix survives.
	require.Len(t, comp.calls, 2)
	assert.Equal(t, "write res.partner [3] orig", comp.calls[0])
	assert.Equal(t, "unlink res.partner [2]", comp.calls[1])
	assert.Len(t, tx.Operations(), 1)
	assert.Equal(t, StateActive, tx.State())
}

func TestSavepointRelease(t *testing.T) {
	m := newTestManager(&fakeCompensator{}, &fakeInvalidator{})
	tx, _, _ := m.Begin(context.Background())

	_, err := tx.SetSavepoint("sp1")
	require.NoError(t, err)
	require.NoError(t, tx.ReleaseSavepoint("sp1"))

	assert.Error(t, tx.ReleaseSavepoint("sp1"))
	assert.Error(t, tx.RollbackToSavepoint(context.Background(), "sp1"))
}

func TestNestedTransactionMergesUpward(t *testing.T) {
	inv := &fakeInvalidator{}
	m := newTestManager(&fakeCompensator{}, inv)
	ctx := context.Background()

	parent, parentCtx, err := m.Begin(ctx)
	require.NoError(t, err)

	child, _, err := m.Begin(parentCtx)
	require.NoError(t, err)
	assert.Equal(t, parent, child.Parent())

	require.NoError(t, child.AddOperation(OpEntry{
		Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{42},
	}))
	require.NoError(t, child.Commit(ctx))

	// Child commit folds into the parent; nothing reaches the cache yet.
	assert.Empty(t, inv.keys)
	assert.Len(t, parent.Operations(), 1)
	assert.Contains(t, parent.Dirty().Keys, "res.partner:42")

	require.NoError(t, parent.Commit(ctx))
	assert.Contains(t, inv.keys, "res.partner:42")
}

func TestRunCommitsOnSuccess(t *testing.T) {
	inv := &fakeInvalidator{}
	m := newTestManager(&fakeCompensator{}, inv)

	var observed *Transaction
	err := m.Run(context.Background(), func(ctx context.Context, tx *Transaction) error {
		observed = tx
		assert.Equal(t, tx, FromContext(ctx))
		return tx.AddOperation(OpEntry{
			Kind: OpCreate, Model: "res.partner", CreatedIDs: []int64{1},
		})
	})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, observed.State())
	assert.Contains(t, inv.keys, "res.partner:1")
}

func TestFromContextWithoutTransaction(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}

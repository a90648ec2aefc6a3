package odooflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odooflow/odooflow/cache"
	"github.com/odooflow/odooflow/query"
	"github.com/odooflow/odooflow/transaction"
	"github.com/odooflow/odooflow/transport"
)

// call records one RPC for assertions.
type call struct {
	model  string
	method string
	args   []any
}

// fakeTransport scripts responses per model.method and records every call.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]any
	errs      map[string]error
	failNext  int
	loggedIn  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string]any),
		errs:      make(map[string]error),
	}
}

func (f *fakeTransport) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{model: model, method: method, args: args})

	if f.failNext > 0 {
		f.failNext--
		return nil, transport.NewError(transport.KindConnection, "transient outage", nil)
	}
	key := model + "." + method
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return f.responses[key], nil
}

func (f *fakeTransport) Authenticate(ctx context.Context, db, login, password string) (int64, error) {
	if password == "wrong" {
		return 0, transport.NewError(transport.KindAuthentication, "invalid credentials", nil)
	}
	f.loggedIn = true
	return 2, nil
}

func (f *fakeTransport) Close() { f.loggedIn = false }

func (f *fakeTransport) callCount(model, method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.model == model && c.method == method {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, rpc *fakeTransport) *Client {
	t.Helper()
	c := New(Options{Transport: rpc})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLogin(t *testing.T) {
	rpc := newFakeTransport()
	c := newTestClient(t, rpc)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "db", "admin", "secret"))
	assert.True(t, rpc.loggedIn)

	err := c.Login(ctx, "db", "admin", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		kind     transport.ErrorKind
		sentinel *ClientError
	}{
		{transport.KindAuthentication, ErrAuthentication},
		{transport.KindAccess, ErrAccess},
		{transport.KindValidation, ErrValidation},
		{transport.KindConnection, ErrConnection},
		{transport.KindTimeout, ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			rpc := newFakeTransport()
			rpc.errs["res.partner.write"] = transport.NewError(tt.kind, "nope", nil)
			c := newTestClient(t, rpc)

			err := c.Write(context.Background(), "res.partner", []int64{1}, map[string]any{"name": "x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestIdempotentReadRetries(t *testing.T) {
	rpc := newFakeTransport()
	rpc.responses["res.partner.search_read"] = []any{map[string]any{"id": float64(1)}}
	rpc.failNext = 2
	c := newTestClient(t, rpc)

	rows, err := c.SearchRead(context.Background(), "res.partner", nil, nil, 0, 0, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rpc.callCount("res.partner", "search_read"), "two retries after transient failures")
}

func TestWritesAreNotRetried(t *testing.T) {
	rpc := newFakeTransport()
	rpc.failNext = 1
	c := newTestClient(t, rpc)

	err := c.Write(context.Background(), "res.partner", []int64{1}, map[string]any{"name": "x"})
	require.Error(t, err)
	assert.Equal(t, 1, rpc.callCount("res.partner", "write"))
}

func TestSearchCount(t *testing.T) {
	rpc := newFakeTransport()
	rpc.responses["res.partner.search_count"] = float64(7)
	c := newTestClient(t, rpc)

	count, err := c.SearchCount(context.Background(), "res.partner", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestCreateReturnsID(t *testing.T) {
	rpc := newFakeTransport()
	rpc.responses["res.partner.create"] = float64(42)
	c := newTestClient(t, rpc)

	id, err := c.Create(context.Background(), "res.partner", map[string]any{"name": "A"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestMutationInvalidatesCacheOutsideTransaction(t *testing.T) {
	rpc := newFakeTransport()
	rpc.responses["res.partner.search_read"] = []any{map[string]any{"id": float64(1), "name": "A"}}
	rpc.responses["res.partner.write"] = true
	c := newTestClient(t, rpc)
	ctx := context.Background()

	require.NoError(t, c.SetupCacheManager(ctx, CacheOptions{Backend: "memory"}))

	// Cache a query result.
	qs := c.Model("res.partner").All()
	_, err := qs.All(ctx)
	require.NoError(t, err)
	_, err = qs.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rpc.callCount("res.partner", "search_read"))

	// A write outside any transaction invalidates immediately.
	require.NoError(t, c.Write(ctx, "res.partner", []int64{1}, map[string]any{"name": "B"}))

	_, err = qs.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rpc.callCount("res.partner", "search_read"), "invalidation forces a refetch")
}

func TestTransactionCommitInvalidatesDirtyRegions(t *testing.T) {
	rpc := newFakeTransport()
	rpc.responses["res.partner.create"] = float64(101)
	rpc.responses["res.partner.write"] = true
	rpc.responses["res.partner.unlink"] = true
	rpc.responses["res.partner.read"] = []any{map[string]any{"id": float64(5), "name": "old"}}
	c := newTestClient(t, rpc)
	ctx := context.Background()

	require.NoError(t, c.SetupCacheManager(ctx, CacheOptions{Backend: "memory"}))
	c.SetupTransactionManager()

	// Seed record-scoped cache entries that the commit must remove.
	for _, key := range []string{"res.partner:101", "res.partner:5", "res.partner:7"} {
		_, err := c.Cache().Set(ctx, key, "stale", 0)
		require.NoError(t, err)
	}

	var observed *transaction.Transaction
	err := c.Transaction(ctx, func(txCtx context.Context, tx *transaction.Transaction) error {
		observed = tx
		if _, err := c.Create(txCtx, "res.partner", map[string]any{"name": "A"}); err != nil {
			return err
		}
		if err := c.Write(txCtx, "res.partner", []int64{5}, map[string]any{"name": "B"}); err != nil {
			return err
		}
		return c.Unlink(txCtx, "res.partner", []int64{7})
	})
	require.NoError(t, err)
	assert.Equal(t, transaction.StateCommitted, observed.State())

	dirty := observed.Dirty()
	assert.Contains(t, dirty.Keys, "res.partner:101")
	assert.Contains(t, dirty.Keys, "res.partner:5")
	assert.Contains(t, dirty.Keys, "res.partner:7")
	assert.Contains(t, dirty.Patterns, "res.partner:*")
	assert.Contains(t, dirty.Patterns, "query:res.partner:*")
	assert.Contains(t, dirty.Models, "res.partner")

	for _, key := range []string{"res.partner:101", "res.partner:5", "res.partner:7"} {
		_, found, err := c.Cache().Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found, "%s must be invalidated by the commit", key)
	}
}

func TestTransactionRollbackRestoresPreImage(t *testing.T) {
	rpc := newFakeTransport()
	rpc.responses["res.partner.write"] = true
	rpc.responses["res.partner.read"] = []any{map[string]any{"id": float64(5), "name": "Y"}}
	c := newTestClient(t, rpc)
	c.SetupTransactionManager()
	ctx := context.Background()

	boom := fmt.Errorf("business failure")
	err := c.Transaction(ctx, func(txCtx context.Context, tx *transaction.Transaction) error {
		if err := c.Write(txCtx, "res.partner", []int64{5}, map[string]any{"name": "X"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The compensation write restored the pre-image.
	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	var compensation *call
	for i := range rpc.calls {
		c := rpc.calls[i]
		if c.method == "write" && len(c.args) == 2 {
			if values, ok := c.args[1].(map[string]any); ok && values["name"] == "Y" {
				compensation = &rpc.calls[i]
			}
		}
	}
	require.NotNil(t, compensation, "rollback must write the original values back")
	assert.Equal(t, []any{int64(5)}, compensation.args[0])
}

func TestTransactionRequiresSetup(t *testing.T) {
	c := newTestClient(t, newFakeTransport())
	err := c.Transaction(context.Background(), func(ctx context.Context, tx *transaction.Transaction) error {
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestModelReturnsBuilder(t *testing.T) {
	rpc := newFakeTransport()
	rpc.responses["res.partner.search_read"] = []any{map[string]any{"id": float64(1), "name": "Acme"}}
	c := newTestClient(t, rpc)

	records, err := c.Model("res.partner").Filter(query.F("name").Eq("Acme")).All(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID())
}

func TestBatchThroughClient(t *testing.T) {
	rpc := newFakeTransport()
	rpc.responses["res.partner.create"] = []any{float64(1), float64(2)}
	c := newTestClient(t, rpc)
	c.SetupBatchManager(10, 2)

	// The client satisfies the executor's RPC surface directly.
	ids, err := c.CreateBulk(context.Background(), "res.partner", []map[string]any{
		{"name": "A"}, {"name": "B"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
	assert.NotNil(t, c.Batches())
}

func TestSetupCacheManagerRejectsUnknownBackend(t *testing.T) {
	c := newTestClient(t, newFakeTransport())
	err := c.SetupCacheManager(context.Background(), CacheOptions{Backend: "memcached"})
	require.Error(t, err)
}

func TestCacheManagerStatsThroughClient(t *testing.T) {
	c := newTestClient(t, newFakeTransport())
	ctx := context.Background()
	require.NoError(t, c.SetupCacheManager(ctx, CacheOptions{
		Backend:       "memory",
		Memory:        cache.MemorySetup{MaxSize: 10, Strategy: "lfu"},
		SweepInterval: time.Minute,
	}))

	stats, err := c.Cache().Stats(ctx)
	require.NoError(t, err)
	backendStats := stats["memory"].(map[string]any)
	assert.Equal(t, "lfu", backendStats["strategy"])
}

// Package odooflow is an asynchronous client runtime for Odoo-style JSON-RPC
// servers: a fluent query builder with lazy relationship loading and N+1
// batching, a multi-backend cache with stampede prevention, a transaction
// manager with savepoints and compensation, and a bulk batch executor.
package odooflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/odooflow/odooflow/batch"
	"github.com/odooflow/odooflow/cache"
	"github.com/odooflow/odooflow/models"
	"github.com/odooflow/odooflow/query"
	"github.com/odooflow/odooflow/transaction"
	"github.com/odooflow/odooflow/transport"
)

// Client is the façade. It exclusively owns the transport, the cache
// manager, the transaction manager, the batch executor, the schema registry,
// and the relationship loader.
type Client struct {
	rpc      transport.Executor
	auth     authenticator
	registry *models.Registry
	loader   *models.Loader
	logger   *zap.Logger

	cacheManager *cache.Manager
	txManager    *transaction.Manager
	batchExec    *batch.Executor

	// readRetries bounds how many times an idempotent read is reissued after
	// a temporary transport failure.
	readRetries int
}

// authenticator is the optional login surface of a transport.
type authenticator interface {
	Authenticate(ctx context.Context, db, login, password string) (int64, error)
	Close()
}

// Options configures a client.
type Options struct {
	URL            string
	Database       string
	Timeout        time.Duration
	MaxConnections int
	// ReadRetries bounds retries of idempotent reads after temporary
	// transport failures. Defaults to 2.
	ReadRetries int
	Logger      *zap.Logger

	// Transport overrides the default JSON-RPC transport; used by tests and
	// custom wire setups.
	Transport transport.Executor
}

// New builds a client. Cache, transaction, and batch managers are attached
// afterwards with the Setup methods.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadRetries < 0 {
		opts.ReadRetries = 0
	} else if opts.ReadRetries == 0 {
		opts.ReadRetries = 2
	}

	c := &Client{
		registry:    models.NewRegistry(),
		logger:      logger,
		readRetries: opts.ReadRetries,
	}
	if opts.Transport != nil {
		c.rpc = opts.Transport
		if auth, ok := opts.Transport.(authenticator); ok {
			c.auth = auth
		}
	} else {
		jsonrpc := transport.NewJSONRPC(transport.JSONRPCConfig{
			URL:            opts.URL,
			Database:       opts.Database,
			Timeout:        opts.Timeout,
			MaxConnections: opts.MaxConnections,
		}, logger)
		c.rpc = jsonrpc
		c.auth = jsonrpc
	}
	c.loader = models.NewLoader(c, 0, logger)
	return c
}

// Login authenticates the session.
func (c *Client) Login(ctx context.Context, db, user, password string) error {
	if c.auth == nil {
		return NewAuthenticationError("login", "transport does not support authentication", nil)
	}
	if _, err := c.auth.Authenticate(ctx, db, user, password); err != nil {
		return c.mapError("login", err)
	}
	return nil
}

// Close tears down the managers and the transport.
func (c *Client) Close() error {
	var firstErr error
	if c.cacheManager != nil {
		if err := c.cacheManager.Close(); err != nil {
			firstErr = err
		}
		c.cacheManager = nil
	}
	c.loader.ClearPrefetch()
	if c.auth != nil {
		c.auth.Close()
	}
	return firstErr
}

// ---------------------------------------------------------------------------
// Manager setup
// ---------------------------------------------------------------------------

// CacheOptions selects and configures the cache backend.
type CacheOptions struct {
	Backend string // "memory" (default) or "redis"
	Memory  cache.MemorySetup
	Redis   cache.RedisSetup
	// SweepInterval bounds the stampede promise table sweep. Defaults to
	// 300s.
	SweepInterval time.Duration
	Metrics       *cache.Metrics
}

// SetupCacheManager attaches a cache manager.
func (c *Client) SetupCacheManager(ctx context.Context, opts CacheOptions) error {
	manager := cache.NewManager(cache.ManagerConfig{
		StampedeSweepInterval: opts.SweepInterval,
		Metrics:               opts.Metrics,
	}, c.logger)

	switch opts.Backend {
	case "", "memory":
		if err := manager.SetupMemoryCache(opts.Memory); err != nil {
			_ = manager.Close()
			return err
		}
	case "redis":
		if err := manager.SetupRedisCache(ctx, opts.Redis); err != nil {
			_ = manager.Close()
			return err
		}
	default:
		_ = manager.Close()
		return NewValidationError("setup_cache_manager", "unknown cache backend: "+opts.Backend, nil)
	}

	c.cacheManager = manager
	return nil
}

// SetupTransactionManager attaches a transaction manager wired to this
// client for compensation and to the cache manager for invalidation.
func (c *Client) SetupTransactionManager() {
	var invalidator transaction.Invalidator
	if c.cacheManager != nil {
		invalidator = &cacheAdapter{manager: c.cacheManager}
	}
	c.txManager = transaction.NewManager(compensator{client: c}, invalidator, c.logger)
}

// SetupBatchManager attaches a batch executor.
func (c *Client) SetupBatchManager(maxChunkSize, maxConcurrency int) {
	c.batchExec = batch.NewExecutor(c, batch.Config{
		MaxChunkSize:   maxChunkSize,
		MaxConcurrency: maxConcurrency,
	}, c.logger)
}

// Cache returns the cache manager, or nil when not set up.
func (c *Client) Cache() *cache.Manager { return c.cacheManager }

// Transactions returns the transaction manager, or nil when not set up.
func (c *Client) Transactions() *transaction.Manager { return c.txManager }

// Batches returns the batch executor, or nil when not set up.
func (c *Client) Batches() *batch.Executor { return c.batchExec }

// Registry returns the schema registry.
func (c *Client) Registry() *models.Registry { return c.registry }

// Loader returns the relationship loader.
func (c *Client) Loader() *models.Loader { return c.loader }

// Model returns a query builder for model.
func (c *Client) Model(model string) *query.Builder {
	return query.NewBuilder(c, model)
}

// Transaction opens a transaction scope: fn runs with the transaction in its
// context; commit on success, rollback on error or panic.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, tx *transaction.Transaction) error) error {
	if c.txManager == nil {
		return NewValidationError("transaction", "transaction manager is not set up", nil)
	}
	return c.txManager.Run(ctx, fn)
}

// ---------------------------------------------------------------------------
// RPC surface
// ---------------------------------------------------------------------------

// ExecuteKW is the uniform RPC entry. Everything else is expressible through
// it.
func (c *Client) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	value, err := c.rpc.ExecuteKW(ctx, model, method, args, kwargs)
	if err != nil {
		return nil, c.mapError(model+"."+method, err)
	}
	return value, nil
}

// executeRead issues an idempotent read, retrying temporary failures.
func (c *Client) executeRead(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= c.readRetries; attempt++ {
		value, err := c.rpc.ExecuteKW(ctx, model, method, args, kwargs)
		if err == nil {
			return value, nil
		}
		lastErr = err
		var terr *transport.Error
		if !errors.As(err, &terr) || !terr.Temporary() {
			break
		}
		c.logger.Debug("retrying idempotent read",
			zap.String("model", model), zap.String("method", method), zap.Int("attempt", attempt+1))
	}
	return nil, c.mapError(model+"."+method, lastErr)
}

// SearchRead runs search_read with the usual keyword arguments.
func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, limit, offset int, order string) ([]map[string]any, error) {
	if domain == nil {
		domain = []any{}
	}
	kwargs := map[string]any{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	if offset > 0 {
		kwargs["offset"] = offset
	}
	if order != "" {
		kwargs["order"] = order
	}

	raw, err := c.executeRead(ctx, model, "search_read", []any{domain}, kwargs)
	if err != nil {
		return nil, err
	}
	return asRows(raw), nil
}

// Read fetches fields for ids.
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	kwargs := map[string]any{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	raw, err := c.executeRead(ctx, model, "read", []any{toAnySlice(ids)}, kwargs)
	if err != nil {
		return nil, err
	}
	return asRows(raw), nil
}

// SearchCount counts the records matching domain.
func (c *Client) SearchCount(ctx context.Context, model string, domain []any) (int, error) {
	if domain == nil {
		domain = []any{}
	}
	raw, err := c.executeRead(ctx, model, "search_count", []any{domain}, nil)
	if err != nil {
		return 0, err
	}
	switch typed := raw.(type) {
	case float64:
		return int(typed), nil
	case int64:
		return int(typed), nil
	case int:
		return typed, nil
	}
	return 0, NewInternalError(model+".search_count", fmt.Sprintf("unexpected count type %T", raw), nil)
}

// Create inserts one record and returns its id. Inside a transaction the
// operation is logged; outside, the model's cache regions are invalidated
// immediately.
func (c *Client) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	raw, err := c.ExecuteKW(ctx, model, "create", []any{values}, nil)
	if err != nil {
		return 0, err
	}
	id, ok := asID(raw)
	if !ok {
		return 0, NewInternalError(model+".create", fmt.Sprintf("unexpected create result %v", raw), nil)
	}

	c.trackMutation(ctx, transaction.OpEntry{
		Kind:       transaction.OpCreate,
		Model:      model,
		CreatedIDs: []int64{id},
		NewData:    values,
	})
	return id, nil
}

// CreateBulk inserts many records in one call.
func (c *Client) CreateBulk(ctx context.Context, model string, values []map[string]any) ([]int64, error) {
	raw, err := c.ExecuteKW(ctx, model, "create", []any{values}, nil)
	if err != nil {
		return nil, err
	}
	ids := asIDs(raw)
	if len(ids) == 0 && len(values) > 0 {
		return nil, NewInternalError(model+".create", "bulk create returned no ids", nil)
	}

	c.trackMutation(ctx, transaction.OpEntry{
		Kind:       transaction.OpCreate,
		Model:      model,
		CreatedIDs: ids,
	})
	return ids, nil
}

// Write updates ids with values. Inside a transaction the pre-image of the
// written fields is captured first so rollback can restore it.
func (c *Client) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	var preImages []map[string]any
	if tx := transaction.FromContext(ctx); tx != nil && tx.State() == transaction.StateActive {
		fields := make([]string, 0, len(values))
		for name := range values {
			fields = append(fields, name)
		}
		rows, err := c.Read(ctx, model, ids, fields)
		if err != nil {
			return err
		}
		preImages = stripIDs(rows)
	}

	if _, err := c.ExecuteKW(ctx, model, "write", []any{toAnySlice(ids), values}, nil); err != nil {
		return err
	}

	c.trackMutation(ctx, transaction.OpEntry{
		Kind:         transaction.OpUpdate,
		Model:        model,
		RecordIDs:    ids,
		OriginalData: preImages,
		NewData:      values,
	})
	return nil
}

// Unlink deletes ids. Inside a transaction the full pre-image is captured so
// rollback can recreate the records (ids are not preserved).
func (c *Client) Unlink(ctx context.Context, model string, ids []int64) error {
	var preImages []map[string]any
	if tx := transaction.FromContext(ctx); tx != nil && tx.State() == transaction.StateActive {
		rows, err := c.Read(ctx, model, ids, nil)
		if err != nil {
			return err
		}
		preImages = stripIDs(rows)
	}

	if _, err := c.ExecuteKW(ctx, model, "unlink", []any{toAnySlice(ids)}, nil); err != nil {
		return err
	}

	c.trackMutation(ctx, transaction.OpEntry{
		Kind:         transaction.OpDelete,
		Model:        model,
		RecordIDs:    ids,
		OriginalData: preImages,
	})
	return nil
}

// trackMutation logs the operation in the active transaction or, without
// one, invalidates the model's cache regions immediately.
func (c *Client) trackMutation(ctx context.Context, op transaction.OpEntry) {
	if tx := transaction.FromContext(ctx); tx != nil && tx.State() == transaction.StateActive {
		if err := tx.AddOperation(op); err != nil {
			c.logger.Warn("failed to log operation in transaction",
				zap.String("model", op.Model), zap.Error(err))
		}
		return
	}
	if c.cacheManager == nil {
		return
	}
	ids := op.RecordIDs
	if op.Kind == transaction.OpCreate {
		ids = op.CreatedIDs
	}
	for _, id := range ids {
		_, _ = c.cacheManager.Delete(ctx, fmt.Sprintf("%s:%d", op.Model, id))
	}
	if _, err := c.cacheManager.InvalidatePattern(ctx, "query:"+op.Model+":*"); err != nil {
		c.logger.Debug("query cache invalidation failed",
			zap.String("model", op.Model), zap.Error(err))
	}
	if _, err := c.cacheManager.InvalidateModel(ctx, op.Model); err != nil {
		c.logger.Debug("model cache invalidation failed",
			zap.String("model", op.Model), zap.Error(err))
	}
}

// mapError converts transport failures into the client taxonomy.
func (c *Client) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var terr *transport.Error
	if !errors.As(err, &terr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewTimeoutError(op, "deadline exceeded", err)
		}
		return NewInternalError(op, err.Error(), err)
	}
	switch terr.Kind {
	case transport.KindAuthentication:
		return NewAuthenticationError(op, terr.Message, err)
	case transport.KindAccess:
		return NewAccessError(op, terr.Message, err)
	case transport.KindValidation:
		return NewValidationError(op, terr.Message, err)
	case transport.KindTimeout:
		return NewTimeoutError(op, terr.Message, err)
	case transport.KindConnection:
		return NewConnectionError(op, terr.Message, err)
	default:
		return NewInternalError(op, terr.Message, err)
	}
}

// ---------------------------------------------------------------------------
// Adapters
// ---------------------------------------------------------------------------

// compensator lets the transaction manager undo operations through plain RPC
// without re-entering transaction tracking.
type compensator struct {
	client *Client
}

func (c compensator) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	raw, err := c.client.ExecuteKW(ctx, model, "create", []any{values}, nil)
	if err != nil {
		return 0, err
	}
	id, ok := asID(raw)
	if !ok {
		return 0, NewInternalError(model+".create", "unexpected create result", nil)
	}
	return id, nil
}

func (c compensator) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	_, err := c.client.ExecuteKW(ctx, model, "write", []any{toAnySlice(ids), values}, nil)
	return err
}

func (c compensator) Unlink(ctx context.Context, model string, ids []int64) error {
	_, err := c.client.ExecuteKW(ctx, model, "unlink", []any{toAnySlice(ids)}, nil)
	return err
}

// cacheAdapter narrows the cache manager to the transaction invalidation
// contract.
type cacheAdapter struct {
	manager *cache.Manager
}

func (a *cacheAdapter) Delete(ctx context.Context, key string) (bool, error) {
	return a.manager.Delete(ctx, key)
}

func (a *cacheAdapter) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	return a.manager.InvalidatePattern(ctx, pattern)
}

func (a *cacheAdapter) InvalidateModel(ctx context.Context, model string) (int, error) {
	return a.manager.InvalidateModel(ctx, model)
}

// ---------------------------------------------------------------------------
// Wire value helpers
// ---------------------------------------------------------------------------

func asRows(raw any) []map[string]any {
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
	}
	return nil
}

func asID(raw any) (int64, bool) {
	switch typed := raw.(type) {
	case float64:
		return int64(typed), true
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case []any:
		if len(typed) == 1 {
			return asID(typed[0])
		}
	}
	return 0, false
}

func asIDs(raw any) []int64 {
	switch typed := raw.(type) {
	case []any:
		ids := make([]int64, 0, len(typed))
		for _, item := range typed {
			if id, ok := asID(item); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		if id, ok := asID(raw); ok {
			return []int64{id}
		}
	}
	return nil
}

func toAnySlice(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func stripIDs(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		dup := make(map[string]any, len(row))
		for k, v := range row {
			if k == "id" {
				continue
			}
			dup[k] = v
		}
		out[i] = dup
	}
	return out
}

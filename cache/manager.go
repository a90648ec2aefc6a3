package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Manager is the façade callers use. It owns named strategy-wrapped backends,
// a default pick, the stampede promise table, and the enabled flag that gates
// every operation.
type Manager struct {
	mu        sync.RWMutex
	backends  map[string]Strategy
	defaultBE string

	enabled atomic.Bool
	guard   *stampedeGuard
	metrics *Metrics
	logger  *zap.Logger
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// StampedeSweepInterval bounds how long completed or abandoned inflight
	// promises linger. Defaults to 300s.
	StampedeSweepInterval time.Duration
	Metrics               *Metrics
}

// NewManager creates an empty manager. Backends are attached with AddBackend
// or the Setup helpers.
func NewManager(config ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		backends: make(map[string]Strategy),
		guard:    newStampedeGuard(config.StampedeSweepInterval, logger),
		metrics:  config.Metrics,
		logger:   logger,
	}
	m.enabled.Store(true)
	return m
}

// MemorySetup configures SetupMemoryCache.
type MemorySetup struct {
	Name            string
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	Strategy        string // "ttl" (default), "lru", "lfu"
}

// SetupMemoryCache creates an in-memory backend wrapped in the requested
// strategy and registers it. The first registered backend becomes the
// default.
func (m *Manager) SetupMemoryCache(setup MemorySetup) error {
	if setup.Name == "" {
		setup.Name = "memory"
	}
	backend := NewMemoryBackend(MemoryConfig{
		MaxSize:         setup.MaxSize,
		DefaultTTL:      setup.DefaultTTL,
		CleanupInterval: setup.CleanupInterval,
	}, m.logger)

	strategy, err := m.wrapStrategy(backend, setup.Strategy, setup.MaxSize, setup.DefaultTTL)
	if err != nil {
		_ = backend.Close()
		return err
	}
	m.AddBackend(setup.Name, strategy)
	return nil
}

// RedisSetup configures SetupRedisCache.
type RedisSetup struct {
	Name     string
	Redis    RedisConfig
	Strategy string
	TTL      time.Duration
	MaxSize  int
}

// SetupRedisCache connects a redis backend, wraps it, and registers it.
func (m *Manager) SetupRedisCache(ctx context.Context, setup RedisSetup) error {
	if setup.Name == "" {
		setup.Name = "redis"
	}
	backend, err := NewRedisBackend(ctx, setup.Redis, m.logger)
	if err != nil {
		return err
	}
	strategy, err := m.wrapStrategy(backend, setup.Strategy, setup.MaxSize, setup.TTL)
	if err != nil {
		_ = backend.Close()
		return err
	}
	m.AddBackend(setup.Name, strategy)
	return nil
}

func (m *Manager) wrapStrategy(backend Backend, name string, maxSize int, ttl time.Duration) (Strategy, error) {
	switch name {
	case "", "ttl":
		return NewTTLStrategy(backend, ttl, 0, m.logger), nil
	case "lru":
		return NewLRUStrategy(backend, maxSize), nil
	case "lfu":
		return NewLFUStrategy(backend, maxSize, 0, 0), nil
	default:
		return nil, newBackendError("setup", "unknown cache strategy: "+name, nil)
	}
}

// AddBackend registers a strategy-wrapped backend under name. The first one
// registered becomes the default.
func (m *Manager) AddBackend(name string, strategy Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[name] = strategy
	if m.defaultBE == "" {
		m.defaultBE = name
	}
}

// SetDefaultBackend switches the default pick.
func (m *Manager) SetDefaultBackend(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backends[name]; !ok {
		return newBackendError("set_default", "unknown cache backend: "+name, nil)
	}
	m.defaultBE = name
	return nil
}

// pick resolves a backend by name, empty meaning the default.
func (m *Manager) pick(name string) (Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		name = m.defaultBE
	}
	s, ok := m.backends[name]
	if !ok {
		return nil, newBackendError("pick", "no cache backend available", nil)
	}
	return s, nil
}

// Enable turns caching on.
func (m *Manager) Enable() { m.enabled.Store(true) }

// Disable turns caching off: Get returns a miss without touching any
// backend, Set becomes a no-op returning false.
func (m *Manager) Disable() { m.enabled.Store(false) }

// IsEnabled reports the gate.
func (m *Manager) IsEnabled() bool { return m.enabled.Load() }

// Get returns the cached value for key, or (nil, false) on miss or when the
// manager is disabled. Backend failures degrade to a miss.
func (m *Manager) Get(ctx context.Context, key string, backend ...string) (any, bool, error) {
	if !m.enabled.Load() {
		return nil, false, nil
	}
	s, err := m.pick(optional(backend))
	if err != nil {
		return nil, false, err
	}
	value, ok, err := s.Get(ctx, key)
	if m.metrics != nil {
		m.metrics.observeGet(ok, err)
	}
	return value, ok, err
}

// Set stores value under key with the given TTL (0 = strategy default).
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration, backend ...string) (bool, error) {
	if !m.enabled.Load() {
		return false, nil
	}
	s, err := m.pick(optional(backend))
	if err != nil {
		return false, err
	}
	ok, err := s.Set(ctx, key, value, ttl)
	if m.metrics != nil {
		m.metrics.observeSet(err)
	}
	return ok, err
}

// Delete removes key, reporting whether it existed.
func (m *Manager) Delete(ctx context.Context, key string, backend ...string) (bool, error) {
	if !m.enabled.Load() {
		return false, nil
	}
	s, err := m.pick(optional(backend))
	if err != nil {
		return false, err
	}
	return s.Delete(ctx, key)
}

// Exists reports whether key is live.
func (m *Manager) Exists(ctx context.Context, key string, backend ...string) (bool, error) {
	if !m.enabled.Load() {
		return false, nil
	}
	s, err := m.pick(optional(backend))
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, key)
}

// Clear empties the chosen backend.
func (m *Manager) Clear(ctx context.Context, backend ...string) (bool, error) {
	if !m.enabled.Load() {
		return false, nil
	}
	s, err := m.pick(optional(backend))
	if err != nil {
		return false, err
	}
	return s.Clear(ctx)
}

// InvalidatePattern removes every key matching the glob and returns the
// count. Memory backends iterate their key space; redis uses SCAN MATCH.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string, backend ...string) (int, error) {
	if !m.enabled.Load() {
		return 0, nil
	}
	s, err := m.pick(optional(backend))
	if err != nil {
		return 0, err
	}

	target := Backend(s)
	// The strategy forwards pattern deletion to its backend; a strategy
	// without DeletePattern is reported as unsupported.
	if pb, ok := target.(PatternBackend); ok {
		count, err := pb.DeletePattern(ctx, pattern)
		if err == nil {
			m.logger.Debug("invalidated cache pattern",
				zap.String("pattern", pattern), zap.Int("count", count))
		}
		return count, err
	}
	return 0, newBackendError("invalidate_pattern", "backend does not support pattern invalidation", nil)
}

// InvalidateModel removes every key belonging to model.
func (m *Manager) InvalidateModel(ctx context.Context, model string, backend ...string) (int, error) {
	return m.InvalidatePattern(ctx, model+":*", backend...)
}

// CacheQueryResult stores a search_read result under the query fingerprint.
func (m *Manager) CacheQueryResult(ctx context.Context, model string, domain []any, fields []string, limit, offset int, order string, result any, ttl time.Duration) error {
	key, err := MakeQueryKey(model, domain, fields, limit, offset, order, nil, "")
	if err != nil {
		return err
	}
	_, err = m.Set(ctx, key.Key, result, ttl)
	return err
}

// GetCachedQueryResult returns the cached search_read result, if any.
func (m *Manager) GetCachedQueryResult(ctx context.Context, model string, domain []any, fields []string, limit, offset int, order string) (any, bool, error) {
	key, err := MakeQueryKey(model, domain, fields, limit, offset, order, nil, "")
	if err != nil {
		return nil, false, err
	}
	return m.Get(ctx, key.Key)
}

// CacheModelRecord stores a single record's data under its record key.
func (m *Manager) CacheModelRecord(ctx context.Context, model string, id int64, fields []string, data any, ttl time.Duration) error {
	key, err := MakeRecordKey(model, []int64{id}, fields, "")
	if err != nil {
		return err
	}
	_, err = m.Set(ctx, key.Key, data, ttl)
	return err
}

// GetCachedModelRecord returns a cached record's data, if any.
func (m *Manager) GetCachedModelRecord(ctx context.Context, model string, id int64, fields []string) (any, bool, error) {
	key, err := MakeRecordKey(model, []int64{id}, fields, "")
	if err != nil {
		return nil, false, err
	}
	return m.Get(ctx, key.Key)
}

// GetOrCompute returns the cached value for key or runs origin exactly once
// under the stampede guard, caching the result with ttl. Concurrent callers
// missing on the same key await the single inflight origin call.
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, origin func(context.Context) (any, error)) (any, error) {
	if !m.enabled.Load() {
		return origin(ctx)
	}
	if value, ok, err := m.Get(ctx, key); err == nil && ok {
		return value, nil
	}

	p, owner := m.guard.acquire(key)
	if !owner {
		return p.wait(ctx)
	}

	value, err := origin(ctx)
	if err == nil {
		if _, serr := m.Set(ctx, key, value, ttl); serr != nil {
			m.logger.Debug("cache write failed", zap.String("key", key), zap.Error(serr))
		}
	}
	m.guard.release(key, p)
	p.resolve(value, err)
	return value, err
}

// StampedesPrevented reports how many callers awaited another caller's
// inflight origin fetch instead of issuing their own.
func (m *Manager) StampedesPrevented() int64 {
	return m.guard.preventedCount()
}

// Stats aggregates per-backend stats plus manager-level counters.
func (m *Manager) Stats(ctx context.Context) (map[string]any, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	defaultBE := m.defaultBE
	m.mu.RUnlock()

	stats := map[string]any{
		"enabled":             m.enabled.Load(),
		"default_backend":     defaultBE,
		"stampedes_prevented": m.guard.preventedCount(),
	}
	for _, name := range names {
		s, err := m.pick(name)
		if err != nil {
			continue
		}
		backendStats, err := s.Stats(ctx)
		if err != nil {
			stats[name] = map[string]any{"error": err.Error()}
			continue
		}
		stats[name] = backendStats
	}
	return stats, nil
}

// Close stops the promise table sweeper and closes every backend.
func (m *Manager) Close() error {
	m.guard.close()

	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, s := range m.backends {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.backends, name)
	}
	m.defaultBE = ""
	return firstErr
}

func optional(names []string) string {
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

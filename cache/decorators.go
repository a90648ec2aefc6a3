package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Origin is the underlying fetch a cached function wraps.
type Origin func(ctx context.Context) (any, error)

// CircuitOptions configures the circuit-wrapped variant.
type CircuitOptions struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before a probe is let
	// through.
	Timeout time.Duration
	// FallbackTTL bounds how long a stale value is served while the circuit
	// is open, measured from when it was last refreshed.
	FallbackTTL time.Duration
}

// CachedOptions selects the behaviors layered on a cached function. The zero
// value is the basic variant: compute key, check cache, run origin on miss.
type CachedOptions struct {
	TTL time.Duration
	// StampedeProtection deduplicates concurrent misses through the
	// manager's promise table.
	StampedeProtection bool
	// SlideFactor, when > 1, extends the TTL on every hit:
	// ttl = min(ttl * SlideFactor, MaxTTL).
	SlideFactor float64
	MaxTTL      time.Duration
	Circuit     *CircuitOptions
	// CollectMetrics maintains hit/miss/latency counters without affecting
	// behavior.
	CollectMetrics bool
}

// CachedFunc wraps an origin fetch with cache behaviors. Create one per
// function at setup time; Call is safe for concurrent use.
type CachedFunc struct {
	manager *Manager
	name    string
	opts    CachedOptions
	logger  *zap.Logger

	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	ttls     map[string]time.Duration // sliding: current TTL per key
	lastGood map[string]staleEntry    // circuit: last successful value per key

	metrics funcMetrics
}

type staleEntry struct {
	value     any
	refreshed time.Time
}

type funcMetrics struct {
	mu            sync.Mutex
	hits          int64
	misses        int64
	errors        int64
	total         int64
	stampedes     int64
	staleServed   int64
	minLatency    time.Duration
	maxLatency    time.Duration
	totalLatency  time.Duration
	latencyCount  int64
	keyAccess     map[string]int64
	errorsByType  map[string]int64
}

// FuncMetrics is a point-in-time snapshot of a cached function's counters.
type FuncMetrics struct {
	Hits               int64
	Misses             int64
	Errors             int64
	TotalRequests      int64
	StampedesPrevented int64
	StaleServed        int64
	MinResponseTime    time.Duration
	MaxResponseTime    time.Duration
	AvgResponseTime    time.Duration
	KeyAccessCounts    map[string]int64
	ErrorCounts        map[string]int64
}

// NewCachedFunc builds a cached wrapper named name around origins passed to
// Call. name becomes the key prefix, so it must follow the key grammar.
func NewCachedFunc(manager *Manager, name string, opts CachedOptions, logger *zap.Logger) (*CachedFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := NewKey(DefaultNamespace, name); err != nil {
		return nil, err
	}
	if opts.SlideFactor > 1 && opts.MaxTTL <= 0 {
		return nil, newKeyError("sliding cache requires MaxTTL")
	}

	f := &CachedFunc{
		manager:  manager,
		name:     name,
		opts:     opts,
		logger:   logger,
		ttls:     make(map[string]time.Duration),
		lastGood: make(map[string]staleEntry),
	}
	f.metrics.keyAccess = make(map[string]int64)
	f.metrics.errorsByType = make(map[string]int64)

	if opts.Circuit != nil {
		c := *opts.Circuit
		if c.FailureThreshold == 0 {
			c.FailureThreshold = 3
		}
		if c.Timeout <= 0 {
			c.Timeout = 30 * time.Second
		}
		if c.FallbackTTL <= 0 {
			c.FallbackTTL = 5 * time.Minute
		}
		f.opts.Circuit = &c
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "cached:" + name,
			Timeout: c.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= c.FailureThreshold
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logger.Warn("cached function circuit state change",
					zap.String("function", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return f, nil
}

// Call resolves the cached value for args, running origin on a miss. args are
// hashed into the key alongside the function name.
func (f *CachedFunc) Call(ctx context.Context, args map[string]any, origin Origin) (any, error) {
	key := f.name
	if len(args) > 0 {
		key = f.name + ":" + hashParams(args)
	}

	start := time.Now()
	value, err := f.call(ctx, key, origin)
	f.record(key, start, err)
	return value, err
}

func (f *CachedFunc) call(ctx context.Context, key string, origin Origin) (any, error) {
	if value, ok, err := f.manager.Get(ctx, key); err == nil && ok {
		f.onHit(ctx, key)
		return value, nil
	}
	f.onMiss()

	if f.opts.StampedeProtection {
		p, owner := f.manager.guard.acquire(key)
		if !owner {
			f.noteStampede()
			return p.wait(ctx)
		}
		value, err := f.fetch(ctx, key, origin)
		f.manager.guard.release(key, p)
		p.resolve(value, err)
		return value, err
	}
	return f.fetch(ctx, key, origin)
}

// fetch runs the origin (through the circuit breaker when configured) and
// stores the result.
func (f *CachedFunc) fetch(ctx context.Context, key string, origin Origin) (any, error) {
	run := func() (any, error) { return origin(ctx) }

	var value any
	var err error
	if f.breaker != nil {
		value, err = f.breaker.Execute(run)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				if stale, ok := f.staleValue(key); ok {
					f.noteStale()
					f.logger.Warn("serving stale value while circuit is open",
						zap.String("function", f.name), zap.String("key", key))
					return stale, nil
				}
				return nil, newBackendError("circuit", "circuit open and no stale value available", err)
			}
			return nil, err
		}
	} else {
		value, err = run()
		if err != nil {
			return nil, err
		}
	}

	ttl := f.opts.TTL
	if f.opts.SlideFactor > 1 {
		f.mu.Lock()
		f.ttls[key] = ttl
		f.mu.Unlock()
	}
	if f.breaker != nil {
		f.mu.Lock()
		f.lastGood[key] = staleEntry{value: value, refreshed: time.Now()}
		f.mu.Unlock()
	}
	if _, serr := f.manager.Set(ctx, key, value, ttl); serr != nil {
		// Cache write failures never fail the origin result.
		f.logger.Debug("cache write failed", zap.String("key", key), zap.Error(serr))
	}
	return value, nil
}

// onHit applies the sliding-TTL extension.
func (f *CachedFunc) onHit(ctx context.Context, key string) {
	f.noteHit(key)
	if f.opts.SlideFactor <= 1 {
		return
	}
	f.mu.Lock()
	current, ok := f.ttls[key]
	if !ok || current <= 0 {
		current = f.opts.TTL
	}
	extended := time.Duration(float64(current) * f.opts.SlideFactor)
	if extended > f.opts.MaxTTL {
		extended = f.opts.MaxTTL
	}
	f.ttls[key] = extended
	f.mu.Unlock()

	if value, ok, err := f.manager.Get(ctx, key); err == nil && ok {
		_, _ = f.manager.Set(ctx, key, value, extended)
	}
}

func (f *CachedFunc) staleValue(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.lastGood[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.refreshed) > f.opts.Circuit.FallbackTTL {
		delete(f.lastGood, key)
		return nil, false
	}
	return entry.value, true
}

// Metrics returns a snapshot of the counters. Always available; populated
// only when CollectMetrics is set.
func (f *CachedFunc) Metrics() FuncMetrics {
	m := &f.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := time.Duration(0)
	if m.latencyCount > 0 {
		avg = m.totalLatency / time.Duration(m.latencyCount)
	}
	keys := make(map[string]int64, len(m.keyAccess))
	for k, v := range m.keyAccess {
		keys[k] = v
	}
	errs := make(map[string]int64, len(m.errorsByType))
	for k, v := range m.errorsByType {
		errs[k] = v
	}
	return FuncMetrics{
		Hits:               m.hits,
		Misses:             m.misses,
		Errors:             m.errors,
		TotalRequests:      m.total,
		StampedesPrevented: m.stampedes,
		StaleServed:        m.staleServed,
		MinResponseTime:    m.minLatency,
		MaxResponseTime:    m.maxLatency,
		AvgResponseTime:    avg,
		KeyAccessCounts:    keys,
		ErrorCounts:        errs,
	}
}

func (f *CachedFunc) noteHit(key string) {
	if !f.opts.CollectMetrics {
		return
	}
	f.metrics.mu.Lock()
	f.metrics.hits++
	f.metrics.keyAccess[key]++
	f.metrics.mu.Unlock()
}

func (f *CachedFunc) noteMiss() {
	if !f.opts.CollectMetrics {
		return
	}
	f.metrics.mu.Lock()
	f.metrics.misses++
	f.metrics.mu.Unlock()
}

func (f *CachedFunc) onMiss() { f.noteMiss() }

func (f *CachedFunc) noteStampede() {
	if !f.opts.CollectMetrics {
		return
	}
	f.metrics.mu.Lock()
	f.metrics.stampedes++
	f.metrics.mu.Unlock()
}

func (f *CachedFunc) noteStale() {
	if !f.opts.CollectMetrics {
		return
	}
	f.metrics.mu.Lock()
	f.metrics.staleServed++
	f.metrics.mu.Unlock()
}

func (f *CachedFunc) record(key string, start time.Time, err error) {
	if !f.opts.CollectMetrics {
		return
	}
	elapsed := time.Since(start)
	m := &f.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.totalLatency += elapsed
	m.latencyCount++
	if m.minLatency == 0 || elapsed < m.minLatency {
		m.minLatency = elapsed
	}
	if elapsed > m.maxLatency {
		m.maxLatency = elapsed
	}
	if err != nil {
		m.errors++
		var ce *ConnectionError
		var te *TimeoutError
		var se *SerializationError
		switch {
		case errors.As(err, &te):
			m.errorsByType["timeout"]++
		case errors.As(err, &ce):
			m.errorsByType["connection"]++
		case errors.As(err, &se):
			m.errorsByType["serialization"]++
		default:
			m.errorsByType["origin"]++
		}
	}
}

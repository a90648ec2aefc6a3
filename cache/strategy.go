package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Strategy layers an eviction and expiry discipline on a Backend. Strategies
// expose the backend interface plus their name in Stats.
type Strategy interface {
	Backend
	StrategyName() string
}

// deletePatternThrough forwards pattern invalidation to the wrapped backend
// when it supports it.
func deletePatternThrough(ctx context.Context, backend Backend, pattern string) (int, error) {
	if pb, ok := backend.(PatternBackend); ok {
		return pb.DeletePattern(ctx, pattern)
	}
	return 0, newBackendError("delete_pattern", "backend does not support pattern invalidation", nil)
}

// ---------------------------------------------------------------------------
// TTL strategy
// ---------------------------------------------------------------------------

// TTLStrategy applies a default TTL to every set and tracks its own expiry
// map so entries expire even on backends without native TTL support. A
// periodic cleanup sweeps the tracking map.
type TTLStrategy struct {
	backend    Backend
	defaultTTL time.Duration
	interval   time.Duration

	mu      sync.Mutex
	expiry  map[string]time.Time
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once

	logger *zap.Logger
}

// NewTTLStrategy wraps backend with a default TTL.
func NewTTLStrategy(backend Backend, defaultTTL, cleanupInterval time.Duration, logger *zap.Logger) *TTLStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	s := &TTLStrategy{
		backend:    backend,
		defaultTTL: defaultTTL,
		interval:   cleanupInterval,
		expiry:     make(map[string]time.Time),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger,
	}
	go s.cleanupLoop()
	return s
}

func (s *TTLStrategy) StrategyName() string { return "ttl" }

func (s *TTLStrategy) Get(ctx context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	deadline, tracked := s.expiry[key]
	if tracked && time.Now().After(deadline) {
		delete(s.expiry, key)
		s.mu.Unlock()
		_, _ = s.backend.Delete(ctx, key)
		return nil, false, nil
	}
	s.mu.Unlock()
	return s.backend.Get(ctx, key)
}

func (s *TTLStrategy) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	ok, err := s.backend.Set(ctx, key, value, ttl)
	if err != nil || !ok {
		return ok, err
	}
	s.mu.Lock()
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	s.mu.Unlock()
	return true, nil
}

func (s *TTLStrategy) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	delete(s.expiry, key)
	s.mu.Unlock()
	return s.backend.Delete(ctx, key)
}

func (s *TTLStrategy) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	deadline, tracked := s.expiry[key]
	if tracked && time.Now().After(deadline) {
		delete(s.expiry, key)
		s.mu.Unlock()
		_, _ = s.backend.Delete(ctx, key)
		return false, nil
	}
	s.mu.Unlock()
	return s.backend.Exists(ctx, key)
}

func (s *TTLStrategy) Clear(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.expiry = make(map[string]time.Time)
	s.mu.Unlock()
	return s.backend.Clear(ctx)
}

func (s *TTLStrategy) Stats(ctx context.Context) (map[string]any, error) {
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats["strategy"] = s.StrategyName()
	stats["default_ttl_seconds"] = s.defaultTTL.Seconds()
	return stats, nil
}

// DeletePattern forwards to the backend and drops tracking for removed keys.
func (s *TTLStrategy) DeletePattern(ctx context.Context, pattern string) (int, error) {
	count, err := deletePatternThrough(ctx, s.backend, pattern)
	if err == nil {
		s.mu.Lock()
		for key := range s.expiry {
			if matched, merr := path.Match(pattern, key); merr == nil && matched {
				delete(s.expiry, key)
			}
		}
		s.mu.Unlock()
	}
	return count, err
}

func (s *TTLStrategy) Close() error {
	s.stopped.Do(func() {
		close(s.stop)
		<-s.done
	})
	return s.backend.Close()
}

func (s *TTLStrategy) cleanupLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *TTLStrategy) sweep() {
	now := time.Now()
	s.mu.Lock()
	var victims []string
	for key, deadline := range s.expiry {
		if now.After(deadline) {
			victims = append(victims, key)
			delete(s.expiry, key)
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, key := range victims {
		_, _ = s.backend.Delete(ctx, key)
	}
	if len(victims) > 0 {
		s.logger.Debug("ttl strategy swept expired keys", zap.Int("count", len(victims)))
	}
}

// ---------------------------------------------------------------------------
// LRU strategy
// ---------------------------------------------------------------------------

// LRUStrategy bounds the key space at maxSize, evicting the least recently
// used key on admission when full.
type LRUStrategy struct {
	backend Backend
	maxSize int

	mu     sync.Mutex
	access map[string]time.Time
	seq    map[string]int64
	next   int64
}

// NewLRUStrategy wraps backend with LRU bookkeeping.
func NewLRUStrategy(backend Backend, maxSize int) *LRUStrategy {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRUStrategy{
		backend: backend,
		maxSize: maxSize,
		access:  make(map[string]time.Time),
		seq:     make(map[string]int64),
	}
}

func (s *LRUStrategy) StrategyName() string { return "lru" }

func (s *LRUStrategy) touch(key string) {
	s.access[key] = time.Now()
	s.next++
	s.seq[key] = s.next
}

func (s *LRUStrategy) Get(ctx context.Context, key string) (any, bool, error) {
	value, ok, err := s.backend.Get(ctx, key)
	if err == nil && ok {
		s.mu.Lock()
		s.touch(key)
		s.mu.Unlock()
	}
	return value, ok, err
}

func (s *LRUStrategy) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	if _, tracked := s.seq[key]; !tracked && len(s.seq) >= s.maxSize {
		victim := ""
		var oldest int64
		for k, n := range s.seq {
			if victim == "" || n < oldest {
				victim, oldest = k, n
			}
		}
		if victim != "" {
			delete(s.seq, victim)
			delete(s.access, victim)
			s.mu.Unlock()
			_, _ = s.backend.Delete(ctx, victim)
			s.mu.Lock()
		}
	}
	s.touch(key)
	s.mu.Unlock()
	return s.backend.Set(ctx, key, value, ttl)
}

func (s *LRUStrategy) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	delete(s.seq, key)
	delete(s.access, key)
	s.mu.Unlock()
	return s.backend.Delete(ctx, key)
}

func (s *LRUStrategy) Exists(ctx context.Context, key string) (bool, error) {
	return s.backend.Exists(ctx, key)
}

func (s *LRUStrategy) Clear(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.seq = make(map[string]int64)
	s.access = make(map[string]time.Time)
	s.mu.Unlock()
	return s.backend.Clear(ctx)
}

func (s *LRUStrategy) Stats(ctx context.Context) (map[string]any, error) {
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	tracked := len(s.seq)
	s.mu.Unlock()
	stats["strategy"] = s.StrategyName()
	stats["tracked_keys"] = tracked
	stats["max_size"] = s.maxSize
	return stats, nil
}

// DeletePattern forwards to the backend and drops tracking for removed keys.
func (s *LRUStrategy) DeletePattern(ctx context.Context, pattern string) (int, error) {
	count, err := deletePatternThrough(ctx, s.backend, pattern)
	if err == nil {
		s.mu.Lock()
		for key := range s.seq {
			if matched, merr := path.Match(pattern, key); merr == nil && matched {
				delete(s.seq, key)
				delete(s.access, key)
			}
		}
		s.mu.Unlock()
	}
	return count, err
}

func (s *LRUStrategy) Close() error { return s.backend.Close() }

// ---------------------------------------------------------------------------
// LFU strategy
// ---------------------------------------------------------------------------

// LFUStrategy bounds the key space at maxSize and evicts the least frequently
// used key. Periodic aging multiplies every counter by agingFactor so stale
// popularity decays.
type LFUStrategy struct {
	backend     Backend
	maxSize     int
	agingFactor float64
	interval    time.Duration

	mu        sync.Mutex
	frequency map[string]float64

	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// NewLFUStrategy wraps backend with frequency bookkeeping and starts the
// aging goroutine. agingFactor must be in (0,1); values outside that range
// fall back to 0.5.
func NewLFUStrategy(backend Backend, maxSize int, agingFactor float64, agingInterval time.Duration) *LFUStrategy {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if agingFactor <= 0 || agingFactor >= 1 {
		agingFactor = 0.5
	}
	if agingInterval <= 0 {
		agingInterval = 5 * time.Minute
	}
	s := &LFUStrategy{
		backend:     backend,
		maxSize:     maxSize,
		agingFactor: agingFactor,
		interval:    agingInterval,
		frequency:   make(map[string]float64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.agingLoop()
	return s
}

func (s *LFUStrategy) StrategyName() string { return "lfu" }

func (s *LFUStrategy) Get(ctx context.Context, key string) (any, bool, error) {
	value, ok, err := s.backend.Get(ctx, key)
	if err == nil && ok {
		s.mu.Lock()
		s.frequency[key]++
		s.mu.Unlock()
	}
	return value, ok, err
}

func (s *LFUStrategy) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	if _, tracked := s.frequency[key]; !tracked && len(s.frequency) >= s.maxSize {
		victim := s.evictionVictim()
		if victim != "" {
			delete(s.frequency, victim)
			s.mu.Unlock()
			_, _ = s.backend.Delete(ctx, victim)
			s.mu.Lock()
		}
	}
	s.frequency[key]++
	s.mu.Unlock()
	return s.backend.Set(ctx, key, value, ttl)
}

// evictionVictim returns the minimum-frequency key, ties broken arbitrarily.
// Caller must hold the mutex.
func (s *LFUStrategy) evictionVictim() string {
	victim := ""
	var lowest float64
	for key, freq := range s.frequency {
		if victim == "" || freq < lowest {
			victim, lowest = key, freq
		}
	}
	return victim
}

func (s *LFUStrategy) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	delete(s.frequency, key)
	s.mu.Unlock()
	return s.backend.Delete(ctx, key)
}

func (s *LFUStrategy) Exists(ctx context.Context, key string) (bool, error) {
	return s.backend.Exists(ctx, key)
}

func (s *LFUStrategy) Clear(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.frequency = make(map[string]float64)
	s.mu.Unlock()
	return s.backend.Clear(ctx)
}

func (s *LFUStrategy) Stats(ctx context.Context) (map[string]any, error) {
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	tracked := len(s.frequency)
	s.mu.Unlock()
	stats["strategy"] = s.StrategyName()
	stats["tracked_keys"] = tracked
	stats["max_size"] = s.maxSize
	stats["aging_factor"] = s.agingFactor
	return stats, nil
}

// DeletePattern forwards to the backend and drops tracking for removed keys.
func (s *LFUStrategy) DeletePattern(ctx context.Context, pattern string) (int, error) {
	count, err := deletePatternThrough(ctx, s.backend, pattern)
	if err == nil {
		s.mu.Lock()
		for key := range s.frequency {
			if matched, merr := path.Match(pattern, key); merr == nil && matched {
				delete(s.frequency, key)
			}
		}
		s.mu.Unlock()
	}
	return count, err
}

func (s *LFUStrategy) Close() error {
	s.stopped.Do(func() {
		close(s.stop)
		<-s.done
	})
	return s.backend.Close()
}

func (s *LFUStrategy) agingLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.applyAging()
		}
	}
}

func (s *LFUStrategy) applyAging() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.frequency {
		s.frequency[key] *= s.agingFactor
	}
}

package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryBackend is an in-memory Backend with LRU ordering and per-entry TTL.
// Safe for concurrent use; all mutations are serialized under one mutex.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	order    *list.List // front = most recently used
	maxSize  int
	ttl      time.Duration
	interval time.Duration

	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64

	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

type memoryEntry struct {
	key        string
	value      any
	expiresAt  time.Time // zero means no expiry
	lastAccess time.Time
	hitCount   int64
	element    *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryConfig configures a MemoryBackend.
type MemoryConfig struct {
	MaxSize         int
	DefaultTTL      time.Duration // 0 means entries never expire by default
	CleanupInterval time.Duration
}

// NewMemoryBackend creates an in-memory backend and starts its cleanup
// goroutine. Callers must Close it to stop the goroutine.
func NewMemoryBackend(config MemoryConfig, logger *zap.Logger) *MemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 60 * time.Second
	}

	b := &MemoryBackend{
		entries:  make(map[string]*memoryEntry),
		order:    list.New(),
		maxSize:  config.MaxSize,
		ttl:      config.DefaultTTL,
		interval: config.CleanupInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go b.cleanupLoop()
	return b
}

// Get returns the value for key, moving it to the LRU front. An expired entry
// is removed and reported as a miss.
func (b *MemoryBackend) Get(ctx context.Context, key string) (any, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		b.misses++
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		b.remove(entry)
		b.misses++
		return nil, false, nil
	}

	b.order.MoveToFront(entry.element)
	entry.lastAccess = time.Now()
	entry.hitCount++
	b.hits++
	return entry.value, true, nil
}

// Set stores value under key. A ttl of 0 applies the backend default; if the
// default is also 0 the entry never expires.
func (b *MemoryBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.entries[key]; ok {
		b.remove(existing)
	}

	for len(b.entries) >= b.maxSize && b.order.Len() > 0 {
		oldest := b.order.Back()
		b.remove(oldest.Value.(*memoryEntry))
		b.evictions++
	}

	if ttl == 0 {
		ttl = b.ttl
	}
	entry := &memoryEntry{
		key:        key,
		value:      value,
		lastAccess: time.Now(),
	}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	entry.element = b.order.PushFront(entry)
	b.entries[key] = entry
	b.sets++
	return true, nil
}

// Delete removes key, reporting whether it existed.
func (b *MemoryBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	if entry.expired(time.Now()) {
		b.remove(entry)
		return false, nil
	}
	b.remove(entry)
	b.deletes++
	return true, nil
}

// Exists reports whether key holds a live entry.
func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	if entry.expired(time.Now()) {
		b.remove(entry)
		return false, nil
	}
	return true, nil
}

// Clear removes every entry.
func (b *MemoryBackend) Clear(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = make(map[string]*memoryEntry)
	b.order.Init()
	return true, nil
}

// DeletePattern removes all keys matching the glob and returns the count.
func (b *MemoryBackend) DeletePattern(ctx context.Context, pattern string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var victims []*memoryEntry
	for key, entry := range b.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return 0, newKeyError("invalid invalidation pattern: " + pattern)
		}
		if matched && !entry.expired(now) {
			victims = append(victims, entry)
		}
	}
	for _, entry := range victims {
		b.remove(entry)
		b.deletes++
	}
	return len(victims), nil
}

// Keys returns the live keys, most recently used first.
func (b *MemoryBackend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*memoryEntry)
		if !entry.expired(now) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Stats reports hit/miss/set/delete/eviction counters and the current size.
func (b *MemoryBackend) Stats(ctx context.Context) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hitRate := 0.0
	if total := b.hits + b.misses; total > 0 {
		hitRate = float64(b.hits) / float64(total)
	}
	return map[string]any{
		"backend":   "memory",
		"size":      len(b.entries),
		"max_size":  b.maxSize,
		"hits":      b.hits,
		"misses":    b.misses,
		"sets":      b.sets,
		"deletes":   b.deletes,
		"evictions": b.evictions,
		"hit_rate":  hitRate,
	}, nil
}

// Close stops the cleanup goroutine and drops all entries.
func (b *MemoryBackend) Close() error {
	select {
	case <-b.stop:
		// already closed
	default:
		close(b.stop)
		<-b.done
	}
	b.mu.Lock()
	b.entries = make(map[string]*memoryEntry)
	b.order.Init()
	b.mu.Unlock()
	return nil
}

// remove drops an entry. Caller must hold the mutex.
func (b *MemoryBackend) remove(entry *memoryEntry) {
	if entry.element != nil {
		b.order.Remove(entry.element)
	}
	delete(b.entries, entry.key)
}

func (b *MemoryBackend) cleanupLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweepExpired()
		}
	}
}

func (b *MemoryBackend) sweepExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var victims []*memoryEntry
	for _, entry := range b.entries {
		if entry.expired(now) {
			victims = append(victims, entry)
		}
	}
	for _, entry := range victims {
		b.remove(entry)
	}
	if len(victims) > 0 {
		b.logger.Debug("swept expired cache entries", zap.Int("count", len(victims)))
	}
}

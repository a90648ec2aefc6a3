package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	URL       string
	Namespace string

	// Serializer defaults to JSONSerializer. GobSerializer is refused unless
	// AllowGobSerializer is set: gob payloads are opaque to non-Go readers and
	// must never be decoded from untrusted sources.
	Serializer         Serializer
	AllowGobSerializer bool

	PoolSize      int
	SocketTimeout time.Duration

	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	CircuitBreakerThreshold uint32
	CircuitBreakerTimeout   time.Duration

	// FallbackEnabled routes reads and writes to a local in-memory cache
	// while the circuit is open or redis is unreachable.
	FallbackEnabled bool
}

// RedisBackend stores serialized values in redis behind a circuit breaker
// with retry and an optional local fallback cache.
type RedisBackend struct {
	client     *redis.Client
	namespace  string
	serializer Serializer
	config     RedisConfig
	breaker    *gobreaker.CircuitBreaker
	fallback   *MemoryBackend
	logger     *zap.Logger

	stats redisStats
}

type redisStats struct {
	hits             counter
	misses           counter
	sets             counter
	deletes          counter
	errors           counter
	connectionErrors counter
	breakerTrips     counter
	fallbackHits     counter
	totalOperations  counter
}

// NewRedisBackend parses the URL, establishes the pool, and validates the
// connection with a bounded ping. Initialization is strictly sequential:
// connect, ping, then the backend is usable.
func NewRedisBackend(ctx context.Context, config RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Serializer == nil {
		config.Serializer = JSONSerializer{}
	}
	if _, isGob := config.Serializer.(GobSerializer); isGob {
		if !config.AllowGobSerializer {
			return nil, newBackendError("connect", "gob serializer requires AllowGobSerializer", nil)
		}
		logger.Warn("gob serializer enabled; payloads are unsafe to decode from untrusted sources")
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 10
	}
	if config.SocketTimeout <= 0 {
		config.SocketTimeout = 5 * time.Second
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 100 * time.Millisecond
	}
	if config.RetryBackoffMax <= 0 {
		config.RetryBackoffMax = 2 * time.Second
	}
	if config.CircuitBreakerThreshold == 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = 30 * time.Second
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, newConnectionError("connect", "invalid redis URL", err)
	}
	opts.PoolSize = config.PoolSize
	opts.ReadTimeout = config.SocketTimeout
	opts.WriteTimeout = config.SocketTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, config.SocketTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, newConnectionError("connect", "redis ping failed", err)
	}

	b := &RedisBackend{
		client:     client,
		namespace:  config.Namespace,
		serializer: config.Serializer,
		config:     config,
		logger:     logger,
	}
	if config.FallbackEnabled {
		b.fallback = NewMemoryBackend(MemoryConfig{MaxSize: 1000}, logger)
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-cache",
		Timeout: config.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.CircuitBreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.stats.breakerTrips.inc()
			}
			logger.Warn("redis circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	logger.Info("redis cache connected",
		zap.String("namespace", config.Namespace),
		zap.String("serializer", config.Serializer.Name()),
	)
	return b, nil
}

func (b *RedisBackend) key(key string) string {
	return b.namespace + ":" + key
}

// execute wraps a redis operation with the circuit breaker and retry with
// exponential backoff and jitter.
func (b *RedisBackend) execute(ctx context.Context, op string, fn func() error) error {
	b.stats.totalOperations.inc()

	_, err := b.breaker.Execute(func() (any, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = b.config.RetryBackoff
		bo.MaxInterval = b.config.RetryBackoffMax
		bo.RandomizationFactor = 0.1
		bo.MaxElapsedTime = 0

		retryable := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(b.config.RetryAttempts))
		return nil, backoff.Retry(func() error {
			err := fn()
			if err == nil || errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}, retryable)
	})

	if err != nil {
		b.stats.errors.inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return newConnectionError(op, "redis circuit breaker open", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return newTimeoutError(op, "redis operation timed out", err)
		}
		b.stats.connectionErrors.inc()
		return newConnectionError(op, "redis operation failed", err)
	}
	return nil
}

// Get fetches and deserializes a value, falling back to the local cache on
// failure when configured.
func (b *RedisBackend) Get(ctx context.Context, key string) (any, bool, error) {
	var data []byte
	var found bool

	err := b.execute(ctx, "get", func() error {
		result, err := b.client.Get(ctx, b.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return err
		}
		if err != nil {
			return err
		}
		data = result
		found = true
		return nil
	})
	if err != nil {
		if b.fallback != nil {
			if value, ok, ferr := b.fallback.Get(ctx, key); ferr == nil && ok {
				b.stats.fallbackHits.inc()
				return value, true, nil
			}
		}
		return nil, false, err
	}
	if !found {
		b.stats.misses.inc()
		return nil, false, nil
	}

	value, err := b.serializer.Decode(data)
	if err != nil {
		b.stats.errors.inc()
		return nil, false, err
	}
	b.stats.hits.inc()
	return value, true, nil
}

// Set serializes and stores a value. A ttl of 0 stores without expiry.
func (b *RedisBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := b.serializer.Encode(value)
	if err != nil {
		b.stats.errors.inc()
		return false, err
	}

	err = b.execute(ctx, "set", func() error {
		return b.client.Set(ctx, b.key(key), data, ttl).Err()
	})
	if err != nil {
		if b.fallback != nil {
			if ok, ferr := b.fallback.Set(ctx, key, value, ttl); ferr == nil && ok {
				return true, nil
			}
		}
		return false, err
	}
	b.stats.sets.inc()
	return true, nil
}

// Delete removes a key, reporting whether it existed.
func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	var removed int64
	err := b.execute(ctx, "delete", func() error {
		n, err := b.client.Del(ctx, b.key(key)).Result()
		removed = n
		return err
	})
	if err != nil {
		if b.fallback != nil {
			return b.fallback.Delete(ctx, key)
		}
		return false, err
	}
	if removed > 0 {
		b.stats.deletes.inc()
	}
	return removed > 0, nil
}

// Exists reports whether key is present.
func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := b.execute(ctx, "exists", func() error {
		count, err := b.client.Exists(ctx, b.key(key)).Result()
		n = count
		return err
	})
	if err != nil {
		if b.fallback != nil {
			return b.fallback.Exists(ctx, key)
		}
		return false, err
	}
	return n > 0, nil
}

// Clear removes every key in the backend's namespace.
func (b *RedisBackend) Clear(ctx context.Context) (bool, error) {
	_, err := b.DeletePattern(ctx, "*")
	if err != nil {
		return false, err
	}
	if b.fallback != nil {
		_, _ = b.fallback.Clear(ctx)
	}
	return true, nil
}

// DeletePattern scans the namespace for keys matching the glob and removes
// them, returning the count.
func (b *RedisBackend) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var removed int
	err := b.execute(ctx, "delete_pattern", func() error {
		removed = 0
		iter := b.client.Scan(ctx, 0, b.key(pattern), 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) >= 100 {
				n, err := b.client.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				removed += int(n)
				keys = keys[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			n, err := b.client.Del(ctx, keys...).Result()
			if err != nil {
				return err
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		if b.fallback != nil {
			return b.fallback.DeletePattern(ctx, pattern)
		}
		return 0, err
	}
	return removed, nil
}

// Stats reports counters plus circuit state and server info when reachable.
func (b *RedisBackend) Stats(ctx context.Context) (map[string]any, error) {
	counts := b.breaker.Counts()
	stats := map[string]any{
		"backend":              "redis",
		"namespace":            b.namespace,
		"serializer":           b.serializer.Name(),
		"hits":                 b.stats.hits.get(),
		"misses":               b.stats.misses.get(),
		"sets":                 b.stats.sets.get(),
		"deletes":              b.stats.deletes.get(),
		"errors":               b.stats.errors.get(),
		"total_operations":     b.stats.totalOperations.get(),
		"connection_errors":    b.stats.connectionErrors.get(),
		"circuit_breaker_trips": b.stats.breakerTrips.get(),
		"fallback_hits":        b.stats.fallbackHits.get(),
		"circuit_state":        b.breaker.State().String(),
		"failure_count":        counts.ConsecutiveFailures,
	}

	if info, err := b.client.Info(ctx, "memory").Result(); err == nil {
		stats["server_info"] = info
	}
	return stats, nil
}

// Close releases the pool and the fallback cache.
func (b *RedisBackend) Close() error {
	if b.fallback != nil {
		_ = b.fallback.Close()
	}
	return b.client.Close()
}

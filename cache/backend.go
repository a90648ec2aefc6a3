package cache

import (
	"context"
	"time"
)

// Backend is the primitive key/value store every strategy and the manager
// build on. Values are opaque to the backend; the memory backend stores them
// as given and the redis backend serializes them inside Set and Get.
//
// TTL semantics: ttl > 0 expires the entry after that duration; ttl == 0
// means no expiry (the entry lives until evicted or deleted), except that a
// memory backend configured with a DefaultTTL applies that default instead.
// Covered by tests.
type Backend interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	// Delete returns true iff the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) (bool, error)
	Stats(ctx context.Context) (map[string]any, error)
	Close() error
}

// PatternBackend is implemented by backends that can enumerate and remove
// keys matching a glob. The manager uses it for pattern invalidation.
type PatternBackend interface {
	Backend
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

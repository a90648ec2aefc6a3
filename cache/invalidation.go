package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// InvalidationManager maps trigger patterns to the cache patterns they
// invalidate. Mutations register rules at setup; Trigger fires them.
type InvalidationManager struct {
	mu     sync.RWMutex
	rules  map[string][]string
	cache  *Manager
	logger *zap.Logger
}

// NewInvalidationManager creates an empty rule set over cache.
func NewInvalidationManager(cache *Manager, logger *zap.Logger) *InvalidationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationManager{
		rules:  make(map[string][]string),
		cache:  cache,
		logger: logger,
	}
}

// Register binds a trigger to the patterns it invalidates. Registering the
// same trigger again appends.
func (im *InvalidationManager) Register(trigger string, patterns ...string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.rules[trigger] = append(im.rules[trigger], patterns...)
}

// Trigger fires every pattern bound to trigger and returns the total number
// of keys removed.
func (im *InvalidationManager) Trigger(ctx context.Context, trigger string) (int, error) {
	im.mu.RLock()
	patterns := append([]string(nil), im.rules[trigger]...)
	im.mu.RUnlock()

	total := 0
	for _, pattern := range patterns {
		count, err := im.cache.InvalidatePattern(ctx, pattern)
		if err != nil {
			return total, err
		}
		total += count
	}
	if total > 0 {
		im.logger.Debug("invalidation trigger fired",
			zap.String("trigger", trigger), zap.Int("removed", total))
	}
	return total, nil
}

// Rules returns a copy of the registered rule set.
func (im *InvalidationManager) Rules() map[string][]string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make(map[string][]string, len(im.rules))
	for trigger, patterns := range im.rules {
		out[trigger] = append([]string(nil), patterns...)
	}
	return out
}

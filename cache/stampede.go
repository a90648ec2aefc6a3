package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// promise is a single inflight origin fetch. Waiters block on done; the owner
// resolves value/err exactly once.
type promise struct {
	done    chan struct{}
	value   any
	err     error
	created time.Time
}

func (p *promise) resolve(value any, err error) {
	p.value = value
	p.err = err
	close(p.done)
}

func (p *promise) wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.value, p.err
	}
}

func (p *promise) completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// stampedeGuard is the promise table. Under N concurrent misses for a key,
// exactly one caller runs the origin; the rest await its promise.
type stampedeGuard struct {
	mu       sync.Mutex
	inflight map[string]*promise
	sweepAge time.Duration

	prevented counter

	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
	logger  *zap.Logger
}

func newStampedeGuard(sweepInterval time.Duration, logger *zap.Logger) *stampedeGuard {
	if sweepInterval <= 0 {
		sweepInterval = 300 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &stampedeGuard{
		inflight: make(map[string]*promise),
		sweepAge: sweepInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go g.sweepLoop(sweepInterval)
	return g
}

// acquire atomically checks the table. The boolean reports ownership: true
// means the caller must run the origin and resolve the promise; false means
// the caller should wait on the returned promise.
func (g *stampedeGuard) acquire(key string) (*promise, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.inflight[key]; ok && !p.completed() {
		g.prevented.inc()
		return p, false
	}
	p := &promise{done: make(chan struct{}), created: time.Now()}
	g.inflight[key] = p
	return p, true
}

// release removes the entry once the origin call finished. Called by the
// owner on both success and failure, before the error propagates.
func (g *stampedeGuard) release(key string, p *promise) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.inflight[key]; ok && current == p {
		delete(g.inflight, key)
	}
}

func (g *stampedeGuard) preventedCount() int64 {
	return g.prevented.get()
}

func (g *stampedeGuard) close() {
	g.stopped.Do(func() {
		close(g.stop)
		<-g.done
	})
}

func (g *stampedeGuard) sweepLoop(interval time.Duration) {
	defer close(g.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep drops completed or abandoned entries older than the sweep age.
func (g *stampedeGuard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	swept := 0
	for key, p := range g.inflight {
		if p.completed() || now.Sub(p.created) > g.sweepAge {
			delete(g.inflight, key)
			swept++
		}
	}
	if swept > 0 {
		g.logger.Debug("swept stale inflight promises", zap.Int("count", swept))
	}
}

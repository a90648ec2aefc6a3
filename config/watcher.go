package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the configuration file and notifies subscribers.
// Intended for long-lived processes that want cache or batch tuning applied
// without a restart.
type Watcher struct {
	path      string
	config    *Config
	callbacks []func(*Config)

	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	logger  *zap.Logger
}

// NewWatcher starts watching path. The initial config must already be
// loaded; reloads that fail validation are dropped with a warning.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:    path,
		config:  initial,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	go w.watchLoop()
	return w, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnReload registers a callback invoked with each valid reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	// Debounce: editors fire several events per save.
	var timer *time.Timer

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.config = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}

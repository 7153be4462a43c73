package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// ChangeHandler is called with the newly loaded config after the file changes.
type ChangeHandler func(cfg *Config)

// Watcher watches a config file and reloads it. Bursts of writes are
// debounced so that editors saving in several steps trigger one reload.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	log      *logger.Logger
	debounce time.Duration
	stopChan chan struct{}

	mu       sync.Mutex
	handlers []ChangeHandler
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, log *logger.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	return &Watcher{
		path:     path,
		watcher:  fsWatcher,
		log:      log,
		debounce: reloadDebounce,
		stopChan: make(chan struct{}),
	}, nil
}

// OnChange registers a handler to be called when the config changes.
func (w *Watcher) OnChange(handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers = append(w.handlers, handler)
}

// Start begins watching the config file.
func (w *Watcher) Start() error {
	err := w.watcher.Add(w.path)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	go w.watchLoop()

	w.log.Info("config watcher started: %s", w.path)

	return nil
}

// Stop halts the file watcher.
func (w *Watcher) Stop() {
	close(w.stopChan)

	closeErr := w.watcher.Close()
	if closeErr != nil {
		w.log.Warn("config watcher close failed: %v", closeErr)
	}
}

func (w *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.stopChan:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.log.Error("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous config: %v", err)

		return
	}

	w.mu.Lock()
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, handler := range handlers {
		handler(cfg)
	}

	w.log.Info("config reloaded: %s", w.path)
}

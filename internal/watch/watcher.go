// Package watch runs a debounced callback whenever files in a directory
// change.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 250 * time.Millisecond

// Config describes what to watch.
type Config struct {
	Dir      string
	Match    func(name string) bool // nil matches every file
	Debounce time.Duration
}

// Watcher coalesces bursts of filesystem events into a single reload.
type Watcher struct {
	cfg     Config
	reload  func()
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer
}

// New creates a watcher on cfg.Dir. reload runs on its own goroutine after
// the directory has been quiet for the debounce delay.
func New(cfg Config, reload func(), log zerolog.Logger) (*Watcher, error) {
	if cfg.Debounce == 0 {
		cfg.Debounce = defaultDebounce
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	if err := fsWatcher.Add(cfg.Dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch: add %s: %w", cfg.Dir, err)
	}

	return &Watcher{cfg: cfg, reload: reload, log: log, watcher: fsWatcher}, nil
}

// Run processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watch: events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.cfg.Match != nil && !w.cfg.Match(filepath.Base(event.Name)) {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watch: errors channel closed")
			}
			w.log.Warn().Err(err).Str("dir", w.cfg.Dir).Msg("watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.cfg.Debounce, w.reload)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
}

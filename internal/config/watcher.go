package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sitereport/internal/logging"
)

// Watcher reloads the config file when it changes on disk and passes the
// validated result to onChange. Bursts of writes are coalesced.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending time.Time
	stats   WatcherStats

	stopOnce sync.Once
	done     chan struct{}
}

// WatcherStats counts reload outcomes.
type WatcherStats struct {
	Reloads   int
	Failures  int
	LastEvent time.Time
}

// NewWatcher prepares a watcher for path. Call Start to begin.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		watcher:  fw,
		debounce: 300 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the file's directory so editors that replace the file by
// rename are still seen. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	logging.Boot("Watching %s for changes", w.path)
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if err := w.watcher.Close(); err != nil {
			logging.BootWarn("Config watcher close: %v", err)
		}
	})
	<-w.done
}

// Stats returns a snapshot of reload counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	tick := time.NewTicker(w.debounce / 3)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			w.stopOnce.Do(func() { _ = w.watcher.Close() })
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.stats.LastEvent = w.pending
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.BootWarn("Config watcher error: %v", err)

		case <-tick.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}

	w.mu.Lock()
	if err != nil {
		w.stats.Failures++
	} else {
		w.stats.Reloads++
	}
	w.mu.Unlock()

	if err != nil {
		logging.BootWarn("Ignoring config change in %s: %v", w.path, err)
		return
	}
	logging.Boot("Reloaded %s", w.path)
	w.onChange(cfg)
}

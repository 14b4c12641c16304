package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"bartholomew/internal/logging"
)

// Watcher reloads the config file when it changes on disk and hands the
// fresh Config to a callback. The parent directory is watched rather
// than the file itself so atomic save-then-rename editors still trigger.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config)

	pending     time.Time // zero when no event is waiting out the debounce
	debounceDur time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Watch starts watching path and invokes onChange with each
// successfully reloaded config. Malformed intermediate writes are
// logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		watcher:     fsw,
		path:        abs,
		onChange:    onChange,
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		running:     true,
	}
	go w.run(ctx)
	logging.Daemon("config watcher: watching %s", abs)
	return w, nil
}

// Stop stops the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.DaemonWarn("config watcher: %v", err)

		case <-ticker.C:
			w.mu.Lock()
			settled := !w.pending.IsZero() && time.Since(w.pending) >= w.debounceDur
			if settled {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if settled {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.DaemonWarn("config watcher: reload failed: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.DaemonWarn("config watcher: rejecting invalid config: %v", err)
		return
	}
	logging.Daemon("config watcher: reloaded %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloaded wraps a new, validated configuration. The Watcher itself
// delivers reloaded configurations through its onReload callback and does
// not publish this type on the bus.
type Reloaded struct {
	Config Config
}

// Watcher watches the directory containing a config file (not just the
// file itself, so editor replace-by-rename saves are still observed) and
// invokes onReload with every validated configuration change.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onReload func(Config)
}

// NewWatcher constructs a Watcher. onReload is called from the watch
// goroutine; callers must make it safe for concurrent delivery of their
// own state.
func NewWatcher(path string, logger *slog.Logger, onReload func(Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{path: path, logger: logger, onReload: onReload}
}

// Run watches until ctx is canceled. It debounces bursts of filesystem
// events (editors commonly emit several for one logical save) with a short
// settle delay before re-reading the file.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(150*time.Millisecond, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("failed to reload config", "error", err)

		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error("reloaded config failed validation, keeping previous configuration", "error", err)

		return
	}

	w.logger.Info("configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

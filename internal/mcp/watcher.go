package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the supervisor when the server config file changes.
type Watcher struct {
	path     string
	sup      *Supervisor
	logger   zerolog.Logger
	debounce time.Duration
	// OnReload, when set, observes every reload attempt.
	OnReload func(Config, error)
}

func NewWatcher(path string, sup *Supervisor, logger zerolog.Logger) *Watcher {
	return &Watcher{path: filepath.Clean(path), sup: sup, logger: logger, debounce: defaultDebounce}
}

// Run watches until ctx ends. The parent directory is watched so editors
// that replace the file are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			fire = time.After(w.debounce)
		case <-fire:
			fire = nil
			w.reload(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		// Keep running servers on a bad edit.
		w.logger.Warn().Err(err).Str("path", w.path).Msg("mcp config reload skipped")
		if w.OnReload != nil {
			w.OnReload(cfg, err)
		}
		return
	}
	err = w.sup.Reload(ctx, cfg)
	if err != nil {
		w.logger.Warn().Err(err).Msg("mcp reload finished with errors")
	} else {
		w.logger.Info().Int("servers", len(cfg.Servers)).Msg("mcp config reloaded")
	}
	if w.OnReload != nil {
		w.OnReload(cfg, err)
	}
}

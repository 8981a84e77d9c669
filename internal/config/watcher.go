package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk and hands the
// result to a callback. Only settings the callback chooses to apply take
// effect at runtime; everything else waits for a restart.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	onReload func(*Config)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for the loader's config file.
func NewWatcher(loader *Loader, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config writers
	// replace the file, which drops a direct watch.
	dir := filepath.Dir(loader.GetConfigPath())
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w := &Watcher{
		loader:   loader,
		logger:   logger.With().Str("component", "config.watcher").Logger(),
		onReload: onReload,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := w.loader.GetConfigPath()

	// Debounce: editors fire several events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watch error")

		case <-pending:
			pending = nil
			cfg, err := w.loader.Load()
			if err != nil {
				w.logger.Error().Err(err).Msg("Config reload failed, keeping previous config")
				continue
			}
			if err := cfg.Validate(); err != nil {
				w.logger.Error().Err(err).Msg("Reloaded config invalid, keeping previous config")
				continue
			}
			w.logger.Info().Msg("Config reloaded")
			w.onReload(cfg)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

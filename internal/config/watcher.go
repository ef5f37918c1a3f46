package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunecast-project/tunecast/internal/events"
)

// DefaultDebounce groups the burst of write events editors produce on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and emits
// config_changed with the updated *Config as payload.
type Watcher struct {
	cfg      *Config
	bus      *events.EventBus
	debounce time.Duration
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for cfg's file. A debounce of zero uses
// DefaultDebounce.
func NewWatcher(cfg *Config, bus *events.EventBus, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		cfg:      cfg,
		bus:      bus,
		debounce: debounce,
		logger:   log.With().Str("component", "config-watcher").Logger(),
		done:     make(chan struct{}),
	}
}

// Start watches the directory holding the config file. Directories are
// watched instead of the file so atomic rename-on-save keeps working.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(w.cfg.Path())
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.watchLoop(ctx)

	w.logger.Info().Str("dir", dir).Msg("watching configuration")
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	target := filepath.Clean(w.cfg.Path())

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	changed, err := w.cfg.Reload()
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to reload configuration, keeping previous values")
		return
	}
	if !changed {
		w.logger.Debug().Msg("configuration file touched, nothing changed")
		return
	}

	result := Validate(w.cfg)
	for _, e := range result.Errors {
		w.logger.Error().Str("field", e.Field).Msg(e.Message)
	}
	for _, warn := range result.Warnings {
		w.logger.Warn().Str("field", warn.Field).Msg(warn.Message)
	}

	w.logger.Info().Msg("configuration reloaded")
	w.bus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "config-watcher",
		Payload: w.cfg,
	})
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return nil
	default:
		close(w.done)
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

// Package plugin drives the broadcast server's lifecycle from the
// configuration: it starts, stops or reconfigures the server whenever the
// plugin section changes.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunecast-project/tunecast/internal/config"
	"github.com/tunecast-project/tunecast/internal/events"
)

// Plugin is the lifecycle surface the host drives.
type Plugin interface {
	Start(ctx context.Context, cfg *config.Config) error
	Stop()
	OnConfigChange(cfg *config.Config)
}

// Host owns the current configuration and applies it to a Plugin.
type Host struct {
	mu      sync.Mutex
	ctx     context.Context
	cfg     *config.Config
	plugin  Plugin
	bus     *events.EventBus
	running bool
	addr    string
	logger  zerolog.Logger
}

// NewHost creates a host for p.
func NewHost(cfg *config.Config, p Plugin, bus *events.EventBus) *Host {
	return &Host{
		ctx:    context.Background(),
		cfg:    cfg,
		plugin: p,
		bus:    bus,
		logger: log.With().Str("component", "plugin-host").Logger(),
	}
}

// Run applies the initial configuration and follows config_changed events
// until Shutdown. A bind failure is logged and returned; the host keeps
// following config changes either way.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	if h.bus != nil {
		h.bus.Subscribe(events.EventConfigChanged, "host.configChanged", h.onConfigChanged)
		h.bus.Subscribe(events.EventPluginEnable, "host.enable", h.onToggle(true))
		h.bus.Subscribe(events.EventPluginDisable, "host.disable", h.onToggle(false))
	}
	return h.Apply(h.cfg)
}

// Apply reconciles the plugin with cfg: start it when newly enabled, stop it
// when disabled, restart it when the listen address moved, and otherwise
// forward the change.
func (h *Host) Apply(cfg *config.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
	plugin := cfg.GetPlugin()

	switch {
	case plugin.Enabled && !h.running:
		return h.startLocked(cfg)

	case !plugin.Enabled && h.running:
		h.plugin.Stop()
		h.running = false
		h.logger.Info().Msg("plugin disabled")
		return nil

	case h.running && plugin.Addr() != h.addr:
		h.logger.Info().Str("from", h.addr).Str("to", plugin.Addr()).Msg("listen address changed, restarting")
		h.plugin.Stop()
		h.running = false
		return h.startLocked(cfg)

	case h.running:
		h.plugin.OnConfigChange(cfg)
		return nil
	}
	return nil
}

func (h *Host) startLocked(cfg *config.Config) error {
	if err := h.plugin.Start(h.ctx, cfg); err != nil {
		h.logger.Error().Err(err).Msg("failed to start plugin")
		return fmt.Errorf("plugin start: %w", err)
	}
	h.running = true
	h.addr = cfg.GetPlugin().Addr()
	h.logger.Info().Str("addr", h.addr).Msg("plugin enabled")
	return nil
}

// SetEnabled flips the plugin's enabled flag, persists the config and
// applies it.
func (h *Host) SetEnabled(enabled bool) error {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()

	cfg.SetPluginEnabled(enabled)
	if cfg.Path() != "" {
		if err := cfg.Save(); err != nil {
			h.logger.Warn().Err(err).Msg("failed to persist plugin toggle")
		}
	}
	return h.Apply(cfg)
}

// Running reports whether the plugin is started.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Config returns the configuration currently applied.
func (h *Host) Config() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Shutdown stops the plugin if it is running.
func (h *Host) Shutdown() {
	if h.bus != nil {
		h.bus.Unsubscribe(events.EventConfigChanged, "host.configChanged")
		h.bus.Unsubscribe(events.EventPluginEnable, "host.enable")
		h.bus.Unsubscribe(events.EventPluginDisable, "host.disable")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		h.plugin.Stop()
		h.running = false
	}
}

func (h *Host) onConfigChanged(_ context.Context, e events.Event) error {
	cfg, ok := e.Payload.(*config.Config)
	if !ok {
		return fmt.Errorf("unexpected config_changed payload %T", e.Payload)
	}
	return h.Apply(cfg)
}

func (h *Host) onToggle(enabled bool) events.HandlerFunc {
	return func(context.Context, events.Event) error {
		return h.SetEnabled(enabled)
	}
}

// Package config handles configuration loading, validation, and persistence
// for the tunecast plugin host.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultPluginHost = "0.0.0.0"
	DefaultPluginPort = 26538
	DefaultAPIPort    = 26539
	DefaultMQTTPort   = 1883

	// MinElapsedInterval is the shortest elapsed tick interval the server
	// will accept; faster clocks only produce dropped ticks.
	MinElapsedInterval = 5
)

// Config is the root configuration structure for tunecast.
type Config struct {
	mu   sync.RWMutex
	path string

	Plugin  PluginConfig  `json:"plugin"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Clock   ClockConfig   `json:"clock"`
	Logging LoggingConfig `json:"logging"`
}

// PluginConfig controls the broadcast server.
type PluginConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// Addr returns the host:port the broadcast server binds. Port 0 picks an
// ephemeral port.
func (p PluginConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// APIConfig controls the control REST API.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds the MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// ClockConfig controls the built-in elapsed time clock.
type ClockConfig struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Plugin: PluginConfig{
			Enabled: true,
			Host:    DefaultPluginHost,
			Port:    DefaultPluginPort,
		},
		API: APIConfig{
			Enabled:        true,
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   20,
		},
		MQTT: MQTTConfig{
			Port:        DefaultMQTTPort,
			ClientID:    "tunecast",
			TopicPrefix: "tunecast",
		},
		Clock: ClockConfig{
			IntervalSec: MinElapsedInterval,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file in configDir. A missing file
// is created with defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added to the defaults since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// parse overlays data onto the defaults.
func parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.marshalLocked()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

func (c *Config) marshalLocked() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Reload re-reads the config file and replaces every section in place. It
// reports whether anything differs from what was held before.
func (c *Config) Reload() (bool, error) {
	data, err := os.ReadFile(c.Path())
	if err != nil {
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	next, err := parse(data)
	if err != nil {
		return false, fmt.Errorf("failed to parse config file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	before, _ := c.marshalLocked()
	after, _ := next.marshalLocked()
	if bytes.Equal(before, after) {
		return false, nil
	}

	c.Plugin = next.Plugin
	c.API = next.API
	c.MQTT = next.MQTT
	c.Clock = next.Clock
	c.Logging = next.Logging
	return true, nil
}

// Clone returns an independent copy that shares no mutable state.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Config{
		path:    c.path,
		Plugin:  c.Plugin,
		API:     c.API,
		MQTT:    c.MQTT,
		Clock:   c.Clock,
		Logging: c.Logging,
	}
	out.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return out
}

// GetPlugin returns a copy of the plugin section.
func (c *Config) GetPlugin() PluginConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Plugin
}

// SetPluginEnabled toggles the broadcast server.
func (c *Config) SetPluginEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Plugin.Enabled = enabled
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetClock returns a copy of the clock section.
func (c *Config) GetClock() ClockConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Clock
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Path returns the config file path.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// SetPath points the config at a file, used for configs built in memory.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

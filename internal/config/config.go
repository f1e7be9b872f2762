// Package config loads the host configuration for the plugin subsystem.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HostVersion is the running host application version plugins declare
// compatibility against
const HostVersion = "2.3.0"

// Config is the host configuration for the plugin marketplace and runtime
type Config struct {
	// DataDir holds the record store, index cache and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// PluginDir is where installed plugins are published
	PluginDir string `json:"plugin_dir" mapstructure:"plugin_dir"`

	// ExtraPluginDirs are additional scan roots (read-only)
	ExtraPluginDirs []string `json:"extra_plugin_dirs" mapstructure:"extra_plugin_dirs"`

	// Marketplace configures the remote index
	Marketplace MarketplaceConfig `json:"marketplace" mapstructure:"marketplace"`

	// Security configures package trust policy
	Security SecurityConfig `json:"security" mapstructure:"security"`

	// Capabilities the running environment provides (e.g. systemd, x11)
	Capabilities []string `json:"capabilities" mapstructure:"capabilities"`

	// Logging configures log output
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// MarketplaceConfig configures the remote plugin index
type MarketplaceConfig struct {
	IndexURL        string        `json:"index_url" mapstructure:"index_url"`
	CacheTTL        time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	RefreshSchedule string        `json:"refresh_schedule" mapstructure:"refresh_schedule"`
}

// SecurityConfig configures package trust policy
type SecurityConfig struct {
	// RequireSignature rejects unsigned packages
	RequireSignature bool `json:"require_signature" mapstructure:"require_signature"`

	// PublicKeyPath points at the hex-encoded ed25519 publisher key
	PublicKeyPath string `json:"public_key_path" mapstructure:"public_key_path"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the configuration used when no file exists
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".grimoire")

	return &Config{
		DataDir:   filepath.Join(base, "data"),
		PluginDir: filepath.Join(base, "plugins"),
		Marketplace: MarketplaceConfig{
			IndexURL:        "https://plugins.grimoire.dev/index.json",
			CacheTTL:        time.Hour,
			RefreshSchedule: "@hourly",
		},
		Security: SecurityConfig{
			RequireSignature: false,
		},
		Capabilities: detectCapabilities(),
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// detectCapabilities probes the running environment for capabilities
// plugins can require
func detectCapabilities() []string {
	var caps []string
	if _, err := os.Stat("/run/systemd/system"); err == nil {
		caps = append(caps, "systemd")
	}
	if os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != "" {
		caps = append(caps, "display")
	}
	if os.Geteuid() == 0 {
		caps = append(caps, "root")
	}
	return caps
}

// Validate checks a loaded configuration for inconsistencies
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.PluginDir == "" {
		return fmt.Errorf("plugin_dir cannot be empty")
	}
	if c.Marketplace.IndexURL == "" {
		return fmt.Errorf("marketplace.index_url cannot be empty")
	}
	if c.Marketplace.CacheTTL <= 0 {
		return fmt.Errorf("marketplace.cache_ttl must be positive")
	}
	if c.Security.RequireSignature && c.Security.PublicKeyPath == "" {
		return fmt.Errorf("security.public_key_path is required when require_signature is set")
	}
	return nil
}

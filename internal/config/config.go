// Package config loads a Computer's configuration file: the Hub connection
// parameters, Input Definitions, and the set of MCP server config dicts
// boot_up renders and installs, with optional file-watch hot reload.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/a2c-smcp/internal/render"
)

// HubConfig is the Computer's signaling-socket connection target.
type HubConfig struct {
	URL      string `yaml:"url"`
	OfficeID string `yaml:"office_id"`
	Name     string `yaml:"name"`
}

// AuthConfig holds the JWT settings read from the config file's auth block.
// They are loaded but not used when connecting: the Computer dials the Hub
// (computerclient.ConnectToServer) without presenting a bearer token.
type AuthConfig struct {
	Secret      string        `yaml:"secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// LoggingConfig configures the observability.Logger the Computer process
// builds at startup. Level and Format are applied; File is loaded but not
// used, and the Computer logs to stderr.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// WatchConfig controls fsnotify-driven hot reload of the config file.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Config is the root of a Computer's config file.
type Config struct {
	Hub        HubConfig         `yaml:"hub"`
	Auth       AuthConfig        `yaml:"auth"`
	Logging    LoggingConfig     `yaml:"logging"`
	Watch      WatchConfig       `yaml:"watch"`
	HistoryCap int               `yaml:"history_cap"`
	Inputs     []render.InputDef `yaml:"inputs"`
	Servers    []map[string]any  `yaml:"servers"`
}

// Load reads, expands, and decodes a Computer config file, rejecting
// unknown fields and trailing documents, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("config: %s: expected a single YAML document", path)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.HistoryCap == 0 {
		cfg.HistoryCap = 100
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 250 * time.Millisecond
	}
}

func validate(cfg *Config) error {
	if cfg.Hub.URL == "" {
		return fmt.Errorf("config: hub.url is required")
	}
	if cfg.Hub.Name == "" {
		return fmt.Errorf("config: hub.name is required")
	}
	for i, s := range cfg.Servers {
		if _, ok := s["name"]; !ok {
			return fmt.Errorf("config: servers[%d] missing required field %q", i, "name")
		}
	}
	return nil
}

// InputDefs converts the config's raw Input Definitions into the
// render.Resolver's native type. It is already that type; this exists so
// callers don't reach into Config's field directly and can evolve
// independently of the YAML shape.
func (c *Config) InputDefs() []render.InputDef {
	return c.Inputs
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration parsed from YAML. The
// vault master key itself never appears here; only the name of the
// environment variable that carries it.
type Config struct {
	Server        ServerConfig              `yaml:"server"`
	Vault         VaultConfig               `yaml:"vault"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	ContextWindow ContextWindowConfig       `yaml:"context_window"`
	Stream        StreamConfig              `yaml:"stream"`
	Compare       CompareConfig             `yaml:"compare"`
	WebContext    WebContextConfig          `yaml:"web_context"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// VaultConfig names the environment variable holding the 256-bit master
// key.
type VaultConfig struct {
	MasterKeyEnv string `yaml:"master_key_env"`
}

// ProviderConfig captures per-provider routing overrides. Credentials live
// in the vault, never in configuration.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ContextWindowConfig tunes the context manager's heuristics. The threshold
// fraction and image surcharge are tunable estimates, not invariants.
type ContextWindowConfig struct {
	CompressionThreshold float64        `yaml:"compression_threshold"`
	CharsPerToken        int            `yaml:"chars_per_token"`
	ImageTokenSurcharge  int            `yaml:"image_token_surcharge"`
	KeepLastMessages     int            `yaml:"keep_last_messages"`
	DefaultModelLimit    int            `yaml:"default_model_limit"`
	ModelLimits          map[string]int `yaml:"model_limits"`
}

// StreamConfig tunes the relay.
type StreamConfig struct {
	KeepaliveSeconds int `yaml:"keepalive_seconds"`
}

// KeepaliveInterval returns the keep-alive period as a duration.
func (s StreamConfig) KeepaliveInterval() time.Duration {
	return time.Duration(s.KeepaliveSeconds) * time.Second
}

// CompareConfig bounds fan-out requests.
type CompareConfig struct {
	MaxTargets int `yaml:"max_targets"`
}

// WebContextConfig tunes the optional web page context collaborator.
type WebContextConfig struct {
	MaxBodyBytes   int64 `yaml:"max_body_bytes"`
	TimeoutSeconds int   `yaml:"timeout_seconds"`
}

// Load reads YAML configuration from disk, applies defaults and validates
// the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Vault.MasterKeyEnv == "" {
		c.Vault.MasterKeyEnv = "MODELGATE_MASTER_KEY"
	}
	if c.ContextWindow.CompressionThreshold == 0 {
		c.ContextWindow.CompressionThreshold = 0.8
	}
	if c.ContextWindow.CharsPerToken == 0 {
		c.ContextWindow.CharsPerToken = 4
	}
	if c.ContextWindow.ImageTokenSurcharge == 0 {
		c.ContextWindow.ImageTokenSurcharge = 768
	}
	if c.ContextWindow.KeepLastMessages == 0 {
		c.ContextWindow.KeepLastMessages = 3
	}
	if c.ContextWindow.DefaultModelLimit == 0 {
		c.ContextWindow.DefaultModelLimit = 128000
	}
	if c.Stream.KeepaliveSeconds == 0 {
		c.Stream.KeepaliveSeconds = 15
	}
	if c.Compare.MaxTargets == 0 {
		c.Compare.MaxTargets = 6
	}
	if c.WebContext.MaxBodyBytes == 0 {
		c.WebContext.MaxBodyBytes = 2 << 20
	}
	if c.WebContext.TimeoutSeconds == 0 {
		c.WebContext.TimeoutSeconds = 10
	}
}

// ModelLimit returns the context window size for a model, falling back to
// the configured default for unknown models.
func (c ContextWindowConfig) ModelLimit(model string) int {
	if limit, ok := c.ModelLimits[model]; ok {
		return limit
	}
	return c.DefaultModelLimit
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Vault.MasterKeyEnv) == "" {
		return fmt.Errorf("vault.master_key_env must be provided")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, providerCfg := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("provider names must not be empty")
		}
		if providerCfg.BaseURL != "" && !strings.HasPrefix(providerCfg.BaseURL, "http") {
			return fmt.Errorf("provider %s: base_url %q must be an http(s) URL", name, providerCfg.BaseURL)
		}
	}

	cw := c.ContextWindow
	if cw.CompressionThreshold <= 0 || cw.CompressionThreshold > 1 {
		return fmt.Errorf("context_window.compression_threshold must be in (0, 1], got %v", cw.CompressionThreshold)
	}
	if cw.CharsPerToken <= 0 {
		return fmt.Errorf("context_window.chars_per_token must be positive")
	}
	if cw.KeepLastMessages <= 0 {
		return fmt.Errorf("context_window.keep_last_messages must be positive")
	}

	if c.Stream.KeepaliveSeconds <= 0 {
		return fmt.Errorf("stream.keepalive_seconds must be positive")
	}
	if c.Compare.MaxTargets <= 0 {
		return fmt.Errorf("compare.max_targets must be positive")
	}
	return nil
}

// ABOUTME: Configuration loading and parsing for parley.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	BcryptCost int    `yaml:"bcrypt_cost"`

	TokenExpiry    time.Duration `yaml:"-"`
	TokenExpiryRaw string        `yaml:"token_expiry"`
}

// EngineConfig holds the conversational engine configuration
type EngineConfig struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Prices in USD per million tokens, used for result cost metrics.
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`

	CallTimeout    time.Duration `yaml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout"`
}

// GatewayConfig holds WebSocket gateway configuration
type GatewayConfig struct {
	PingInterval    time.Duration `yaml:"-"`
	PingIntervalRaw string        `yaml:"ping_interval"`

	WriteTimeout    time.Duration `yaml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied after parsing.
const (
	defaultTokenExpiry  = 7 * 24 * time.Hour
	defaultCallTimeout  = 5 * time.Minute
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued optional fields.
func (c *Config) applyDefaults() {
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = defaultTokenExpiry
	}
	if c.Engine.CallTimeout == 0 {
		c.Engine.CallTimeout = defaultCallTimeout
	}
	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = defaultPingInterval
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = defaultWriteTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Engine.Model == "" {
		return fmt.Errorf("engine.model is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.TokenExpiryRaw, &cfg.Auth.TokenExpiry, "token_expiry"},
		{cfg.Engine.CallTimeoutRaw, &cfg.Engine.CallTimeout, "call_timeout"},
		{cfg.Gateway.PingIntervalRaw, &cfg.Gateway.PingInterval, "ping_interval"},
		{cfg.Gateway.WriteTimeoutRaw, &cfg.Gateway.WriteTimeout, "write_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

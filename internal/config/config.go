// ABOUTME: Configuration loading and parsing for opsrelay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength matches the HS256 key size.
const MinJWTSecretLength = 32

// DefaultHeartbeatTimeout is three missed 10s agent heartbeats.
const DefaultHeartbeatTimeout = 30 * time.Second

// Config represents the complete opsrelay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Commands  CommandsConfig  `yaml:"commands"`
	Agents    AgentsConfig    `yaml:"agents"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// Disabled serves the HTTP API without tokens. Local development only.
	Disabled bool `yaml:"disabled"`
	// RequireSignedEnvelopes rejects unsigned messages from devices that
	// have an entry in AgentKeys.
	RequireSignedEnvelopes bool `yaml:"require_signed_envelopes"`
	// RequireAgentKeys rejects devices without an entry in AgentKeys.
	RequireAgentKeys bool `yaml:"require_agent_keys"`
	// AgentKeys maps device fingerprint to an authorized_keys line.
	AgentKeys map[string]string `yaml:"agent_keys"`
	// ConfirmDevices are the device ids whose confirm_response messages are
	// accepted. Without any, confirmation only goes through the HTTP API.
	ConfirmDevices []string `yaml:"confirm_devices"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CommandsConfig holds command lifecycle tuning. Zero values fall back to
// the lifecycle manager's defaults.
type CommandsConfig struct {
	DefaultTimeout    time.Duration `yaml:"-"`
	MinTimeout        time.Duration `yaml:"-"`
	MaxTimeout        time.Duration `yaml:"-"`
	RetryBase         time.Duration `yaml:"-"`
	RetryMax          time.Duration `yaml:"-"`
	ConfirmTimeout    time.Duration `yaml:"-"`
	MaxConfirmTimeout time.Duration `yaml:"-"`
	DispatchGrace     time.Duration `yaml:"-"`

	// DefaultMaxRetries is a pointer so an explicit 0 disables retries.
	DefaultMaxRetries   *int   `yaml:"default_max_retries"`
	MaxRetriesCap       int    `yaml:"max_retries_cap"`
	PreviewSize         int    `yaml:"preview_size"`
	OfflinePolicy       string `yaml:"offline_policy"`
	RedispatchOnConnect *bool  `yaml:"redispatch_on_connect"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw    string `yaml:"default_timeout"`
	MinTimeoutRaw        string `yaml:"min_timeout"`
	MaxTimeoutRaw        string `yaml:"max_timeout"`
	RetryBaseRaw         string `yaml:"retry_base"`
	RetryMaxRaw          string `yaml:"retry_max"`
	ConfirmTimeoutRaw    string `yaml:"confirm_timeout"`
	MaxConfirmTimeoutRaw string `yaml:"max_confirm_timeout"`
	DispatchGraceRaw     string `yaml:"dispatch_grace"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-"`

	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !c.Auth.Disabled && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes (or set auth.disabled)", MinJWTSecretLength)
	}
	for fp, key := range c.Auth.AgentKeys {
		if fp == "" || key == "" {
			return fmt.Errorf("auth.agent_keys entries need a fingerprint and a key")
		}
	}
	for _, id := range c.Auth.ConfirmDevices {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("auth.confirm_devices entries must not be empty")
		}
	}

	cmds := c.Commands
	switch cmds.OfflinePolicy {
	case "", "keep_pending", "fail":
	default:
		return fmt.Errorf("commands.offline_policy must be keep_pending or fail, got %q", cmds.OfflinePolicy)
	}
	if cmds.MinTimeout > 0 && cmds.MaxTimeout > 0 && cmds.MinTimeout > cmds.MaxTimeout {
		return fmt.Errorf("commands.min_timeout %v exceeds commands.max_timeout %v", cmds.MinTimeout, cmds.MaxTimeout)
	}
	if (cmds.DefaultMaxRetries != nil && *cmds.DefaultMaxRetries < 0) || cmds.MaxRetriesCap < 0 {
		return fmt.Errorf("commands retry counts must not be negative")
	}
	if cmds.PreviewSize < 0 {
		return fmt.Errorf("commands.preview_size must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"commands.default_timeout", cfg.Commands.DefaultTimeoutRaw, &cfg.Commands.DefaultTimeout},
		{"commands.min_timeout", cfg.Commands.MinTimeoutRaw, &cfg.Commands.MinTimeout},
		{"commands.max_timeout", cfg.Commands.MaxTimeoutRaw, &cfg.Commands.MaxTimeout},
		{"commands.retry_base", cfg.Commands.RetryBaseRaw, &cfg.Commands.RetryBase},
		{"commands.retry_max", cfg.Commands.RetryMaxRaw, &cfg.Commands.RetryMax},
		{"commands.confirm_timeout", cfg.Commands.ConfirmTimeoutRaw, &cfg.Commands.ConfirmTimeout},
		{"commands.max_confirm_timeout", cfg.Commands.MaxConfirmTimeoutRaw, &cfg.Commands.MaxConfirmTimeout},
		{"commands.dispatch_grace", cfg.Commands.DispatchGraceRaw, &cfg.Commands.DispatchGrace},
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

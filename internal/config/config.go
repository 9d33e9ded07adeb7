// ABOUTME: Configuration loading and parsing for coven-sidecar
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Permission values accepted in permissions.defaults
const (
	PermissionAllow = "allow"
	PermissionAsk   = "ask"
	PermissionDeny  = "deny"
)

// Config represents the complete coven-sidecar configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Agent       AgentConfig       `yaml:"agent"`
	Host        HostConfig        `yaml:"host"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Tools       []ToolConfig      `yaml:"tools"`
	Stream      StreamConfig      `yaml:"stream"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	// Addr is the listen address. Port 0 picks a free port, which is then
	// announced on stdout.
	Addr string `yaml:"addr"`
	// PublicURL is the base URL the agent uses to reach /tool-callback.
	// Empty means http://<listen address>.
	PublicURL string `yaml:"public_url"`
}

// AgentConfig describes the external agent process
type AgentConfig struct {
	Mock    bool     `yaml:"mock"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Dir     string   `yaml:"dir"`

	StartTimeout   time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StartTimeoutRaw   string `yaml:"start_timeout"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// HostConfig points at the host application that executes forwarded tools
type HostConfig struct {
	CallbackURL string        `yaml:"callback_url"`
	Timeout     time.Duration `yaml:"-"`
	TimeoutRaw  string        `yaml:"timeout"`
}

// PermissionsConfig holds approval behavior
type PermissionsConfig struct {
	Timeout    time.Duration     `yaml:"-"`
	TimeoutRaw string            `yaml:"timeout"`
	Defaults   map[string]string `yaml:"defaults"` // tool category -> allow|ask|deny
}

// ToolConfig declares a tool the host executes
type ToolConfig struct {
	Name             string        `yaml:"name"`
	Description      string        `yaml:"description"`
	Category         string        `yaml:"category"`
	RequiresApproval bool          `yaml:"requires_approval"`
	Timeout          time.Duration `yaml:"-"`
	TimeoutRaw       string        `yaml:"timeout"`
}

// StreamConfig holds event stream tuning
type StreamConfig struct {
	BufferSize           int           `yaml:"buffer_size"`
	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`
}

// AuthConfig holds callback authentication configuration
type AuthConfig struct {
	// CallbackSecret enables per-session callback tokens when set
	CallbackSecret string        `yaml:"callback_secret"`
	TokenTTL       time.Duration `yaml:"-"`
	TokenTTLRaw    string        `yaml:"token_ttl"`
}

// DatabaseConfig holds the ledger location. An empty path disables it.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:0"},
		Agent: AgentConfig{
			Command:        "coven-agent",
			StartTimeout:   30 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Host:        HostConfig{Timeout: 60 * time.Second},
		Permissions: PermissionsConfig{Timeout: 60 * time.Second},
		Stream: StreamConfig{
			BufferSize:        256,
			HeartbeatInterval: 15 * time.Second,
		},
		Auth:    AuthConfig{TokenTTL: 24 * time.Hour},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values missing from the file keep their Default. An empty path returns Default.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.PublicURL != "" {
		if err := validateHTTPURL(c.Server.PublicURL); err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
	}

	if !c.Agent.Mock && c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required unless agent.mock is set")
	}

	if c.Host.CallbackURL != "" {
		if err := validateHTTPURL(c.Host.CallbackURL); err != nil {
			return fmt.Errorf("host.callback_url: %w", err)
		}
	}

	for category, value := range c.Permissions.Defaults {
		switch value {
		case PermissionAllow, PermissionAsk, PermissionDeny:
		default:
			return fmt.Errorf("permissions.defaults.%s: %q is not allow, ask or deny", category, value)
		}
	}

	seen := make(map[string]bool, len(c.Tools))
	for i, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tools[%d].name is required", i)
		}
		if seen[tool.Name] {
			return fmt.Errorf("tools[%d]: duplicate tool name %q", i, tool.Name)
		}
		seen[tool.Name] = true
	}
	if len(c.Tools) > 0 && c.Host.CallbackURL == "" {
		return fmt.Errorf("host.callback_url is required when tools are configured")
	}

	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics.path is required when metrics are enabled")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
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
		{"agent.start_timeout", cfg.Agent.StartTimeoutRaw, &cfg.Agent.StartTimeout},
		{"agent.request_timeout", cfg.Agent.RequestTimeoutRaw, &cfg.Agent.RequestTimeout},
		{"host.timeout", cfg.Host.TimeoutRaw, &cfg.Host.Timeout},
		{"permissions.timeout", cfg.Permissions.TimeoutRaw, &cfg.Permissions.Timeout},
		{"stream.heartbeat_interval", cfg.Stream.HeartbeatIntervalRaw, &cfg.Stream.HeartbeatInterval},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
	}
	for i := range cfg.Tools {
		fields = append(fields, struct {
			name string
			raw  string
			dst  *time.Duration
		}{fmt.Sprintf("tools[%d].timeout", i), cfg.Tools[i].TimeoutRaw, &cfg.Tools[i].Timeout})
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

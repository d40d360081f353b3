// ABOUTME: Configuration loading and parsing for coven-agent
// ABOUTME: Supports YAML or TOML files with environment variable expansion and overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Broker drivers.
const (
	DriverPusher     = "pusher"
	DriverServiceBus = "servicebus"
)

// Defaults applied by Load.
const (
	DefaultBrokerPort        = 443
	DefaultWebhookTimeout    = 10 * time.Second
	DefaultKeepAliveInterval = 3 * time.Minute
	DefaultQRTimeout         = 60 * time.Second
	DefaultPoolWorkers       = 4
	DefaultPoolQueueSize     = 64
	DefaultBrowserTimeout    = 2 * time.Minute
	DefaultStatusAddr        = "127.0.0.1:8790"
	DefaultTailscaleHostname = "coven-agent"
)

// Config represents the complete coven-agent configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent" toml:"agent"`
	Broker  BrokerConfig  `yaml:"broker" toml:"broker"`
	Webhook WebhookConfig `yaml:"webhook" toml:"webhook"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Pool    PoolConfig    `yaml:"pool" toml:"pool"`
	Browser BrowserConfig `yaml:"browser" toml:"browser"`
	Audit   AuditConfig   `yaml:"audit" toml:"audit"`
	Status  StatusConfig  `yaml:"status" toml:"status"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// AgentConfig identifies this agent to the backend
type AgentConfig struct {
	ID         string `yaml:"id" toml:"id"`
	BackendURL string `yaml:"backend_url" toml:"backend_url"`
}

// BrokerConfig selects and addresses the pub/sub broker
type BrokerConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Host   string `yaml:"host" toml:"host"`
	Port   int    `yaml:"port" toml:"port"`
	Key    string `yaml:"key" toml:"key"`
	// TLS is a pointer so an explicit false survives defaulting.
	TLS *bool `yaml:"tls" toml:"tls"`

	ServiceBusConnectionString string `yaml:"servicebus_connection_string" toml:"servicebus_connection_string"`
	Subscription               string `yaml:"subscription" toml:"subscription"`
}

// UseTLS reports whether the broker connection is encrypted.
func (b BrokerConfig) UseTLS() bool {
	return b.TLS == nil || *b.TLS
}

// WebhookConfig holds the platform event webhook target
type WebhookConfig struct {
	URL     string        `yaml:"url" toml:"url"`
	Secret  string        `yaml:"secret" toml:"secret"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// SessionConfig tunes platform sessions
type SessionConfig struct {
	KeepAliveInterval time.Duration `yaml:"-" toml:"-"`
	QRTimeout         time.Duration `yaml:"-" toml:"-"`
	Homeserver        string        `yaml:"homeserver" toml:"homeserver"`
	CryptoDir         string        `yaml:"crypto_dir" toml:"crypto_dir"`

	// Raw string values for unmarshaling
	KeepAliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	QRTimeoutRaw         string `yaml:"qr_timeout" toml:"qr_timeout"`
}

// PoolConfig bounds task execution
type PoolConfig struct {
	Workers   int `yaml:"workers" toml:"workers"`
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

// BrowserConfig addresses the browser automation service
type BrowserConfig struct {
	Endpoint string        `yaml:"endpoint" toml:"endpoint"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// AuditConfig holds the audit ledger location. An empty path disables it.
type AuditConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// StatusConfig holds the status API listener
type StatusConfig struct {
	Addr      string          `yaml:"addr" toml:"addr"`
	JWTSecret string          `yaml:"jwt_secret" toml:"jwt_secret"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// BROKER_*, AGENT_ID, BACKEND_URL and WEBHOOK_* variables override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parse(path, data)
}

// FromEnv builds a Config from defaults and environment overrides only.
func FromEnv() (*Config, error) {
	return parse("", nil)
}

func parse(path string, data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(&cfg)

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
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("BROKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BROKER_PORT %q: %w", v, err)
		}
		cfg.Broker.Port = port
	}
	if v := os.Getenv("BROKER_KEY"); v != "" {
		cfg.Broker.Key = v
	}
	if v := os.Getenv("BROKER_TLS"); v != "" {
		tls, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BROKER_TLS %q: %w", v, err)
		}
		cfg.Broker.TLS = &tls
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Agent.BackendURL = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.Driver == "" {
		cfg.Broker.Driver = DriverPusher
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = DefaultBrokerPort
	}
	if cfg.Broker.Subscription == "" {
		cfg.Broker.Subscription = cfg.Agent.ID
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = DefaultWebhookTimeout
	}
	if cfg.Session.KeepAliveInterval == 0 {
		cfg.Session.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Session.QRTimeout == 0 {
		cfg.Session.QRTimeout = DefaultQRTimeout
	}
	if cfg.Pool.Workers == 0 {
		cfg.Pool.Workers = DefaultPoolWorkers
	}
	if cfg.Pool.QueueSize == 0 {
		cfg.Pool.QueueSize = DefaultPoolQueueSize
	}
	if cfg.Browser.Timeout == 0 {
		cfg.Browser.Timeout = DefaultBrowserTimeout
	}
	if cfg.Status.Addr == "" {
		cfg.Status.Addr = DefaultStatusAddr
	}
	if cfg.Status.Tailscale.Enabled && cfg.Status.Tailscale.Hostname == "" {
		cfg.Status.Tailscale.Hostname = DefaultTailscaleHostname
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return errors.New("agent.id is required (or set AGENT_ID)")
	}
	if c.Agent.BackendURL == "" {
		return errors.New("agent.backend_url is required (or set BACKEND_URL)")
	}

	switch c.Broker.Driver {
	case DriverPusher:
		if c.Broker.Host == "" {
			return errors.New("broker.host is required (or set BROKER_HOST)")
		}
		if c.Broker.Key == "" {
			return errors.New("broker.key is required (or set BROKER_KEY)")
		}
		if c.Broker.Port < 1 || c.Broker.Port > 65535 {
			return fmt.Errorf("broker.port %d is out of range", c.Broker.Port)
		}
	case DriverServiceBus:
		if c.Broker.ServiceBusConnectionString == "" {
			return errors.New("broker.servicebus_connection_string is required for the servicebus driver")
		}
	default:
		return fmt.Errorf("broker.driver %q is not one of %s, %s", c.Broker.Driver, DriverPusher, DriverServiceBus)
	}

	if c.Pool.Workers < 0 {
		return errors.New("pool.workers must not be negative")
	}
	if c.Pool.QueueSize < 0 {
		return errors.New("pool.queue_size must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
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
		{"webhook.timeout", cfg.Webhook.TimeoutRaw, &cfg.Webhook.Timeout},
		{"session.keepalive_interval", cfg.Session.KeepAliveIntervalRaw, &cfg.Session.KeepAliveInterval},
		{"session.qr_timeout", cfg.Session.QRTimeoutRaw, &cfg.Session.QRTimeout},
		{"browser.timeout", cfg.Browser.TimeoutRaw, &cfg.Browser.Timeout},
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

// DefaultPath returns the config file location: COVEN_AGENT_CONFIG, then
// $XDG_CONFIG_HOME/coven/agent.yaml, then ~/.config/coven/agent.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_AGENT_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "agent.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent.yaml"
	}
	return filepath.Join(home, ".config", "coven", "agent.yaml")
}

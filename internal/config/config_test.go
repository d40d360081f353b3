// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// clearOverrides blanks every override variable so the host environment
// cannot leak into a test.
func clearOverrides(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"BROKER_HOST", "BROKER_PORT", "BROKER_KEY", "BROKER_TLS",
		"AGENT_ID", "BACKEND_URL", "WEBHOOK_URL", "WEBHOOK_SECRET",
	} {
		t.Setenv(name, "")
	}
}

const validYAML = `
agent:
  id: "agent-7"
  backend_url: "https://api.example.com"

broker:
  driver: "pusher"
  host: "ws-eu.pusher.com"
  port: 8443
  key: "app-key"
  tls: false

webhook:
  url: "https://hooks.example.com/platform"
  secret: "shh"
  timeout: "5s"

session:
  keepalive_interval: "45s"
  qr_timeout: "90s"
  homeserver: "https://matrix.example.com"
  crypto_dir: "/var/lib/coven-agent/crypto"

pool:
  workers: 8
  queue_size: 128

browser:
  endpoint: "http://localhost:9222"
  timeout: "3m"

audit:
  path: "/var/lib/coven-agent/audit.db"

status:
  addr: "0.0.0.0:9000"
  jwt_secret: "status-secret"
  tailscale:
    enabled: true
    auth_key: "tskey-abc"

logging:
  level: "debug"
  format: "json"
`

func TestLoad_ValidYAML(t *testing.T) {
	clearOverrides(t)
	cfg, err := Load(writeConfig(t, "agent.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.ID != "agent-7" {
		t.Errorf("Agent.ID = %q, want %q", cfg.Agent.ID, "agent-7")
	}
	if cfg.Agent.BackendURL != "https://api.example.com" {
		t.Errorf("Agent.BackendURL = %q", cfg.Agent.BackendURL)
	}
	if cfg.Broker.Host != "ws-eu.pusher.com" || cfg.Broker.Port != 8443 || cfg.Broker.Key != "app-key" {
		t.Errorf("Broker = %+v", cfg.Broker)
	}
	if cfg.Broker.UseTLS() {
		t.Error("Broker.UseTLS() = true, want false")
	}
	if cfg.Broker.Subscription != "agent-7" {
		t.Errorf("Broker.Subscription = %q, want agent id", cfg.Broker.Subscription)
	}
	if cfg.Webhook.Timeout != 5*time.Second {
		t.Errorf("Webhook.Timeout = %v, want 5s", cfg.Webhook.Timeout)
	}
	if cfg.Session.KeepAliveInterval != 45*time.Second {
		t.Errorf("Session.KeepAliveInterval = %v, want 45s", cfg.Session.KeepAliveInterval)
	}
	if cfg.Session.QRTimeout != 90*time.Second {
		t.Errorf("Session.QRTimeout = %v, want 90s", cfg.Session.QRTimeout)
	}
	if cfg.Session.Homeserver != "https://matrix.example.com" {
		t.Errorf("Session.Homeserver = %q", cfg.Session.Homeserver)
	}
	if cfg.Pool.Workers != 8 || cfg.Pool.QueueSize != 128 {
		t.Errorf("Pool = %+v", cfg.Pool)
	}
	if cfg.Browser.Timeout != 3*time.Minute {
		t.Errorf("Browser.Timeout = %v, want 3m", cfg.Browser.Timeout)
	}
	if cfg.Audit.Path != "/var/lib/coven-agent/audit.db" {
		t.Errorf("Audit.Path = %q", cfg.Audit.Path)
	}
	if cfg.Status.Addr != "0.0.0.0:9000" || cfg.Status.JWTSecret != "status-secret" {
		t.Errorf("Status = %+v", cfg.Status)
	}
	if !cfg.Status.Tailscale.Enabled || cfg.Status.Tailscale.Hostname != DefaultTailscaleHostname {
		t.Errorf("Status.Tailscale = %+v", cfg.Status.Tailscale)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	clearOverrides(t)
	content := `
[agent]
id = "agent-toml"
backend_url = "https://api.example.com"

[broker]
driver = "servicebus"
servicebus_connection_string = "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=k;SharedAccessKey=v"
subscription = "agents-eu"

[webhook]
timeout = "2s"
`
	cfg, err := Load(writeConfig(t, "agent.toml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.ID != "agent-toml" {
		t.Errorf("Agent.ID = %q", cfg.Agent.ID)
	}
	if cfg.Broker.Driver != DriverServiceBus {
		t.Errorf("Broker.Driver = %q", cfg.Broker.Driver)
	}
	if cfg.Broker.Subscription != "agents-eu" {
		t.Errorf("Broker.Subscription = %q", cfg.Broker.Subscription)
	}
	if cfg.Webhook.Timeout != 2*time.Second {
		t.Errorf("Webhook.Timeout = %v", cfg.Webhook.Timeout)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearOverrides(t)
	content := `
agent:
  id: "a"
  backend_url: "https://api.example.com"
broker:
  host: "ws.example.com"
  key: "k"
`
	cfg, err := Load(writeConfig(t, "agent.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Broker.Driver != DriverPusher {
		t.Errorf("Broker.Driver = %q, want pusher", cfg.Broker.Driver)
	}
	if cfg.Broker.Port != DefaultBrokerPort {
		t.Errorf("Broker.Port = %d, want %d", cfg.Broker.Port, DefaultBrokerPort)
	}
	if !cfg.Broker.UseTLS() {
		t.Error("Broker.UseTLS() = false, want true by default")
	}
	if cfg.Webhook.Timeout != DefaultWebhookTimeout {
		t.Errorf("Webhook.Timeout = %v", cfg.Webhook.Timeout)
	}
	if cfg.Session.KeepAliveInterval != DefaultKeepAliveInterval || cfg.Session.QRTimeout != DefaultQRTimeout {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Pool.Workers != DefaultPoolWorkers || cfg.Pool.QueueSize != DefaultPoolQueueSize {
		t.Errorf("Pool = %+v", cfg.Pool)
	}
	if cfg.Status.Addr != DefaultStatusAddr {
		t.Errorf("Status.Addr = %q", cfg.Status.Addr)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	clearOverrides(t)
	t.Setenv("TEST_BROKER_KEY", "key-from-env")
	t.Setenv("TEST_JWT_SECRET", "jwt-from-env")

	content := `
agent:
  id: "a"
  backend_url: "https://api.example.com"
broker:
  host: "ws.example.com"
  key: "${TEST_BROKER_KEY}"
status:
  jwt_secret: "${TEST_JWT_SECRET}"
webhook:
  secret: "${TEST_UNSET_VARIABLE}"
`
	cfg, err := Load(writeConfig(t, "agent.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Key != "key-from-env" {
		t.Errorf("Broker.Key = %q, want %q", cfg.Broker.Key, "key-from-env")
	}
	if cfg.Status.JWTSecret != "jwt-from-env" {
		t.Errorf("Status.JWTSecret = %q, want %q", cfg.Status.JWTSecret, "jwt-from-env")
	}
	if cfg.Webhook.Secret != "" {
		t.Errorf("Webhook.Secret = %q, want empty", cfg.Webhook.Secret)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearOverrides(t)
	t.Setenv("BROKER_HOST", "override.example.com")
	t.Setenv("BROKER_PORT", "6001")
	t.Setenv("BROKER_KEY", "override-key")
	t.Setenv("BROKER_TLS", "false")
	t.Setenv("AGENT_ID", "override-agent")
	t.Setenv("BACKEND_URL", "https://override.example.com")
	t.Setenv("WEBHOOK_URL", "https://hooks.override.example.com")
	t.Setenv("WEBHOOK_SECRET", "override-secret")

	cfg, err := Load(writeConfig(t, "agent.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Host != "override.example.com" || cfg.Broker.Port != 6001 || cfg.Broker.Key != "override-key" {
		t.Errorf("Broker = %+v", cfg.Broker)
	}
	if cfg.Broker.UseTLS() {
		t.Error("Broker.UseTLS() = true, want false")
	}
	if cfg.Agent.ID != "override-agent" || cfg.Agent.BackendURL != "https://override.example.com" {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Webhook.URL != "https://hooks.override.example.com" || cfg.Webhook.Secret != "override-secret" {
		t.Errorf("Webhook = %+v", cfg.Webhook)
	}
}

func TestFromEnv(t *testing.T) {
	clearOverrides(t)
	t.Setenv("BROKER_HOST", "ws.example.com")
	t.Setenv("BROKER_KEY", "k")
	t.Setenv("AGENT_ID", "env-agent")
	t.Setenv("BACKEND_URL", "https://api.example.com")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Agent.ID != "env-agent" {
		t.Errorf("Agent.ID = %q", cfg.Agent.ID)
	}
	if cfg.Broker.Port != DefaultBrokerPort {
		t.Errorf("Broker.Port = %d", cfg.Broker.Port)
	}
}

func TestLoad_Errors(t *testing.T) {
	base := `
agent:
  id: "a"
  backend_url: "https://api.example.com"
broker:
  host: "ws.example.com"
  key: "k"
`
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing agent id",
			content: "agent:\n  backend_url: \"https://api.example.com\"\nbroker:\n  host: h\n  key: k\n",
			wantErr: "agent.id is required",
		},
		{
			name:    "missing backend url",
			content: "agent:\n  id: a\nbroker:\n  host: h\n  key: k\n",
			wantErr: "agent.backend_url is required",
		},
		{
			name:    "missing broker key",
			content: "agent:\n  id: a\n  backend_url: u\nbroker:\n  host: h\n",
			wantErr: "broker.key is required",
		},
		{
			name:    "servicebus without connection string",
			content: "agent:\n  id: a\n  backend_url: u\nbroker:\n  driver: servicebus\n",
			wantErr: "servicebus_connection_string is required",
		},
		{
			name:    "unknown driver",
			content: "agent:\n  id: a\n  backend_url: u\nbroker:\n  driver: kafka\n",
			wantErr: `broker.driver "kafka"`,
		},
		{
			name:    "bad duration",
			content: base + "webhook:\n  timeout: \"soon\"\n",
			wantErr: "parsing webhook.timeout",
		},
		{
			name:    "negative duration",
			content: base + "session:\n  qr_timeout: \"-1s\"\n",
			wantErr: "session.qr_timeout must not be negative",
		},
		{
			name:    "bad log format",
			content: base + "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "bad port override",
			content: base,
			env:     map[string]string{"BROKER_PORT": "eighty"},
			wantErr: "BROKER_PORT",
		},
		{
			name:    "port out of range",
			content: base,
			env:     map[string]string{"BROKER_PORT": "70000"},
			wantErr: "out of range",
		},
		{
			name:    "invalid yaml",
			content: "agent: [unclosed",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearOverrides(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, "agent.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading error", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_AGENT_CONFIG", "/etc/coven/agent.toml")
	if got := DefaultPath(); got != "/etc/coven/agent.toml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("COVEN_AGENT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != "/xdg/coven/agent.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/agent")
	if got := DefaultPath(); got != "/home/agent/.config/coven/agent.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}

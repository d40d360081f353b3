// ABOUTME: Tests for coven-agent CLI helpers
// ABOUTME: Covers logger setup, status printing and the token subcommand

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-agent/internal/bridge"
	"github.com/2389/coven-agent/internal/config"
	"github.com/2389/coven-agent/internal/session"
	"github.com/2389/coven-agent/internal/task"
	"github.com/2389/coven-agent/internal/webhook"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("WARNING").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "info", Format: "text"})

	logger.Debug("hidden")
	logger.With("component", "bridge").WithGroup("task").Info("task started", "id", "t1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF task started")
	assert.Contains(t, out, "component=bridge")
	assert.Contains(t, out, "task.id=t1")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "debug", Format: "json"})
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestPrintStatus(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printStatus(&buf, bridge.Status{
		Connected:              true,
		AgentID:                "agent-1",
		BrokerEndpoint:         "wss://ws.example.com:443",
		RegisteredHandlerTypes: []string{"platform_command", "post_to_groups"},
		ActiveTasks:            []task.Active{{TaskID: "t1", Type: "post_to_groups", StartedAt: time.Now()}},
		RecentHistory:          []task.Active{{TaskID: "t0", Type: "platform_command", Status: task.StatusCompleted}},
		Webhook:                &webhook.Health{Healthy: false, ConsecutiveFailures: 2},
		Accounts:               []session.AccountInfo{{AccountID: "@a:example.org", State: session.StateConnected}},
	})

	out := buf.String()
	assert.Contains(t, out, "agent-1")
	assert.Contains(t, out, "connected wss://ws.example.com:443")
	assert.Contains(t, out, "platform_command, post_to_groups")
	assert.Contains(t, out, "unhealthy (2 consecutive failures)")
	assert.Contains(t, out, "@a:example.org")
	assert.Contains(t, out, "Active tasks (1)")
	assert.Contains(t, out, "Recent tasks (1)")
}

func TestRunToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  id: "a"
  backend_url: "https://api.example.com"
broker:
  host: "ws.example.com"
  key: "k"
status:
  jwt_secret: "status-secret"
`), 0o600))
	t.Setenv("COVEN_AGENT_CONFIG", path)
	for _, name := range []string{"BROKER_HOST", "BROKER_PORT", "BROKER_KEY", "BROKER_TLS", "AGENT_ID", "BACKEND_URL"} {
		t.Setenv(name, "")
	}

	assert.NoError(t, runToken([]string{"--subject", "ops", "--ttl", "1h"}))
	assert.Error(t, runToken([]string{"--ttl", "0s"}))
	assert.Error(t, runToken([]string{"--unknown"}))
}

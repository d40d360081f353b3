// Package config handles configuration loading for coven-agent.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_AGENT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/agent.yaml
//  3. ~/.config/coven/agent.yaml
//
// Files ending in .toml are decoded as TOML. Anything else is YAML.
//
// # Environment Variables
//
// Values can reference the environment:
//
//	broker:
//	  key: "${PUSHER_APP_KEY}"
//
// After expansion these variables override the file when set: BROKER_HOST,
// BROKER_PORT, BROKER_KEY, BROKER_TLS, AGENT_ID, BACKEND_URL, WEBHOOK_URL
// and WEBHOOK_SECRET.
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("30s", "2m").
//
// # Example
//
//	agent:
//	  id: "agent-7"
//	  backend_url: "https://api.example.com"
//
//	broker:
//	  driver: "pusher"          # or "servicebus"
//	  host: "ws-eu.pusher.com"
//	  port: 443
//	  key: "${BROKER_KEY}"
//	  tls: true
//
//	webhook:
//	  url: "https://hooks.example.com/platform"
//	  secret: "${WEBHOOK_SECRET}"
//	  timeout: "10s"
//
//	session:
//	  keepalive_interval: "3m"
//	  qr_timeout: "60s"
//	  homeserver: "https://matrix.example.com"
//	  crypto_dir: "~/.local/share/coven-agent/crypto"
//
//	pool:
//	  workers: 4
//	  queue_size: 64
//
//	browser:
//	  endpoint: "http://localhost:9222"
//	  timeout: "2m"
//
//	audit:
//	  path: "~/.local/share/coven-agent/audit.db"
//
//	status:
//	  addr: "127.0.0.1:8790"
//	  jwt_secret: "${STATUS_JWT_SECRET}"
//	  tailscale:
//	    enabled: false
//
//	logging:
//	  level: "info"
//	  format: "text"
package config

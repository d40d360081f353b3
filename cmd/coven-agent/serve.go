// ABOUTME: The serve subcommand wires broker, bridge, sessions and status API
// ABOUTME: Runs until SIGINT/SIGTERM, then disconnects and drains in-flight tasks

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-agent/internal/api"
	"github.com/2389/coven-agent/internal/auth"
	"github.com/2389/coven-agent/internal/bridge"
	"github.com/2389/coven-agent/internal/broker"
	"github.com/2389/coven-agent/internal/browser"
	"github.com/2389/coven-agent/internal/clock"
	"github.com/2389/coven-agent/internal/config"
	"github.com/2389/coven-agent/internal/handlers"
	"github.com/2389/coven-agent/internal/platform"
	"github.com/2389/coven-agent/internal/platform/matrix"
	"github.com/2389/coven-agent/internal/session"
	"github.com/2389/coven-agent/internal/store"
	"github.com/2389/coven-agent/internal/task"
	"github.com/2389/coven-agent/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	printStartup(cfg, source)

	clk := clock.Real()

	var ledger *store.SQLiteStore
	if cfg.Audit.Path != "" {
		ledger, err = store.NewSQLiteStore(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("opening audit ledger: %w", err)
		}
		defer ledger.Close()
	}

	webhookOpts := []webhook.Option{webhook.WithLogger(logger), webhook.WithClock(clk)}
	if ledger != nil {
		webhookOpts = append(webhookOpts, webhook.WithRecorder(ledger))
	}
	forwarder := webhook.New(webhook.Config{
		URL:     cfg.Webhook.URL,
		Secret:  cfg.Webhook.Secret,
		Timeout: cfg.Webhook.Timeout,
	}, webhookOpts...)
	if !forwarder.Enabled() {
		logger.Warn("no webhook url configured, platform events will be dropped")
	}

	provider, err := newProvider(cfg.Session, logger)
	if err != nil {
		return err
	}
	sessions := session.NewManager(provider, forwarder, session.Config{
		KeepAliveInterval: cfg.Session.KeepAliveInterval,
		QRTimeout:         cfg.Session.QRTimeout,
		Clock:             clk,
		Logger:            logger,
	})

	registry := task.NewRegistry(clk, logger)
	registry.Register(handlers.NewPlatformCommand(sessions, forwarder, logger))
	if cfg.Browser.Endpoint != "" {
		registry.Register(handlers.NewGroupPoster(browser.NewRemote(cfg.Browser.Endpoint, cfg.Browser.Timeout), clk, logger))
	} else {
		logger.Warn("no browser endpoint configured, group posting disabled")
	}

	var b *bridge.Bridge
	brokerClient, err := broker.New(broker.Config{
		Driver:                     cfg.Broker.Driver,
		Host:                       cfg.Broker.Host,
		Port:                       cfg.Broker.Port,
		Key:                        cfg.Broker.Key,
		TLS:                        cfg.Broker.UseTLS(),
		ServiceBusConnectionString: cfg.Broker.ServiceBusConnectionString,
		Subscription:               cfg.Broker.Subscription,
		OnStateChange: func(connected bool) {
			if b != nil {
				b.OnBrokerState(connected)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating broker client: %w", err)
	}

	bridgeCfg := bridge.Config{
		AgentID:    cfg.Agent.ID,
		BackendURL: cfg.Agent.BackendURL,
		Broker:     brokerClient,
		Registry:   registry,
		Sessions:   sessions,
		Webhook:    forwarder,
		Workers:    cfg.Pool.Workers,
		QueueSize:  cfg.Pool.QueueSize,
		Clock:      clk,
		Logger:     logger,
	}
	if ledger != nil {
		bridgeCfg.Audit = ledger
	}
	b = bridge.New(bridgeCfg)

	apiCfg := api.Config{
		Addr:     cfg.Status.Addr,
		Bridge:   b,
		Accounts: sessions,
		Webhook:  forwarder,
		Tailscale: api.TailscaleConfig{
			Enabled:   cfg.Status.Tailscale.Enabled,
			Hostname:  cfg.Status.Tailscale.Hostname,
			AuthKey:   cfg.Status.Tailscale.AuthKey,
			StateDir:  cfg.Status.Tailscale.StateDir,
			Ephemeral: cfg.Status.Tailscale.Ephemeral,
		},
		Logger: logger,
	}
	if ledger != nil {
		apiCfg.Audit = ledger
	}
	if cfg.Status.JWTSecret != "" {
		apiCfg.Verifier = auth.NewJWTVerifier([]byte(cfg.Status.JWTSecret))
	} else {
		logger.Warn("status API has no jwt_secret, serving without authentication")
	}
	statusAPI := api.New(apiCfg)

	logger.Info("starting coven-agent",
		"agent_id", cfg.Agent.ID,
		"broker", brokerClient.Endpoint(),
		"handlers", registry.RegisteredTypes())

	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("connecting bridge: %w", err)
	}

	apiErr := make(chan error, 1)
	go func() { apiErr <- statusAPI.Serve(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("status API: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := b.Disconnect(shutdownCtx); err != nil && !errors.Is(err, bridge.ErrNotConnected) {
		logger.Warn("disconnecting bridge", "error", err)
	}
	logger.Info("coven-agent stopped")
	return runErr
}

func printStartup(cfg *config.Config, source string) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", source)
	line("Agent", cfg.Agent.ID)
	line("Backend", cfg.Agent.BackendURL)
	line("Broker", cfg.Broker.Driver)
	if cfg.Session.Homeserver != "" {
		line("Matrix", cfg.Session.Homeserver)
	}
	line("Workers", fmt.Sprintf("%d (queue %d)", cfg.Pool.Workers, cfg.Pool.QueueSize))
	if cfg.Status.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Status:")
		cyan.Print(cfg.Status.Tailscale.Hostname)
		if cfg.Status.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		line("Status", cfg.Status.Addr)
	}
	fmt.Println()
}

func newProvider(cfg config.SessionConfig, logger *slog.Logger) (platform.Provider, error) {
	if cfg.Homeserver == "" {
		logger.Warn("no platform homeserver configured, account logins will fail")
		return noProvider{}, nil
	}
	p, err := matrix.NewProvider(matrix.Config{
		Homeserver: cfg.Homeserver,
		CryptoDir:  cfg.CryptoDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating matrix provider: %w", err)
	}
	return p, nil
}

// noProvider rejects every login.
type noProvider struct{}

func (noProvider) Login(context.Context, platform.Credentials) (platform.Handle, error) {
	return nil, platform.ErrUnsupported
}

func (noProvider) LoginQR(context.Context, func(platform.QRCode)) (platform.Handle, error) {
	return nil, platform.ErrUnsupported
}

// ABOUTME: Owns one live messaging-platform session per account
// ABOUTME: Handles login, logout, keep-alive pings and shutdown of all sessions

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-agent/internal/clock"
	"github.com/2389/coven-agent/internal/platform"
)

var (
	// ErrNotLoggedIn is returned by per-account operations when no session exists.
	ErrNotLoggedIn = errors.New("Account not logged in")
	// ErrQRTimeout is returned when a QR login is not completed in time.
	ErrQRTimeout = errors.New("QR login timed out")
	// ErrShutdown is returned by logins attempted after Shutdown.
	ErrShutdown = errors.New("session manager is shut down")
)

const (
	// DefaultKeepAliveInterval is how often each session is pinged.
	DefaultKeepAliveInterval = 3 * time.Minute
	// DefaultQRTimeout bounds a QR login attempt.
	DefaultQRTimeout = 60 * time.Second
	// DefaultOutboundBuffer is the per-account queue of events awaiting forwarding.
	DefaultOutboundBuffer = 256

	keepAliveTimeout = 30 * time.Second
)

// State is the connection state of an account.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateNeedsRelogin State = "needs_relogin"
)

// Forwarder delivers account events to the backend.
type Forwarder interface {
	Forward(ctx context.Context, event string, data map[string]any)
}

// AccountInfo is a read-only view of a session.
type AccountInfo struct {
	AccountID         string `json:"accountId"`
	DisplayName       string `json:"displayName"`
	State             State  `json:"state"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

// Config tunes a Manager. Zero values take the defaults.
type Config struct {
	KeepAliveInterval time.Duration
	QRTimeout         time.Duration
	OutboundBuffer    int
	Clock             clock.Clock
	Logger            *slog.Logger
}

// reconnectState tracks consecutive reconnect attempts for one account.
type reconnectState struct {
	count       int
	lastAttempt time.Time
}

type outboundEvent struct {
	name string
	data map[string]any
}

// entry is one logged-in account. Every field except handle and the channels
// is guarded by Manager.mu.
type entry struct {
	accountID   string
	displayName string
	handle      platform.Handle
	state       State
	reconnect   reconnectState

	keepAlive      clock.Ticker
	stopKeepAlive  chan struct{}
	reconnectTimer clock.Timer

	ctx    context.Context
	cancel context.CancelFunc

	outbound     chan outboundEvent
	consumerDone chan struct{}
	closed       bool
}

// Manager owns the account -> session map.
type Manager struct {
	provider  platform.Provider
	forwarder Forwarder
	clock     clock.Clock
	logger    *slog.Logger

	keepAliveInterval time.Duration
	qrTimeout         time.Duration
	outboundBuffer    int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager creates a Manager that logs in through provider and forwards
// account events through forwarder.
func NewManager(provider platform.Provider, forwarder Forwarder, cfg Config) *Manager {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = DefaultQRTimeout
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultOutboundBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider:          provider,
		forwarder:         forwarder,
		clock:             cfg.Clock,
		logger:            cfg.Logger.With("component", "session"),
		keepAliveInterval: cfg.KeepAliveInterval,
		qrTimeout:         cfg.QRTimeout,
		outboundBuffer:    cfg.OutboundBuffer,
		ctx:               ctx,
		cancel:            cancel,
		sessions:          make(map[string]*entry),
	}
}

// LoginWithCredentials logs accountID in, replacing any existing session for it.
func (m *Manager) LoginWithCredentials(ctx context.Context, accountID string, creds platform.Credentials) (*platform.Profile, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	if m.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	if m.has(accountID) {
		m.logger.Info("account already logged in, replacing session", "account_id", accountID)
		if err := m.Logout(ctx, accountID); err != nil {
			return nil, err
		}
	}

	handle, err := m.provider.Login(ctx, creds)
	if err != nil {
		m.logger.Warn("login failed", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("logging in %s: %w", accountID, err)
	}
	return m.activate(ctx, accountID, handle)
}

// LoginWithQR logs in an account by QR scan. onQR receives the QR payload at
// most once. The account id is taken from the platform profile.
func (m *Manager) LoginWithQR(ctx context.Context, onQR func(platform.QRCode)) (*platform.Profile, error) {
	if m.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	qrCtx, cancel := context.WithTimeout(ctx, m.qrTimeout)
	defer cancel()

	var once sync.Once
	handle, err := m.provider.LoginQR(qrCtx, func(qr platform.QRCode) {
		once.Do(func() {
			if onQR != nil {
				onQR(qr)
			}
		})
	})
	if err != nil {
		if errors.Is(qrCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrQRTimeout
		}
		return nil, fmt.Errorf("qr login: %w", err)
	}

	profile, err := handle.Profile(ctx)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	if m.has(profile.AccountID) {
		if err := m.Logout(ctx, profile.AccountID); err != nil {
			_ = handle.Close()
			return nil, err
		}
	}
	return m.activate(ctx, profile.AccountID, handle)
}

// activate stores a session for handle and starts its keep-alive, outbound
// consumer and listener.
func (m *Manager) activate(ctx context.Context, accountID string, handle platform.Handle) (*platform.Profile, error) {
	profile, err := handle.Profile(ctx)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	entryCtx, cancel := context.WithCancel(m.ctx)
	e := &entry{
		accountID:     accountID,
		displayName:   profile.DisplayName,
		handle:        handle,
		state:         StateConnecting,
		keepAlive:     m.clock.NewTicker(m.keepAliveInterval),
		stopKeepAlive: make(chan struct{}),
		ctx:           entryCtx,
		cancel:        cancel,
		outbound:      make(chan outboundEvent, m.outboundBuffer),
		consumerDone:  make(chan struct{}),
	}
	go m.consume(e)
	go m.runKeepAlive(e)

	m.mu.Lock()
	previous := m.sessions[accountID]
	m.sessions[accountID] = e
	if previous != nil {
		m.detachLocked(previous)
	}
	m.mu.Unlock()
	if previous != nil {
		m.release(previous)
		close(previous.outbound)
	}

	if err := handle.StartListener(entryCtx, m.sink(e)); err != nil {
		m.logger.Error("starting listener", "account_id", accountID, "error", err)
		m.mu.Lock()
		if m.sessions[accountID] == e {
			delete(m.sessions, accountID)
		}
		m.detachLocked(e)
		m.mu.Unlock()
		m.release(e)
		close(e.outbound)
		return nil, fmt.Errorf("starting listener: %w", err)
	}

	m.logger.Info("account logged in",
		"account_id", accountID,
		"display_name", profile.DisplayName)

	out := *profile
	out.AccountID = accountID
	return &out, nil
}

// Logout ends the session for accountID. Unknown accounts are a no-op.
func (m *Manager) Logout(ctx context.Context, accountID string) error {
	m.mu.Lock()
	e, ok := m.sessions[accountID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, accountID)
	m.detachLocked(e)
	m.mu.Unlock()

	m.release(e)

	// The disconnect notice goes through the account queue so it lands after
	// any events still waiting to be forwarded.
	select {
	case e.outbound <- outboundEvent{name: "account:disconnected", data: map[string]any{"accountId": accountID}}:
	case <-ctx.Done():
		m.logger.Warn("dropping disconnect event", "account_id", accountID, "error", ctx.Err())
	}
	close(e.outbound)

	m.logger.Info("account logged out", "account_id", accountID)
	return nil
}

// Shutdown stops every session and clears the map. The Manager cannot log in
// accounts afterwards.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		m.detachLocked(e)
		entries = append(entries, e)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.release(e)
		close(e.outbound)
	}
	m.cancel()

	for _, e := range entries {
		select {
		case <-e.consumerDone:
		case <-ctx.Done():
			m.logger.Warn("shutdown timed out waiting for event queues", "error", ctx.Err())
			return
		}
	}
	m.logger.Info("session manager shut down", "accounts", len(entries))
}

// ListAccounts returns every tracked account sorted by id.
func (m *Manager) ListAccounts() []AccountInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AccountInfo, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.infoLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (m *Manager) has(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[accountID]
	return ok
}

func (e *entry) infoLocked() AccountInfo {
	return AccountInfo{
		AccountID:         e.accountID,
		DisplayName:       e.displayName,
		State:             e.state,
		ReconnectAttempts: e.reconnect.count,
	}
}

// detachLocked marks e closed and stops its timers. Must hold m.mu.
func (m *Manager) detachLocked(e *entry) {
	if e.closed {
		return
	}
	e.closed = true
	e.keepAlive.Stop()
	close(e.stopKeepAlive)
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
}

// release stops the listener and closes the platform handle. Must not hold m.mu.
func (m *Manager) release(e *entry) {
	e.cancel()
	e.handle.StopListener()
	if err := e.handle.Close(); err != nil {
		m.logger.Debug("closing platform handle", "account_id", e.accountID, "error", err)
	}
}

func (m *Manager) runKeepAlive(e *entry) {
	for {
		select {
		case <-e.stopKeepAlive:
			return
		case <-e.keepAlive.C():
			ctx, cancel := context.WithTimeout(e.ctx, keepAliveTimeout)
			err := e.handle.KeepAlive(ctx)
			cancel()
			if err != nil {
				m.logger.Warn("keep-alive failed", "account_id", e.accountID, "error", err)
				continue
			}
			m.logger.Debug("keep-alive ok", "account_id", e.accountID)
		}
	}
}

// consume forwards queued events for one account in order until the queue is
// closed.
func (m *Manager) consume(e *entry) {
	defer close(e.consumerDone)
	for ev := range e.outbound {
		if m.ctx.Err() != nil {
			continue
		}
		m.forwarder.Forward(m.ctx, ev.name, ev.data)
	}
}

// enqueue queues an event for forwarding without blocking the listener.
func (m *Manager) enqueue(e *entry, name string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.outbound <- outboundEvent{name: name, data: data}:
	default:
		m.logger.Warn("account event queue full, dropping event",
			"account_id", e.accountID,
			"event", name)
	}
}

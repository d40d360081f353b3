// ABOUTME: Inbound platform event handling and reconnection with backoff
// ABOUTME: Normalizes listener events into account:* webhook events

package session

import (
	"maps"

	"github.com/2389/coven-agent/internal/backoff"
	"github.com/2389/coven-agent/internal/platform"
)

// sink returns the listener callback for e. It never blocks on delivery and
// never lets a panic escape into the platform client.
func (m *Manager) sink(e *entry) func(platform.Event) {
	return func(ev platform.Event) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic handling platform event",
					"account_id", e.accountID,
					"kind", ev.Kind,
					"panic", r)
			}
		}()
		m.handleEvent(e, ev)
	}
}

func (m *Manager) handleEvent(e *entry, ev platform.Event) {
	data := make(map[string]any, len(ev.Data)+3)
	maps.Copy(data, ev.Data)
	data["accountId"] = e.accountID

	switch ev.Kind {
	case platform.EventConnected:
		m.setState(e, StateConnected)
		m.logger.Info("listener connected", "account_id", e.accountID)

	case platform.EventClosed:
		data["code"] = ev.Code
		data["reason"] = ev.Reason
		m.logger.Warn("listener closed",
			"account_id", e.accountID,
			"code", ev.Code,
			"reason", ev.Reason)

	case platform.EventError:
		m.logger.Warn("listener error", "account_id", e.accountID, "data", ev.Data)
	}

	m.enqueue(e, "account:"+string(ev.Kind), data)

	if ev.Kind != platform.EventClosed {
		return
	}
	switch ev.Code {
	case platform.CloseAbnormal:
		m.handleReconnect(e)
	case platform.CloseSessionInvalid:
		m.markNeedsRelogin(e, ev.Reason)
	}
}

func (m *Manager) setState(e *entry, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !e.closed {
		e.state = s
	}
}

// handleReconnect schedules a listener restart after the backoff delay for
// the account's next attempt.
func (m *Manager) handleReconnect(e *entry) {
	m.mu.Lock()
	if e.closed {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if !e.reconnect.lastAttempt.IsZero() && now.Sub(e.reconnect.lastAttempt) > backoff.ReconnectCooldown {
		e.reconnect.count = 0
	}
	e.reconnect.count++
	e.reconnect.lastAttempt = now
	attempt := e.reconnect.count
	delay := backoff.Reconnect(attempt)

	e.state = StateReconnecting
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	e.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(e, attempt) })
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect",
		"account_id", e.accountID,
		"attempt", attempt,
		"delay", delay)
}

func (m *Manager) reconnect(e *entry, attempt int) {
	m.mu.Lock()
	if e.closed {
		m.mu.Unlock()
		return
	}
	e.reconnectTimer = nil
	m.mu.Unlock()

	m.logger.Info("reconnecting listener", "account_id", e.accountID, "attempt", attempt)
	if err := e.handle.StartListener(e.ctx, m.sink(e)); err != nil {
		m.logger.Error("reconnect failed, account needs re-login",
			"account_id", e.accountID,
			"attempt", attempt,
			"error", err)
		m.markNeedsRelogin(e, err.Error())
	}
}

// markNeedsRelogin parks the account until an operator logs it in again.
func (m *Manager) markNeedsRelogin(e *entry, reason string) {
	m.setState(e, StateNeedsRelogin)
	m.enqueue(e, "account:needs_relogin", map[string]any{
		"accountId": e.accountID,
		"error":     reason,
	})
}

// reconnectAttempts reports the current attempt count for accountID.
func (m *Manager) reconnectAttempts(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[accountID]; ok {
		return e.reconnect.count
	}
	return 0
}

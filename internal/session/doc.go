// Package session manages long-lived messaging-platform sessions, one per
// account.
//
// # Lifecycle
//
// An account moves through connecting, connected and reconnecting states:
//
//	logged out -> connecting -> connected <-> reconnecting -> connected
//	                                       \-> needs_relogin
//
// A session exists in the Manager's map from a successful login until Logout
// or Shutdown. While it exists it has a keep-alive ticker that pings the
// platform every three minutes; ping failures are logged and never end the
// session.
//
// # Reconnection
//
// When a listener closes with platform.CloseAbnormal the Manager schedules a
// restart after 5s, 10s, 20s, 40s and then 2m for every attempt from the
// fifth. The attempt counter only resets when more than five minutes pass
// between attempts. If the restart itself fails the account is parked in
// needs_relogin and an account:needs_relogin event is emitted; nothing is
// rescheduled.
//
// # Event forwarding
//
// Listener callbacks never wait on the webhook. Each account has a buffered
// queue drained by a single goroutine, so events from one account reach the
// webhook in emission order while a slow delivery for one account does not
// hold up any other.
package session

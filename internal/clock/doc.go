// Package clock abstracts the time package behind an interface so that
// keep-alive tickers, reconnect timers and retry sleeps can be tested without
// real waiting.
package clock

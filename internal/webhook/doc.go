// Package webhook forwards messaging-platform events to the backend.
//
// Delivery is at-most-once with bounded retry: a network error or a 5xx
// response is retried three times (2s, 4s, 8s) before the event is dropped.
// Dropped deliveries count toward a rolling health state that flips to
// unhealthy after ten consecutive give-ups and back on the next success.
// Health is observational only; delivery attempts continue either way.
package webhook

// ABOUTME: Delay policies for webhook retries, session reconnects and broker redials
// ABOUTME: All policies are pure functions of the attempt number

package backoff

import "time"

const (
	// ReconnectBase is the delay before the first reconnect attempt.
	ReconnectBase = 5 * time.Second
	// ReconnectMax caps the reconnect delay.
	ReconnectMax = 2 * time.Minute
	// ReconnectPinnedAfter is the attempt from which the delay stays at ReconnectMax.
	ReconnectPinnedAfter = 5
	// ReconnectCooldown resets the attempt count when exceeded between attempts.
	ReconnectCooldown = 5 * time.Minute

	// WebhookBase is the sleep before the first webhook retry.
	WebhookBase = 2 * time.Second
	// WebhookMaxRetries bounds webhook retries after the initial call.
	WebhookMaxRetries = 3
)

// Exponential returns base * 2^attempt, capped at max. Attempt 0 yields base.
func Exponential(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Reconnect returns the delay for the given 1-based reconnect attempt:
// 5s, 10s, 20s, 40s, then 2m from attempt 5 onward.
func Reconnect(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= ReconnectPinnedAfter {
		return ReconnectMax
	}
	return Exponential(ReconnectBase, attempt-1, ReconnectMax)
}

// Webhook returns the sleep before retry number retry+1 (2s, 4s, 8s).
func Webhook(retry int) time.Duration {
	return Exponential(WebhookBase, retry, 0)
}

// ABOUTME: Delivers platform events to the backend webhook with bounded retry
// ABOUTME: Tracks a process-wide health state from consecutive delivery give-ups

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-agent/internal/backoff"
	"github.com/2389/coven-agent/internal/clock"
)

const (
	// DefaultTimeout bounds each individual POST.
	DefaultTimeout = 10 * time.Second

	// UnhealthyThreshold is the number of consecutive give-ups that marks the
	// forwarder unhealthy.
	UnhealthyThreshold = 10

	// SecretHeader carries the shared secret alongside the body field.
	SecretHeader = "X-Webhook-Secret"

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Payload is the JSON body posted for every event.
type Payload struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	Secret    string         `json:"secret"`
}

// Health is a snapshot of delivery health.
type Health struct {
	Healthy             bool `json:"healthy"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

// FailureRecorder receives a record of every delivery that was given up on.
type FailureRecorder interface {
	RecordWebhookFailure(ctx context.Context, event string, attempts int, lastErr string) error
}

// Config holds the webhook target.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Forwarder posts events to a single webhook URL.
type Forwarder struct {
	url      string
	secret   string
	client   *http.Client
	clock    clock.Clock
	recorder FailureRecorder
	logger   *slog.Logger

	mu     sync.Mutex
	health Health
}

// Option customizes a Forwarder.
type Option func(*Forwarder)

// WithClock overrides the clock used for retry sleeps.
func WithClock(c clock.Clock) Option { return func(f *Forwarder) { f.clock = c } }

// WithHTTPClient overrides the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(c *http.Client) Option { return func(f *Forwarder) { f.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Forwarder) { f.logger = l } }

// WithRecorder records given-up deliveries.
func WithRecorder(r FailureRecorder) Option { return func(f *Forwarder) { f.recorder = r } }

// New creates a Forwarder. An empty URL yields a forwarder that drops events.
func New(cfg Config, opts ...Option) *Forwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Forwarder{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		clock:  clock.Real(),
		logger: slog.Default(),
		health: Health{Healthy: true},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "webhook")
	return f
}

// Enabled reports whether a webhook URL is configured.
func (f *Forwarder) Enabled() bool { return f.url != "" }

// Health returns the current delivery health.
func (f *Forwarder) Health() Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

// Forward delivers one event. Network errors and 5xx responses are retried up
// to three times with 2s, 4s and 8s sleeps. It never returns an error; the
// outcome is reflected in Health.
func (f *Forwarder) Forward(ctx context.Context, event string, data map[string]any) {
	if !f.Enabled() {
		f.logger.Debug("webhook disabled, dropping event", "event", event)
		return
	}

	body, err := json.Marshal(Payload{
		Event:     event,
		Data:      data,
		Timestamp: f.clock.Now().UTC().Format(timestampLayout),
		Secret:    f.secret,
	})
	if err != nil {
		f.logger.Error("encoding webhook payload", "event", event, "error", err)
		f.giveUp(ctx, event, 0, err)
		return
	}
	deliveryID := uuid.New().String()

	var lastErr error
	attempts := 0
	for retry := 0; ; retry++ {
		attempts++
		retryable, err := f.post(ctx, deliveryID, body)
		if err == nil {
			f.markSuccess()
			f.logger.Debug("webhook delivered", "event", event, "delivery_id", deliveryID, "attempts", attempts)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			f.logger.Warn("webhook delivery abandoned", "event", event, "error", ctx.Err())
			return
		}

		if !retryable || retry >= backoff.WebhookMaxRetries {
			break
		}

		delay := backoff.Webhook(retry)
		f.logger.Warn("webhook delivery failed, retrying",
			"event", event,
			"delivery_id", deliveryID,
			"attempt", attempts,
			"retry_in", delay,
			"error", err)

		select {
		case <-ctx.Done():
			f.logger.Warn("webhook delivery abandoned", "event", event, "error", ctx.Err())
			return
		case <-f.clock.After(delay):
		}
	}

	f.logger.Error("webhook delivery gave up",
		"event", event,
		"delivery_id", deliveryID,
		"attempts", attempts,
		"error", lastErr)
	f.giveUp(ctx, event, attempts, lastErr)
}

// post performs a single delivery attempt. The bool reports whether a failure
// is worth retrying.
func (f *Forwarder) post(ctx context.Context, deliveryID string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "coven-agent")
	req.Header.Set(SecretHeader, f.secret)
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := f.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return false, nil
}

func (f *Forwarder) markSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.health.Healthy {
		f.logger.Info("webhook healthy again", "after_failures", f.health.ConsecutiveFailures)
	}
	f.health = Health{Healthy: true}
}

func (f *Forwarder) giveUp(ctx context.Context, event string, attempts int, cause error) {
	f.mu.Lock()
	f.health.ConsecutiveFailures++
	if f.health.Healthy && f.health.ConsecutiveFailures >= UnhealthyThreshold {
		f.health.Healthy = false
		f.logger.Error("webhook marked unhealthy", "consecutive_failures", f.health.ConsecutiveFailures)
	}
	f.mu.Unlock()

	if f.recorder == nil {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := f.recorder.RecordWebhookFailure(context.WithoutCancel(ctx), event, attempts, msg); err != nil {
		f.logger.Warn("recording webhook failure", "event", event, "error", err)
	}
}

// ABOUTME: Azure Service Bus broker driver; channels map to topics
// ABOUTME: Each topic is read through a subscription named after the agent

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/2389/coven-agent/internal/backoff"
)

const (
	receiveBatch    = 10
	settleTimeout   = 30 * time.Second
	eventProperty   = "event"
	deadLetterCause = "undecodable"
)

// ServiceBus is a Client reading topic subscriptions from Azure Service Bus.
type ServiceBus struct {
	cfg      Config
	logger   *slog.Logger
	client   *azservicebus.Client
	endpoint string

	mu        sync.Mutex
	subs      map[string]Listener
	receivers map[string]*azservicebus.Receiver
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	closed    bool
	wg        sync.WaitGroup
}

// NewServiceBus creates the client. The connection is opened lazily by the SDK.
func NewServiceBus(cfg Config) (*ServiceBus, error) {
	if cfg.ServiceBusConnectionString == "" {
		return nil, errors.New("servicebus connection string is required")
	}
	if cfg.Subscription == "" {
		return nil, errors.New("servicebus subscription name is required")
	}
	if cfg.RedialBase <= 0 {
		cfg.RedialBase = time.Second
	}
	client, err := azservicebus.NewClientFromConnectionString(cfg.ServiceBusConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("creating service bus client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceBus{
		cfg:       cfg,
		logger:    cfg.logger().With("component", "broker", "driver", DriverServiceBus),
		client:    client,
		endpoint:  serviceBusEndpoint(cfg.ServiceBusConnectionString),
		subs:      make(map[string]Listener),
		receivers: make(map[string]*azservicebus.Receiver),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (s *ServiceBus) Endpoint() string { return s.endpoint }

// Connect opens a receiver for every subscribed topic.
func (s *ServiceBus) Connect(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.connected {
		s.mu.Unlock()
		return errors.New("broker already connected")
	}
	channels := make([]string, 0, len(s.subs))
	for ch := range s.subs {
		channels = append(channels, ch)
	}
	s.connected = true
	s.mu.Unlock()

	for _, ch := range channels {
		if err := s.startReceiver(ch); err != nil {
			return err
		}
	}
	s.logger.Info("broker connected", "endpoint", s.endpoint, "subscription", s.cfg.Subscription)
	s.cfg.notify(true)
	return nil
}

// Subscribe registers fn for topic channel.
func (s *ServiceBus) Subscribe(channel string, fn Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	_, existed := s.subs[channel]
	s.subs[channel] = fn
	connected := s.connected
	s.mu.Unlock()

	if connected && !existed {
		return s.startReceiver(channel)
	}
	return nil
}

func (s *ServiceBus) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	s.mu.Lock()
	for ch, r := range s.receivers {
		if err := r.Close(ctx); err != nil {
			s.logger.Warn("closing receiver", "topic", ch, "error", err)
		}
	}
	s.mu.Unlock()
	s.cfg.notify(false)
	return s.client.Close(ctx)
}

func (s *ServiceBus) startReceiver(channel string) error {
	r, err := s.client.NewReceiverForSubscription(channel, s.cfg.Subscription, nil)
	if err != nil {
		return fmt.Errorf("creating receiver for %s: %w", channel, err)
	}
	s.mu.Lock()
	s.receivers[channel] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receive(channel, r)
	return nil
}

func (s *ServiceBus) receive(channel string, r *azservicebus.Receiver) {
	defer s.wg.Done()
	failures := 0
	for {
		msgs, err := r.ReceiveMessages(s.ctx, receiveBatch, nil)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if failures == 0 {
				s.cfg.notify(false)
			}
			delay := backoff.Exponential(s.cfg.RedialBase, failures, maxRedialDelay)
			failures++
			s.logger.Warn("receive failed", "topic", channel, "error", err, "retry_in", delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		if failures > 0 {
			failures = 0
			s.cfg.notify(true)
		}
		for _, m := range msgs {
			s.settle(channel, r, m)
		}
	}
}

// settle delivers m and then completes it, or dead-letters it when it cannot
// be decoded.
func (s *ServiceBus) settle(channel string, r *azservicebus.Receiver, m *azservicebus.ReceivedMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), settleTimeout)
	defer cancel()

	msg, err := decodeServiceBus(channel, m.Subject, m.ApplicationProperties, m.Body)
	if err != nil {
		s.logger.Warn("dead-lettering message", "topic", channel, "message_id", m.MessageID, "error", err)
		reason := deadLetterCause
		desc := err.Error()
		if dlErr := r.DeadLetterMessage(ctx, m, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &desc,
		}); dlErr != nil {
			s.logger.Error("dead-letter failed", "topic", channel, "error", dlErr)
		}
		return
	}

	s.mu.Lock()
	fn := s.subs[channel]
	s.mu.Unlock()
	if fn != nil {
		s.dispatch(fn, msg)
	}
	if err := r.CompleteMessage(ctx, m, nil); err != nil {
		s.logger.Error("complete failed", "topic", channel, "message_id", m.MessageID, "error", err)
	}
}

func (s *ServiceBus) dispatch(fn Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in broker listener", "topic", msg.Channel, "event", msg.Event, "panic", r)
		}
	}()
	fn(msg)
}

// decodeServiceBus turns a received message into a Message. The event name
// comes from the Subject, falling back to the "event" application property.
func decodeServiceBus(channel string, subject *string, props map[string]any, body []byte) (Message, error) {
	event := ""
	if subject != nil {
		event = *subject
	}
	if event == "" {
		if v, ok := props[eventProperty].(string); ok {
			event = v
		}
	}
	if event == "" {
		return Message{}, errors.New("message has no event name")
	}
	if !json.Valid(body) {
		return Message{}, errors.New("message body is not JSON")
	}
	return Message{Channel: channel, Event: event, Data: unwrapData(body)}, nil
}

// serviceBusEndpoint extracts the Endpoint part of a connection string so
// status output never carries the shared access key.
func serviceBusEndpoint(conn string) string {
	for _, part := range strings.Split(conn, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "Endpoint") {
			return strings.TrimSpace(v)
		}
	}
	return "servicebus"
}

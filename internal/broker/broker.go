// ABOUTME: Broker abstraction over the pub/sub channel that carries task dispatches
// ABOUTME: Drivers deliver decoded messages to per-channel listeners

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Driver names accepted by New.
const (
	DriverPusher     = "pusher"
	DriverServiceBus = "servicebus"
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("broker client closed")

// Message is one event received on a subscribed channel.
type Message struct {
	Channel string
	Event   string
	Data    json.RawMessage
}

// Listener receives messages for a channel. It is called from the driver's
// receive goroutine, so it must not block for long.
type Listener func(Message)

// Client is a connection to a publish/subscribe broker.
type Client interface {
	// Connect establishes the connection. Drivers keep reconnecting on their
	// own after the first successful Connect until Close.
	Connect(ctx context.Context) error
	// Subscribe registers fn for channel. Subscriptions made before Connect
	// are applied when the connection comes up.
	Subscribe(channel string, fn Listener) error
	// Endpoint describes where the client connects, for status output.
	Endpoint() string
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver string
	Host   string
	Port   int
	Key    string
	TLS    bool

	// ServiceBusConnectionString is used by the servicebus driver.
	ServiceBusConnectionString string
	// Subscription is the Service Bus subscription name, normally the agent id.
	Subscription string

	// RedialBase is the first redial delay. Zero means one second.
	RedialBase time.Duration
	// OnStateChange is called whenever the connection goes up or down.
	OnStateChange func(connected bool)
	Logger        *slog.Logger
}

// New builds the client for cfg.Driver. An empty driver means pusher.
func New(cfg Config) (Client, error) {
	switch cfg.Driver {
	case "", DriverPusher:
		return NewPusher(cfg), nil
	case DriverServiceBus:
		return NewServiceBus(cfg)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c Config) notify(connected bool) {
	if c.OnStateChange != nil {
		c.OnStateChange(connected)
	}
}

// ABOUTME: Pusher-protocol broker client over gorilla/websocket
// ABOUTME: Handles the connection handshake, channel subscriptions, pings and auto-redial

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-agent/internal/backoff"
)

const (
	pusherProtocol         = "7"
	pusherClientName       = "coven-agent"
	pusherClientVersion    = "1.0.0"
	defaultActivityTimeout = 120 * time.Second
	pongWait               = 30 * time.Second
	handshakeTimeout       = 10 * time.Second
	writeTimeout           = 10 * time.Second
	maxRedialDelay         = 30 * time.Second
)

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventSubscribe             = "pusher:subscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventError                 = "pusher:error"
)

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Pusher is a Client speaking the Pusher websocket protocol, as served by
// Pusher itself, Soketi or Laravel Reverb.
type Pusher struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	subs    map[string]Listener
	conn    *websocket.Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu  sync.Mutex
	lastRead atomic.Int64
}

// NewPusher creates an unconnected Pusher client.
func NewPusher(cfg Config) *Pusher {
	if cfg.RedialBase <= 0 {
		cfg.RedialBase = time.Second
	}
	return &Pusher{
		cfg:    cfg,
		logger: cfg.logger().With("component", "broker", "driver", DriverPusher),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		subs:   make(map[string]Listener),
	}
}

// Endpoint returns the websocket base URL without the application key.
func (p *Pusher) Endpoint() string {
	scheme := "ws"
	if p.cfg.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.cfg.Host, p.port())
}

func (p *Pusher) port() int {
	if p.cfg.Port > 0 {
		return p.cfg.Port
	}
	if p.cfg.TLS {
		return 443
	}
	return 80
}

func (p *Pusher) url() string {
	q := url.Values{}
	q.Set("protocol", pusherProtocol)
	q.Set("client", pusherClientName)
	q.Set("version", pusherClientVersion)
	return p.Endpoint() + "/app/" + url.PathEscape(p.cfg.Key) + "?" + q.Encode()
}

// Connect dials the server and starts the receive loop. A failed first dial
// is returned to the caller; later drops are redialed in the background.
func (p *Pusher) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return errors.New("broker already connected")
	}
	p.started = true
	p.mu.Unlock()

	conn, timeout, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.run(runCtx, conn, timeout)
	return nil
}

// Subscribe registers fn for channel, replacing any earlier listener.
func (p *Pusher) Subscribe(channel string, fn Listener) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.subs[channel] = fn
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return p.subscribe(conn, channel)
}

// Close stops redialing and closes the socket.
func (p *Pusher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn, cancel, done := p.conn, p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		p.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// dial opens a socket, completes the handshake and replays subscriptions.
func (p *Pusher) dial(ctx context.Context) (*websocket.Conn, time.Duration, error) {
	conn, _, err := p.dialer.DialContext(ctx, p.url(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dialing %s: %w", p.Endpoint(), err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("reading handshake: %w", err)
	}
	if f.Event == eventError {
		conn.Close()
		return nil, 0, fmt.Errorf("server rejected connection: %s", string(unwrapData(f.Data)))
	}
	if f.Event != eventConnectionEstablished {
		conn.Close()
		return nil, 0, fmt.Errorf("unexpected handshake event %q", f.Event)
	}

	var est struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	if err := json.Unmarshal(unwrapData(f.Data), &est); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("decoding handshake: %w", err)
	}
	timeout := time.Duration(est.ActivityTimeout) * time.Second
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout + pongWait))
	p.lastRead.Store(time.Now().UnixNano())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, 0, ErrClosed
	}
	p.conn = conn
	channels := make([]string, 0, len(p.subs))
	for ch := range p.subs {
		channels = append(channels, ch)
	}
	p.mu.Unlock()

	for _, ch := range channels {
		if err := p.subscribe(conn, ch); err != nil {
			p.dropConn(conn)
			return nil, 0, err
		}
	}

	p.logger.Info("broker connected",
		"endpoint", p.Endpoint(),
		"socket_id", est.SocketID,
		"activity_timeout", timeout)
	p.cfg.notify(true)
	return conn, timeout, nil
}

func (p *Pusher) run(ctx context.Context, conn *websocket.Conn, timeout time.Duration) {
	defer close(p.done)
	for {
		err := p.serve(ctx, conn, timeout)
		p.dropConn(conn)
		p.cfg.notify(false)
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("broker connection lost", "error", err)

		conn, timeout = p.redial(ctx)
		if conn == nil {
			return
		}
	}
}

func (p *Pusher) redial(ctx context.Context) (*websocket.Conn, time.Duration) {
	for attempt := 0; ; attempt++ {
		delay := backoff.Exponential(p.cfg.RedialBase, attempt, maxRedialDelay)
		select {
		case <-ctx.Done():
			return nil, 0
		case <-time.After(delay):
		}
		conn, timeout, err := p.dial(ctx)
		if err == nil {
			return conn, timeout
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return nil, 0
		}
		p.logger.Warn("broker redial failed", "attempt", attempt+1, "error", err)
	}
}

// serve reads frames until the socket fails.
func (p *Pusher) serve(ctx context.Context, conn *websocket.Conn, timeout time.Duration) error {
	stop := make(chan struct{})
	defer close(stop)
	go p.keepAlive(conn, timeout, stop)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		p.lastRead.Store(time.Now().UnixNano())
		_ = conn.SetReadDeadline(time.Now().Add(timeout + pongWait))

		switch f.Event {
		case eventPing:
			if err := p.write(conn, frame{Event: eventPong, Data: json.RawMessage(`{}`)}); err != nil {
				return err
			}
		case eventPong:
		case eventSubscriptionSucceeded:
			p.logger.Debug("subscribed", "channel", f.Channel)
		case eventError:
			p.logger.Warn("broker error frame", "data", string(unwrapData(f.Data)))
		default:
			if strings.HasPrefix(f.Event, "pusher:") || strings.HasPrefix(f.Event, "pusher_internal:") {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.deliver(Message{Channel: f.Channel, Event: f.Event, Data: unwrapData(f.Data)})
		}
	}
}

func (p *Pusher) deliver(msg Message) {
	p.mu.Lock()
	fn := p.subs[msg.Channel]
	p.mu.Unlock()
	if fn == nil {
		p.logger.Debug("message on unsubscribed channel", "channel", msg.Channel, "event", msg.Event)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in broker listener", "channel", msg.Channel, "event", msg.Event, "panic", r)
		}
	}()
	fn(msg)
}

// keepAlive sends a client ping whenever the socket has been quiet for the
// server's activity timeout.
func (p *Pusher) keepAlive(conn *websocket.Conn, timeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, p.lastRead.Load()))
			if idle < timeout {
				continue
			}
			if err := p.write(conn, frame{Event: eventPing, Data: json.RawMessage(`{}`)}); err != nil {
				p.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (p *Pusher) subscribe(conn *websocket.Conn, channel string) error {
	data, err := json.Marshal(map[string]string{"channel": channel})
	if err != nil {
		return err
	}
	if err := p.write(conn, frame{Event: eventSubscribe, Data: data}); err != nil {
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	return nil
}

func (p *Pusher) write(conn *websocket.Conn, f frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (p *Pusher) dropConn(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close()
}

// unwrapData returns the JSON carried by a frame's data field. Pusher servers
// usually send data as a string holding JSON.
func unwrapData(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return trimmed
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return trimmed
}

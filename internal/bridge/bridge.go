// ABOUTME: AgentBridge receives task dispatches from the broker and runs them
// ABOUTME: Tracks active tasks and bounded history, and reports each result to the backend

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/2389/coven-agent/internal/broker"
	"github.com/2389/coven-agent/internal/clock"
	"github.com/2389/coven-agent/internal/dedupe"
	"github.com/2389/coven-agent/internal/pool"
	"github.com/2389/coven-agent/internal/session"
	"github.com/2389/coven-agent/internal/store"
	"github.com/2389/coven-agent/internal/task"
	"github.com/2389/coven-agent/internal/webhook"
)

// Broker channel and event names.
const (
	TaskChannel   = "agent-tasks"
	EventDispatch = "task.dispatch"
	EventCancel   = "task.cancel"
)

// StatusHistoryLen is the number of history entries included in Status.
const StatusHistoryLen = 10

var (
	// ErrAlreadyConnected is returned by Connect on a connected bridge.
	ErrAlreadyConnected = errors.New("bridge already connected")
	// ErrNotConnected is returned by Disconnect on a bridge that never connected.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrClosed is returned by Connect after Disconnect; a bridge is single-use.
	ErrClosed = errors.New("bridge closed")
)

// Executor runs tasks by type.
type Executor interface {
	Has(taskType string) bool
	RegisteredTypes() []string
	Execute(ctx context.Context, taskType string, payload map[string]any) task.Result
}

// Sessions is the session manager as seen by the bridge.
type Sessions interface {
	ListAccounts() []session.AccountInfo
	Shutdown(ctx context.Context)
}

// HealthReporter exposes webhook delivery health.
type HealthReporter interface {
	Health() webhook.Health
}

// AuditRecorder persists reported results.
type AuditRecorder interface {
	RecordTaskResult(ctx context.Context, rec store.TaskRecord) error
}

// Config wires a Bridge. Broker and Registry are required.
type Config struct {
	AgentID    string
	BackendURL string

	Broker   broker.Client
	Registry Executor
	Sessions Sessions
	Webhook  HealthReporter
	Audit    AuditRecorder

	Workers   int
	QueueSize int

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Status is the read-only snapshot served to dashboards.
type Status struct {
	Connected              bool                  `json:"connected"`
	AgentID                string                `json:"agent_id"`
	BrokerEndpoint         string                `json:"broker_endpoint"`
	RegisteredHandlerTypes []string              `json:"registered_handler_types"`
	ActiveTasks            []task.Active         `json:"active_tasks"`
	RecentHistory          []task.Active         `json:"recent_history"`
	Webhook                *webhook.Health       `json:"webhook,omitempty"`
	Accounts               []session.AccountInfo `json:"accounts,omitempty"`
}

// Bridge connects the broker to the handler registry.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	client *http.Client
	pool   *pool.Pool
	seen   *dedupe.Cache
	events *broadcaster

	mu        sync.Mutex
	hist      *history
	started   bool
	closed    bool
	connected bool
	active    map[string]*task.Active

	inflight sync.WaitGroup
}

// New creates a Bridge and starts its worker pool.
func New(cfg Config) *Bridge {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultReportTimeout}
	}
	logger := cfg.Logger.With("component", "bridge")
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		clock:  cfg.Clock,
		client: client,
		pool:   pool.New(cfg.Workers, cfg.QueueSize, cfg.Logger),
		seen:   dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize, cfg.Clock),
		events: newBroadcaster(logger),
		hist:   newHistory(HistoryLimit),
		active: make(map[string]*task.Active),
	}
}

// Connect subscribes to the task channel and opens the broker connection.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	b.started = true
	b.mu.Unlock()

	if err := b.cfg.Broker.Subscribe(TaskChannel, b.onMessage); err != nil {
		b.setStarted(false)
		return fmt.Errorf("subscribing to %s: %w", TaskChannel, err)
	}
	if err := b.cfg.Broker.Connect(ctx); err != nil {
		b.setStarted(false)
		return fmt.Errorf("connecting broker: %w", err)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.logger.Info("bridge connected",
		"agent_id", b.cfg.AgentID,
		"endpoint", b.cfg.Broker.Endpoint(),
		"handlers", b.cfg.Registry.RegisteredTypes())
	return nil
}

func (b *Bridge) setStarted(v bool) {
	b.mu.Lock()
	b.started = v
	b.mu.Unlock()
}

// OnBrokerState records a connection change reported by the broker driver.
func (b *Bridge) OnBrokerState(connected bool) {
	b.mu.Lock()
	changed := b.started && b.connected != connected
	if b.started {
		b.connected = connected
	}
	b.mu.Unlock()
	if !changed {
		return
	}
	if connected {
		b.logger.Info("broker connection restored")
	} else {
		b.logger.Warn("broker connection lost")
	}
}

// Disconnect logs out every account, closes the broker and waits for
// running tasks to finish or ctx to expire.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.started = false
	b.closed = true
	b.mu.Unlock()

	if b.cfg.Sessions != nil {
		b.cfg.Sessions.Shutdown(ctx)
	}
	if err := b.cfg.Broker.Close(); err != nil {
		b.logger.Warn("closing broker", "error", err)
	}
	if err := b.pool.Stop(ctx); err != nil {
		b.logger.Warn("tasks still running at shutdown", "error", err)
	}
	b.inflight.Wait()

	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.events.close()
	b.logger.Info("bridge disconnected")
	return nil
}

// Subscribe returns a channel of task lifecycle events, closed when ctx is
// cancelled or the bridge disconnects.
func (b *Bridge) Subscribe(ctx context.Context) (<-chan TaskEvent, string) {
	return b.events.subscribe(ctx)
}

func (b *Bridge) onMessage(m broker.Message) {
	switch m.Event {
	case EventDispatch:
		var d task.Dispatch
		if err := json.Unmarshal(m.Data, &d); err != nil {
			b.logger.Warn("dropping undecodable dispatch", "error", err)
			return
		}
		b.onDispatch(d)
	case EventCancel:
		var c struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(m.Data, &c); err != nil {
			b.logger.Warn("dropping undecodable cancel", "error", err)
			return
		}
		b.onCancel(c.TaskID)
	default:
		b.logger.Debug("ignoring broker event", "event", m.Event)
	}
}

func (b *Bridge) onDispatch(d task.Dispatch) {
	if d.TaskID == "" {
		b.logger.Warn("dropping dispatch without task_id", "type", d.Type)
		return
	}

	b.mu.Lock()
	_, running := b.active[d.TaskID]
	if running || b.seen.CheckAndMark(d.TaskID) {
		b.mu.Unlock()
		b.logger.Info("dropping redelivered dispatch", "task_id", d.TaskID, "type", d.Type)
		return
	}

	if !b.cfg.Registry.Has(d.Type) {
		b.mu.Unlock()
		b.logger.Warn("no handler for task type", "task_id", d.TaskID, "type", d.Type)
		res := task.Failure(task.NoHandlerMessage(d.Type), b.clock.Now())
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			_, _ = b.reportResult(context.Background(), d, res)
		}()
		return
	}

	a := &task.Active{
		TaskID:    d.TaskID,
		Type:      d.Type,
		Status:    task.StatusProcessing,
		StartedAt: b.clock.Now(),
	}
	b.active[d.TaskID] = a
	snap := *a
	b.mu.Unlock()

	b.logger.Info("task started", "task_id", d.TaskID, "type", d.Type)
	b.events.publish(TaskEvent{Kind: TaskStarted, Task: snap, At: snap.StartedAt})

	err := b.pool.Submit(func(ctx context.Context) {
		b.finish(ctx, d, b.cfg.Registry.Execute(ctx, d.Type, d.Payload))
	})
	if err != nil {
		b.logger.Error("task rejected", "task_id", d.TaskID, "error", err)
		res := task.Failure(err.Error(), b.clock.Now())
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			b.finish(context.Background(), d, res)
		}()
	}
}

// finish records res on the active task, notifies observers and reports the
// result. The task moves to history whatever the report outcome.
func (b *Bridge) finish(ctx context.Context, d task.Dispatch, res task.Result) {
	defer b.archive(d.TaskID)

	b.mu.Lock()
	a, ok := b.active[d.TaskID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if res.Success {
		a.Status = task.StatusCompleted
	} else {
		a.Status = task.StatusFailed
	}
	completed := res.CompletedAt
	a.CompletedAt = &completed
	a.Result = &res
	snap := *a
	b.mu.Unlock()

	b.logger.Info("task finished",
		"task_id", d.TaskID,
		"type", d.Type,
		"status", snap.Status,
		"duration", res.CompletedAt.Sub(res.StartedAt))
	b.events.publish(TaskEvent{Kind: TaskCompleted, Task: snap, At: completed})

	_, _ = b.reportResult(ctx, d, res)
}

func (b *Bridge) archive(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.active[taskID]; ok {
		delete(b.active, taskID)
		b.hist.add(*a)
	}
}

// onCancel only logs. Running handlers are not interrupted.
func (b *Bridge) onCancel(taskID string) {
	b.mu.Lock()
	a, ok := b.active[taskID]
	var typ string
	if ok {
		typ = a.Type
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Info("cancel requested for unknown task", "task_id", taskID)
		return
	}
	b.logger.Warn("cancel requested; task keeps running", "task_id", taskID, "type", typ)
}

// Status returns a snapshot of the bridge state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	st := Status{
		Connected:   b.connected,
		AgentID:     b.cfg.AgentID,
		ActiveTasks: make([]task.Active, 0, len(b.active)),
	}
	for _, a := range b.active {
		st.ActiveTasks = append(st.ActiveTasks, *a)
	}
	st.RecentHistory = b.hist.last(StatusHistoryLen)
	b.mu.Unlock()

	sort.Slice(st.ActiveTasks, func(i, j int) bool {
		if st.ActiveTasks[i].StartedAt.Equal(st.ActiveTasks[j].StartedAt) {
			return st.ActiveTasks[i].TaskID < st.ActiveTasks[j].TaskID
		}
		return st.ActiveTasks[i].StartedAt.Before(st.ActiveTasks[j].StartedAt)
	})
	st.BrokerEndpoint = b.cfg.Broker.Endpoint()
	st.RegisteredHandlerTypes = b.cfg.Registry.RegisteredTypes()
	if b.cfg.Webhook != nil {
		h := b.cfg.Webhook.Health()
		st.Webhook = &h
	}
	if b.cfg.Sessions != nil {
		st.Accounts = b.cfg.Sessions.ListAccounts()
	}
	return st
}

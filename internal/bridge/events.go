// ABOUTME: In-memory fan-out of task lifecycle notifications to observers
// ABOUTME: Slow subscribers lose events rather than stall task execution

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-agent/internal/task"
)

const subscriberBufferSize = 64

// TaskEventKind names a lifecycle transition.
type TaskEventKind string

const (
	TaskStarted   TaskEventKind = "task.started"
	TaskCompleted TaskEventKind = "task.completed"
)

// TaskEvent is a snapshot of a task taken at a lifecycle transition.
type TaskEvent struct {
	Kind TaskEventKind `json:"kind"`
	Task task.Active   `json:"task"`
	At   time.Time     `json:"at"`
}

// broadcaster delivers TaskEvents to every subscriber.
type broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]chan TaskEvent
	closed bool
	logger *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subs:   make(map[string]chan TaskEvent),
		logger: logger,
	}
}

// subscribe registers a subscriber that is removed when ctx is cancelled.
func (b *broadcaster) subscribe(ctx context.Context) (<-chan TaskEvent, string) {
	id := uuid.New().String()
	ch := make(chan TaskEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, id
	}
	b.subs[id] = ch
	b.mu.Unlock()
	b.logger.Debug("observer added", "sub_id", id)

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch, id
}

func (b *broadcaster) publish(ev TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped task event for slow observer",
				"sub_id", id,
				"task_id", ev.Task.TaskID,
				"kind", ev.Kind)
		}
	}
}

func (b *broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.closed = true
}

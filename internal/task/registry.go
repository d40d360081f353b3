// ABOUTME: Maps task types to handlers and runs them with uniform timing and error wrapping
// ABOUTME: Converts handler errors and panics into failed results

package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-agent/internal/clock"
)

// Registry holds handlers keyed by their type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	clock    clock.Clock
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil for the real clock and default logger.
func NewRegistry(c clock.Clock, logger *slog.Logger) *Registry {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		clock:    c,
		logger:   logger.With("component", "registry"),
	}
}

// Register stores h under h.Type(). A later registration for the same type wins.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		r.logger.Warn("replacing task handler", "type", h.Type())
	}
	r.handlers[h.Type()] = h
	r.logger.Debug("task handler registered", "type", h.Type())
}

// Has reports whether a handler exists for taskType.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskType]
	return ok
}

// RegisteredTypes returns the registered task types in sorted order.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Lookup returns the handler for taskType, or an error wrapping
// ErrNoHandler.
func (r *Registry) Lookup(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, noHandlerError{taskType: taskType}
	}
	return h, nil
}

// Execute runs the handler for taskType. It always returns a Result with
// StartedAt and CompletedAt set, whatever the handler does.
func (r *Registry) Execute(ctx context.Context, taskType string, payload map[string]any) Result {
	started := r.clock.Now()

	h, err := r.Lookup(taskType)
	if err != nil {
		return Failure(err.Error(), started)
	}

	data, err := r.run(ctx, h, payload)

	res := Result{
		Success:     err == nil,
		Data:        data,
		StartedAt:   started,
		CompletedAt: r.clock.Now(),
	}
	if err != nil {
		res.Error = err.Error()
		r.logger.Warn("task handler failed", "type", taskType, "error", err)
	}
	return res
}

func (r *Registry) run(ctx context.Context, h Handler, payload map[string]any) (data map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task handler panicked", "type", h.Type(), "panic", p)
			data = nil
			if e, ok := p.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", p)
		}
	}()
	if payload == nil {
		payload = map[string]any{}
	}
	return h.Execute(ctx, payload)
}

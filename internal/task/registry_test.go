// ABOUTME: Tests for the task handler registry
// ABOUTME: Covers registration, unknown types, error and panic wrapping

package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-agent/internal/clock"
)

type funcHandler struct {
	typ string
	fn  func(ctx context.Context, payload map[string]any) (map[string]any, error)
}

func (h funcHandler) Type() string { return h.typ }
func (h funcHandler) Execute(ctx context.Context, p map[string]any) (map[string]any, error) {
	return h.fn(ctx, p)
}

func TestRegistry_UnknownType(t *testing.T) {
	r := NewRegistry(nil, nil)

	res := r.Execute(t.Context(), "unknown_type", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "No handler registered for task type: unknown_type", res.Error)
	assert.WithinDuration(t, res.StartedAt, res.CompletedAt, time.Millisecond)

	_, err := r.Lookup("unknown_type")
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.EqualError(t, err, res.Error)
}

func TestRegistry_SuccessStampsTimes(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	r := NewRegistry(clk, nil)
	r.Register(funcHandler{typ: "echo", fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
		clk.Advance(3 * time.Second)
		return map[string]any{"echo": p["v"]}, nil
	}})

	res := r.Execute(t.Context(), "echo", map[string]any{"v": 7})
	require.True(t, res.Success)
	assert.Equal(t, 7, res.Data["echo"])
	assert.Equal(t, 3*time.Second, res.CompletedAt.Sub(res.StartedAt))
}

func TestRegistry_HandlerErrorBecomesFailure(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(funcHandler{typ: "boom", fn: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}})

	res := r.Execute(t.Context(), "boom", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
	assert.False(t, res.CompletedAt.IsZero())
}

func TestRegistry_PanicBecomesFailure(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(funcHandler{typ: "panic", fn: func(context.Context, map[string]any) (map[string]any, error) {
		panic("boom")
	}})

	res := r.Execute(t.Context(), "panic", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
}

func TestRegistry_ValidationErrorKeepsMessage(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(funcHandler{typ: "v", fn: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, Invalid("accountId", "is required")
	}})

	res := r.Execute(t.Context(), "v", nil)
	assert.Equal(t, "accountId: is required", res.Error)
}

func TestRegistry_DataKeptOnFailure(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(funcHandler{typ: "partial", fn: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"failed_count": 1}, errors.New("1 of 2 failed")
	}})

	res := r.Execute(t.Context(), "partial", nil)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Data["failed_count"])
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(funcHandler{typ: "x", fn: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"v": 1}, nil
	}})
	r.Register(funcHandler{typ: "x", fn: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"v": 2}, nil
	}})
	r.Register(funcHandler{typ: "a", fn: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }})

	assert.True(t, r.Has("x"))
	assert.False(t, r.Has("y"))
	assert.Equal(t, []string{"a", "x"}, r.RegisteredTypes())
	assert.Equal(t, 2, r.Execute(t.Context(), "x", nil).Data["v"])
}

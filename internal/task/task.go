// ABOUTME: Task dispatch, result and lifecycle types shared by the bridge and handlers
// ABOUTME: Includes the validation error type handlers use for missing parameters

package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoHandler is wrapped by lookups of unregistered task types.
var ErrNoHandler = errors.New("no handler registered")

type noHandlerError struct{ taskType string }

func (e noHandlerError) Error() string { return NoHandlerMessage(e.taskType) }
func (e noHandlerError) Unwrap() error { return ErrNoHandler }

// Status is the lifecycle state of an accepted task.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Dispatch is one unit of delegated work received from the broker.
type Dispatch struct {
	TaskID      string         `json:"task_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	CallbackURL string         `json:"callback_url,omitempty"`
	CompanyID   *int           `json:"company_id,omitempty"`
}

// Result is the outcome of running a task.
type Result struct {
	Success     bool           `json:"success"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Active tracks a task from acceptance until it is moved to history.
type Active struct {
	TaskID      string     `json:"task_id"`
	Type        string     `json:"type"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

// Handler executes one task type. A returned error becomes a failed Result;
// data returned alongside an error is kept on that Result.
type Handler interface {
	Type() string
	Execute(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// ValidationError reports a missing or malformed handler parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid returns a ValidationError for field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Failure builds a failed Result stamped with the same start and end time.
func Failure(msg string, at time.Time) Result {
	return Result{Success: false, Error: msg, StartedAt: at, CompletedAt: at}
}

// NoHandlerMessage is the failure text for an unregistered task type.
func NoHandlerMessage(taskType string) string {
	return "No handler registered for task type: " + taskType
}

// ABOUTME: Audit ledger records for reported task results and abandoned webhook deliveries
// ABOUTME: Rows are append-only and read back only for status queries

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultListLimit is used when a list call passes a non-positive limit.
const DefaultListLimit = 50

// MaxListLimit caps list calls.
const MaxListLimit = 500

// TaskRecord is one reported task result.
type TaskRecord struct {
	TaskID         string    `json:"task_id"`
	Type           string    `json:"type"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	CallbackStatus int       `json:"callback_status"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// WebhookFailure is one webhook delivery the forwarder gave up on.
type WebhookFailure struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	RecordedAt time.Time `json:"recorded_at"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

// RecordTaskResult appends rec. RecordedAt is set to now when zero.
func (s *SQLiteStore) RecordTaskResult(ctx context.Context, rec TaskRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results
			(task_id, type, success, error, started_at, completed_at, callback_status, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID,
		rec.Type,
		success,
		rec.Error,
		formatTime(rec.StartedAt),
		formatTime(rec.CompletedAt),
		rec.CallbackStatus,
		formatTime(rec.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task result: %w", err)
	}
	return nil
}

// RecentTaskResults returns up to limit records, newest first.
func (s *SQLiteStore) RecentTaskResults(ctx context.Context, limit int) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, type, success, error, started_at, completed_at, callback_status, recorded_at
		FROM task_results
		ORDER BY id DESC
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying task results: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			rec                          TaskRecord
			success                      int
			started, completed, recorded string
		)
		if err := rows.Scan(&rec.TaskID, &rec.Type, &success, &rec.Error,
			&started, &completed, &rec.CallbackStatus, &recorded); err != nil {
			return nil, fmt.Errorf("scanning task result: %w", err)
		}
		rec.Success = success == 1
		if rec.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if rec.CompletedAt, err = parseTime(completed); err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		if rec.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordWebhookFailure appends a give-up record for event.
func (s *SQLiteStore) RecordWebhookFailure(ctx context.Context, event string, attempts int, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_failures (id, event, attempts, last_error, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), event, attempts, lastErr, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("inserting webhook failure: %w", err)
	}
	return nil
}

// RecentWebhookFailures returns up to limit failures, newest first.
func (s *SQLiteStore) RecentWebhookFailures(ctx context.Context, limit int) ([]WebhookFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event, attempts, last_error, recorded_at
		FROM webhook_failures
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying webhook failures: %w", err)
	}
	defer rows.Close()

	var out []WebhookFailure
	for rows.Next() {
		var f WebhookFailure
		var recorded string
		if err := rows.Scan(&f.ID, &f.Event, &f.Attempts, &f.LastError, &recorded); err != nil {
			return nil, fmt.Errorf("scanning webhook failure: %w", err)
		}
		if f.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

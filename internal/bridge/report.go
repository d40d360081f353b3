// ABOUTME: Reports task results to the backend callback URL
// ABOUTME: One attempt per result; failures are logged and recorded, never retried

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-agent/internal/store"
	"github.com/2389/coven-agent/internal/task"
)

// DefaultCallbackPath is appended to the backend base URL when a dispatch
// carries no callback_url.
const DefaultCallbackPath = "/agent/task-result"

const defaultReportTimeout = 30 * time.Second

type resultReport struct {
	TaskID    string      `json:"task_id"`
	AgentID   string      `json:"agent_id"`
	CompanyID *int        `json:"company_id,omitempty"`
	Result    task.Result `json:"result"`
}

func (b *Bridge) callbackURL(d task.Dispatch) string {
	if d.CallbackURL != "" {
		return d.CallbackURL
	}
	return strings.TrimSuffix(b.cfg.BackendURL, "/") + DefaultCallbackPath
}

// reportResult posts res for d and writes the audit record. It returns the
// HTTP status (0 when no response arrived) and any delivery error.
func (b *Bridge) reportResult(ctx context.Context, d task.Dispatch, res task.Result) (int, error) {
	status, err := b.post(ctx, d, res)
	if err != nil {
		b.logger.Error("failed to report task result",
			"task_id", d.TaskID,
			"type", d.Type,
			"status", status,
			"error", err)
	} else {
		b.logger.Debug("task result reported", "task_id", d.TaskID, "status", status)
	}

	if b.cfg.Audit != nil {
		rec := store.TaskRecord{
			TaskID:         d.TaskID,
			Type:           d.Type,
			Success:        res.Success,
			Error:          res.Error,
			StartedAt:      res.StartedAt,
			CompletedAt:    res.CompletedAt,
			CallbackStatus: status,
		}
		if aerr := b.cfg.Audit.RecordTaskResult(ctx, rec); aerr != nil {
			b.logger.Warn("failed to record task result", "task_id", d.TaskID, "error", aerr)
		}
	}
	return status, err
}

func (b *Bridge) post(ctx context.Context, d task.Dispatch, res task.Result) (int, error) {
	body, err := json.Marshal(resultReport{
		TaskID:    d.TaskID,
		AgentID:   b.cfg.AgentID,
		CompanyID: d.CompanyID,
		Result:    res,
	})
	if err != nil {
		return 0, fmt.Errorf("marshaling result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.callbackURL(d), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", b.cfg.AgentID)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

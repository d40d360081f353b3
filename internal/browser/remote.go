// ABOUTME: Browser execution capability used by posting handlers
// ABOUTME: Remote delegates each post to a browser automation service over HTTP

package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Post is one piece of content to publish into a group.
type Post struct {
	Platform  string   `json:"platform"`
	GroupID   string   `json:"group_id"`
	GroupName string   `json:"group_name,omitempty"`
	Content   string   `json:"content"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// Poster publishes content into a group through a driven browser session.
type Poster interface {
	PostToGroup(ctx context.Context, post Post) error
}

type postResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Remote talks to a browser automation service.
type Remote struct {
	baseURL string
	client  *http.Client
}

// NewRemote creates a client for the service at baseURL.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// PostToGroup asks the service to publish post and waits for the outcome.
func (r *Remote) PostToGroup(ctx context.Context, post Post) error {
	body, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("marshaling post: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/posts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var out postResponse
	decodeErr := json.Unmarshal(respBody, &out)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && out.Error != "" {
			return fmt.Errorf("browser service error (%d): %s", resp.StatusCode, out.Error)
		}
		return fmt.Errorf("browser service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding response: %w", decodeErr)
	}
	if !out.Success {
		if out.Error == "" {
			return fmt.Errorf("post to %s was not published", post.GroupID)
		}
		return errors.New(out.Error)
	}
	return nil
}

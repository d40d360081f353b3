// ABOUTME: Tests for the post_to_groups handler
// ABOUTME: Uses a recording poster and a fake clock to drive inter-post delays

package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-agent/internal/browser"
	"github.com/2389/coven-agent/internal/clock"
	"github.com/2389/coven-agent/internal/task"
)

type recordingPoster struct {
	mu    sync.Mutex
	posts []browser.Post
	fail  map[string]error
}

func (p *recordingPoster) PostToGroup(_ context.Context, post browser.Post) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, post)
	return p.fail[post.GroupID]
}

func (p *recordingPoster) groupIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.posts))
	for i, post := range p.posts {
		ids[i] = post.GroupID
	}
	return ids
}

func groupsPayload(ids ...string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"id": id, "name": "Group " + id}
	}
	return out
}

func TestGroupPoster_PostsAllGroupsInOrder(t *testing.T) {
	poster := &recordingPoster{}
	h := NewGroupPoster(poster, clock.NewFake(time.Unix(0, 0)), nil)

	data, err := h.Execute(context.Background(), map[string]any{
		"platform":   "facebook",
		"groups":     groupsPayload("g1", "g2", "g3"),
		"content":    "hello",
		"media_urls": []any{"https://cdn.example/a.png"},
		"delay_min":  float64(0),
		"delay_max":  float64(0),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"g1", "g2", "g3"}, poster.groupIDs())
	assert.Equal(t, 3, data["total"])
	assert.Equal(t, 3, data["success_count"])
	assert.Equal(t, 0, data["failed_count"])

	results := data["results"].(map[string]any)
	assert.Equal(t, map[string]any{"success": true}, results["g2"])

	first := poster.posts[0]
	assert.Equal(t, "facebook", first.Platform)
	assert.Equal(t, "Group g1", first.GroupName)
	assert.Equal(t, []string{"https://cdn.example/a.png"}, first.MediaURLs)
}

func TestGroupPoster_PartialFailureKeepsData(t *testing.T) {
	poster := &recordingPoster{fail: map[string]error{"g2": errors.New("composer not found")}}
	h := NewGroupPoster(poster, clock.NewFake(time.Unix(0, 0)), nil)

	data, err := h.Execute(context.Background(), map[string]any{
		"groups":    groupsPayload("g1", "g2", "g3"),
		"content":   "hello",
		"delay_min": 0,
		"delay_max": 0,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 group posts failed")

	require.NotNil(t, data)
	assert.Equal(t, 2, data["success_count"])
	assert.Equal(t, 1, data["failed_count"])
	results := data["results"].(map[string]any)
	assert.Equal(t, map[string]any{"success": false, "error": "composer not found"}, results["g2"])
}

func TestGroupPoster_WaitsBetweenPosts(t *testing.T) {
	poster := &recordingPoster{}
	clk := clock.NewFake(time.Unix(0, 0))
	h := NewGroupPoster(poster, clk, nil)
	h.jitter = func(int64) int64 { return 0 }

	done := make(chan error, 1)
	go func() {
		_, err := h.Execute(context.Background(), map[string]any{
			"groups":    groupsPayload("g1", "g2"),
			"content":   "hello",
			"delay_min": 10,
			"delay_max": 20,
		})
		done <- err
	}()

	clk.WaitFor(1)
	assert.Equal(t, []string{"g1"}, poster.groupIDs())

	clk.Advance(10 * time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"g1", "g2"}, poster.groupIDs())
}

func TestGroupPoster_CancelMarksRemainingFailed(t *testing.T) {
	poster := &recordingPoster{}
	clk := clock.NewFake(time.Unix(0, 0))
	h := NewGroupPoster(poster, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		data map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := h.Execute(ctx, map[string]any{
			"groups":  groupsPayload("g1", "g2", "g3"),
			"content": "hello",
		})
		done <- outcome{data, err}
	}()

	clk.WaitFor(1)
	cancel()
	out := <-done

	require.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, 1, out.data["success_count"])
	assert.Equal(t, 2, out.data["failed_count"])
	assert.Equal(t, []string{"g1"}, poster.groupIDs())
}

func TestGroupPoster_Validation(t *testing.T) {
	h := NewGroupPoster(&recordingPoster{}, clock.NewFake(time.Unix(0, 0)), nil)

	tests := []struct {
		name    string
		payload map[string]any
		field   string
	}{
		{"no groups", map[string]any{"content": "x"}, "groups"},
		{"groups without ids", map[string]any{"content": "x", "groups": []any{map[string]any{"name": "n"}}}, "groups"},
		{"no content", map[string]any{"groups": groupsPayload("g1")}, "content"},
		{"bad delay", map[string]any{"groups": groupsPayload("g1"), "content": "x", "delay_min": "soon"}, "delay_min"},
		{"duplicate group ids", map[string]any{"groups": groupsPayload("g1", "g2", "g1"), "content": "x"}, "groups"},
		{"delay_min too large", map[string]any{"groups": groupsPayload("g1"), "content": "x", "delay_min": 1e12, "delay_max": 1e12}, "delay_min"},
		{"delay_max too large", map[string]any{"groups": groupsPayload("g1"), "content": "x", "delay_max": float64(maxDelaySeconds + 1)}, "delay_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Execute(context.Background(), tt.payload)
			var verr *task.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestGroupPoster_DelayRange(t *testing.T) {
	h := NewGroupPoster(&recordingPoster{}, nil, nil)
	for range 50 {
		d := h.delay(1, 2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
	assert.Equal(t, 3*time.Second, h.delay(3, 3))
}

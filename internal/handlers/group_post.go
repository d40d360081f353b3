// ABOUTME: Task handler that publishes content into a list of groups one at a time
// ABOUTME: Sleeps a random delay between posts and aggregates per-group outcomes

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/2389/coven-agent/internal/browser"
	"github.com/2389/coven-agent/internal/clock"
	"github.com/2389/coven-agent/internal/task"
)

// TypePostToGroups is the task type handled by GroupPoster.
const TypePostToGroups = "post_to_groups"

const (
	defaultDelayMin = 30
	defaultDelayMax = 120
	// Upper bound for delay_min and delay_max, in seconds.
	maxDelaySeconds = 24 * 60 * 60
)

// GroupPoster posts sequentially so the platform never sees a burst.
type GroupPoster struct {
	poster browser.Poster
	clock  clock.Clock
	jitter func(n int64) int64
	logger *slog.Logger
}

// NewGroupPoster creates the handler. Pass nil clock or logger for defaults.
func NewGroupPoster(poster browser.Poster, c clock.Clock, logger *slog.Logger) *GroupPoster {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupPoster{
		poster: poster,
		clock:  c,
		jitter: rand.Int64N,
		logger: logger.With("component", "group_poster"),
	}
}

func (g *GroupPoster) Type() string { return TypePostToGroups }

type groupTarget struct {
	id   string
	name string
}

func (g *GroupPoster) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	p := params(payload)

	var groups []groupTarget
	ids := make(map[string]bool)
	for _, obj := range p.objects("groups") {
		id := obj.str("id")
		if id == "" {
			continue
		}
		if ids[id] {
			return nil, task.Invalid("groups", fmt.Sprintf("duplicate group id %q", id))
		}
		ids[id] = true
		groups = append(groups, groupTarget{id: id, name: obj.str("name")})
	}
	if len(groups) == 0 {
		return nil, task.Invalid("groups", "at least one group with an id is required")
	}
	if err := p.require("content"); err != nil {
		return nil, err
	}
	minDelay, err := p.number("delay_min", defaultDelayMin)
	if err != nil {
		return nil, err
	}
	maxDelay, err := p.number("delay_max", defaultDelayMax)
	if err != nil {
		return nil, err
	}
	if minDelay > maxDelaySeconds {
		return nil, task.Invalid("delay_min", fmt.Sprintf("must be at most %d seconds", maxDelaySeconds))
	}
	if maxDelay > maxDelaySeconds {
		return nil, task.Invalid("delay_max", fmt.Sprintf("must be at most %d seconds", maxDelaySeconds))
	}
	minDelay, maxDelay = max(minDelay, 0), max(maxDelay, 0)
	if minDelay > maxDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}

	platformName := p.str("platform")
	content := p.str("content")
	media := p.strings("media_urls")

	results := make(map[string]any, len(groups))
	succeeded, failed := 0, 0

	for i, grp := range groups {
		if i > 0 {
			delay := g.delay(minDelay, maxDelay)
			g.logger.Debug("waiting before next post", "group_id", grp.id, "delay", delay)
			select {
			case <-ctx.Done():
				for _, rest := range groups[i:] {
					results[rest.id] = map[string]any{"success": false, "error": ctx.Err().Error()}
					failed++
				}
				return summary(len(groups), succeeded, failed, results), fmt.Errorf("posting interrupted: %w", ctx.Err())
			case <-g.clock.After(delay):
			}
		}

		err := g.poster.PostToGroup(ctx, browser.Post{
			Platform:  platformName,
			GroupID:   grp.id,
			GroupName: grp.name,
			Content:   content,
			MediaURLs: media,
		})
		if err != nil {
			failed++
			results[grp.id] = map[string]any{"success": false, "error": err.Error()}
			g.logger.Warn("group post failed", "group_id", grp.id, "error", err)
			continue
		}
		succeeded++
		results[grp.id] = map[string]any{"success": true}
		g.logger.Info("group post published", "group_id", grp.id, "platform", platformName)
	}

	data := summary(len(groups), succeeded, failed, results)
	if failed > 0 {
		return data, fmt.Errorf("%d of %d group posts failed", failed, len(groups))
	}
	return data, nil
}

// delay picks a uniformly random duration in [minSec, maxSec] seconds.
func (g *GroupPoster) delay(minSec, maxSec float64) time.Duration {
	lo := time.Duration(minSec * float64(time.Second))
	hi := time.Duration(maxSec * float64(time.Second))
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(g.jitter(int64(hi-lo)+1))
}

func summary(total, succeeded, failed int, results map[string]any) map[string]any {
	return map[string]any{
		"total":         total,
		"success_count": succeeded,
		"failed_count":  failed,
		"results":       results,
	}
}

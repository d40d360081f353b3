// ABOUTME: Sync loop for a Matrix handle and translation of room events
// ABOUTME: Emits platform events for messages, reactions, redactions and membership changes

package matrix

import (
	"context"
	"errors"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-agent/internal/platform"
)

// errListenerRunning is returned by StartListener on a running listener.
var errListenerRunning = errors.New("matrix listener already running")

func (h *Handle) registerHandlers() {
	syncer, ok := h.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		h.logger.Error("unexpected syncer type, inbound events disabled")
		return
	}
	syncer.OnSync(h.client.DontProcessOldEvents)
	for _, t := range []event.Type{event.EventMessage, event.EventReaction, event.EventRedaction, event.StateMember} {
		syncer.OnEventType(t, h.onEvent)
	}
}

func (h *Handle) onEvent(ctx context.Context, evt *event.Event) {
	h.mu.Lock()
	sink := h.sink
	directRooms := make(map[id.RoomID]bool)
	for _, rooms := range h.direct {
		for _, r := range rooms {
			directRooms[r] = true
		}
	}
	h.mu.Unlock()
	if sink == nil {
		return
	}
	if ev, ok := translate(evt, h.client.UserID, directRooms); ok {
		sink(ev)
	}
}

// StartListener loads the direct chat map and starts syncing in the
// background. EventConnected is sent once the loop starts and EventClosed when
// it ends.
func (h *Handle) StartListener(ctx context.Context, sink func(platform.Event)) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return errListenerRunning
	}
	h.mu.Unlock()

	if err := h.KeepAlive(ctx); err != nil {
		return err
	}
	if err := h.loadDirect(ctx); err != nil {
		h.logger.Warn("starting without direct chat map", "error", err)
	}

	// The sync loop outlives the caller's request.
	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		cancel()
		return errListenerRunning
	}
	h.sink = sink
	h.cancel = cancel
	h.stopping = false
	h.done = done
	h.mu.Unlock()

	go h.run(syncCtx, sink, done)
	return nil
}

func (h *Handle) run(ctx context.Context, sink func(platform.Event), done chan struct{}) {
	defer close(done)

	h.logger.Info("matrix sync started")
	sink(platform.Event{Kind: platform.EventConnected, Data: map[string]any{"userId": h.client.UserID.String()}})

	err := h.client.SyncWithContext(ctx)

	h.mu.Lock()
	stopping := h.stopping
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = nil
	h.sink = nil
	h.mu.Unlock()

	code, reason := closeCode(err, stopping)
	if code == platform.CloseNormal {
		h.logger.Info("matrix sync stopped")
	} else {
		h.logger.Warn("matrix sync ended", "code", code, "error", err)
	}
	sink(platform.Event{Kind: platform.EventClosed, Code: code, Reason: reason})
}

// StopListener stops the sync loop and waits for it to exit.
func (h *Handle) StopListener() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.stopping = true
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	h.client.StopSync()
	cancel()
	<-done
}

// closeCode classifies why a sync loop ended.
func closeCode(err error, stopping bool) (int, string) {
	switch {
	case stopping || err == nil || errors.Is(err, context.Canceled):
		return platform.CloseNormal, "listener stopped"
	case errors.Is(err, mautrix.MUnknownToken):
		return platform.CloseSessionInvalid, err.Error()
	default:
		return platform.CloseAbnormal, err.Error()
	}
}

// translate maps a room event to a platform event. Events sent by self and
// event types the agent does not forward return false.
func translate(evt *event.Event, self id.UserID, directRooms map[id.RoomID]bool) (platform.Event, bool) {
	if evt.Sender == self && evt.Type != event.StateMember {
		return platform.Event{}, false
	}
	threadType := platform.ThreadGroup
	if directRooms[evt.RoomID] {
		threadType = platform.ThreadUser
	}
	base := map[string]any{
		"threadId":   evt.RoomID.String(),
		"threadType": string(threadType),
		"senderId":   evt.Sender.String(),
		"timestamp":  evt.Timestamp,
	}

	switch evt.Type {
	case event.EventMessage:
		content := evt.Content.AsMessage()
		if content.Body == "" {
			return platform.Event{}, false
		}
		base["messageId"] = evt.ID.String()
		base["msgType"] = string(content.MsgType)
		base["content"] = content.Body
		if content.URL != "" {
			base["url"] = string(content.URL)
		}
		return platform.Event{Kind: platform.EventMessage, Data: base}, true

	case event.EventReaction:
		rel := evt.Content.AsReaction().RelatesTo
		if rel.EventID == "" {
			return platform.Event{}, false
		}
		base["messageId"] = rel.EventID.String()
		base["reaction"] = rel.Key
		return platform.Event{Kind: platform.EventReaction, Data: base}, true

	case event.EventRedaction:
		redacts := evt.Redacts
		if redacts == "" {
			redacts = evt.Content.AsRedaction().Redacts
		}
		if redacts == "" {
			return platform.Event{}, false
		}
		base["messageId"] = redacts.String()
		return platform.Event{Kind: platform.EventMessageDeleted, Data: base}, true

	case event.StateMember:
		if evt.StateKey == nil {
			return platform.Event{}, false
		}
		base["userId"] = *evt.StateKey
		base["membership"] = string(evt.Content.AsMember().Membership)
		return platform.Event{Kind: platform.EventGroup, Data: base}, true
	}
	return platform.Event{}, false
}

// ABOUTME: Matrix implementation of platform.Handle
// ABOUTME: Maps threads to rooms, friends to direct chats, and groups to joined rooms

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-agent/internal/platform"
)

// searchLimit caps user directory results.
const searchLimit = 20

// Handle is one logged-in Matrix account.
type Handle struct {
	client *mautrix.Client
	crypto *cryptoManager
	logger *slog.Logger

	mu       sync.Mutex
	sink     func(platform.Event)
	cancel   context.CancelFunc
	stopping bool
	done     chan struct{}
	// direct maps a user to their direct chat rooms (m.direct account data).
	direct map[id.UserID][]id.RoomID
}

var _ platform.Handle = (*Handle)(nil)

func newHandle(client *mautrix.Client, logger *slog.Logger) *Handle {
	h := &Handle{
		client: client,
		logger: logger,
		direct: make(map[id.UserID][]id.RoomID),
	}
	h.registerHandlers()
	return h
}

// Profile returns the account's own profile.
func (h *Handle) Profile(ctx context.Context) (*platform.Profile, error) {
	profile := &platform.Profile{
		AccountID:   h.client.UserID.String(),
		DisplayName: h.client.UserID.Localpart(),
	}
	resp, err := h.client.GetProfile(ctx, h.client.UserID)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	if resp.DisplayName != "" {
		profile.DisplayName = resp.DisplayName
	}
	if !resp.AvatarURL.IsEmpty() {
		profile.AvatarURL = resp.AvatarURL.String()
	}
	return profile, nil
}

// KeepAlive checks that the access token is still accepted.
func (h *Handle) KeepAlive(ctx context.Context) error {
	if _, err := h.client.Whoami(ctx); err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}
	return nil
}

// SendMessage sends Markdown text. A user thread goes to the direct chat with
// that user, creating one if needed.
func (h *Handle) SendMessage(ctx context.Context, threadID string, threadType platform.ThreadType, text string) (*platform.SentMessage, error) {
	roomID, err := h.resolveRoom(ctx, threadID, threadType)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.SendMessageEvent(ctx, roomID, event.EventMessage, messageContent(text))
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	return &platform.SentMessage{MessageID: resp.EventID.String(), ThreadID: roomID.String()}, nil
}

// SendFile uploads the file at path and posts it to the thread.
func (h *Handle) SendFile(ctx context.Context, threadID string, threadType platform.ThreadType, path string) (*platform.SentMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	roomID, err := h.resolveRoom(ctx, threadID, threadType)
	if err != nil {
		return nil, err
	}

	contentType := http.DetectContentType(data)
	upload, err := h.client.UploadBytes(ctx, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("uploading file: %w", err)
	}

	content := &event.MessageEventContent{
		MsgType: fileMsgType(contentType),
		Body:    filepath.Base(path),
		URL:     upload.ContentURI.CUString(),
		Info:    &event.FileInfo{MimeType: contentType},
	}
	resp, err := h.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return nil, fmt.Errorf("sending file: %w", err)
	}
	return &platform.SentMessage{MessageID: resp.EventID.String(), ThreadID: roomID.String()}, nil
}

func fileMsgType(contentType string) event.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(contentType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(contentType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// React annotates messageID with reaction.
func (h *Handle) React(ctx context.Context, threadID, messageID, reaction string) error {
	if _, err := h.client.SendReaction(ctx, id.RoomID(threadID), id.EventID(messageID), reaction); err != nil {
		return fmt.Errorf("sending reaction: %w", err)
	}
	return nil
}

// Groups lists joined rooms that are not direct chats.
func (h *Handle) Groups(ctx context.Context) ([]platform.Group, error) {
	joined, err := h.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing joined rooms: %w", err)
	}
	directRooms := h.directRooms()
	groups := make([]platform.Group, 0, len(joined.JoinedRooms))
	for _, roomID := range joined.JoinedRooms {
		if directRooms[roomID] {
			continue
		}
		groups = append(groups, platform.Group{ID: roomID.String(), Name: h.roomName(ctx, roomID)})
	}
	return groups, nil
}

// GroupInfo returns a room's name, topic and joined members.
func (h *Handle) GroupInfo(ctx context.Context, groupID string) (*platform.GroupInfo, error) {
	roomID := id.RoomID(groupID)
	members, err := h.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing room members: %w", err)
	}
	info := &platform.GroupInfo{
		ID:      groupID,
		Name:    h.roomName(ctx, roomID),
		Members: make([]string, 0, len(members.Joined)),
	}
	var topic event.TopicEventContent
	if err := h.client.StateEvent(ctx, roomID, event.StateTopic, "", &topic); err == nil {
		info.Topic = topic.Topic
	}
	for userID := range members.Joined {
		info.Members = append(info.Members, userID.String())
	}
	info.MemberCount = len(info.Members)
	return info, nil
}

func (h *Handle) roomName(ctx context.Context, roomID id.RoomID) string {
	var name event.RoomNameEventContent
	if err := h.client.StateEvent(ctx, roomID, event.StateRoomName, "", &name); err != nil {
		return ""
	}
	return name.Name
}

// LeaveGroup leaves a room.
func (h *Handle) LeaveGroup(ctx context.Context, groupID string) error {
	if _, err := h.client.LeaveRoom(ctx, id.RoomID(groupID)); err != nil {
		return fmt.Errorf("leaving room: %w", err)
	}
	return nil
}

// CreateGroup creates a private room and invites members.
func (h *Handle) CreateGroup(ctx context.Context, name string, members []string) (*platform.Group, error) {
	resp, err := h.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Preset: "private_chat",
		Invite: toUserIDs(members),
	})
	if err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}
	return &platform.Group{ID: resp.RoomID.String(), Name: name}, nil
}

// Friends lists users the account has a direct chat with.
func (h *Handle) Friends(ctx context.Context) ([]platform.User, error) {
	if err := h.loadDirect(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	userIDs := make([]id.UserID, 0, len(h.direct))
	for userID := range h.direct {
		userIDs = append(userIDs, userID)
	}
	h.mu.Unlock()

	users := make([]platform.User, 0, len(userIDs))
	for _, userID := range userIDs {
		u := platform.User{ID: userID.String()}
		if p, err := h.client.GetProfile(ctx, userID); err == nil {
			u.DisplayName = p.DisplayName
			if !p.AvatarURL.IsEmpty() {
				u.AvatarURL = p.AvatarURL.String()
			}
		}
		users = append(users, u)
	}
	return users, nil
}

// FindUser searches the homeserver's user directory.
func (h *Handle) FindUser(ctx context.Context, query string) ([]platform.User, error) {
	resp, err := h.client.SearchUserDirectory(ctx, query, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching user directory: %w", err)
	}
	users := make([]platform.User, 0, len(resp.Results))
	for _, r := range resp.Results {
		users = append(users, platform.User{ID: r.UserID.String(), DisplayName: r.DisplayName})
	}
	return users, nil
}

// UserInfo returns a user's public profile.
func (h *Handle) UserInfo(ctx context.Context, userID string) (*platform.User, error) {
	p, err := h.client.GetProfile(ctx, id.UserID(userID))
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	u := &platform.User{ID: userID, DisplayName: p.DisplayName}
	if !p.AvatarURL.IsEmpty() {
		u.AvatarURL = p.AvatarURL.String()
	}
	return u, nil
}

// AddFriend opens a direct chat with userID and sends message if not empty.
func (h *Handle) AddFriend(ctx context.Context, userID, message string) error {
	roomID, err := h.createDirect(ctx, id.UserID(userID))
	if err != nil {
		return err
	}
	if message == "" {
		return nil
	}
	if _, err := h.client.SendMessageEvent(ctx, roomID, event.EventMessage, messageContent(message)); err != nil {
		return fmt.Errorf("sending greeting: %w", err)
	}
	return nil
}

// Close stops the listener and releases the crypto store. The access token
// stays valid.
func (h *Handle) Close() error {
	h.StopListener()
	if h.crypto != nil {
		return h.crypto.Close()
	}
	return nil
}

func (h *Handle) resolveRoom(ctx context.Context, threadID string, threadType platform.ThreadType) (id.RoomID, error) {
	if threadType != platform.ThreadUser {
		return id.RoomID(threadID), nil
	}
	userID := id.UserID(threadID)
	h.mu.Lock()
	rooms := h.direct[userID]
	h.mu.Unlock()
	if len(rooms) > 0 {
		return rooms[len(rooms)-1], nil
	}
	return h.createDirect(ctx, userID)
}

func (h *Handle) createDirect(ctx context.Context, userID id.UserID) (id.RoomID, error) {
	resp, err := h.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		Invite:   []id.UserID{userID},
		IsDirect: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating direct chat: %w", err)
	}

	h.mu.Lock()
	h.direct[userID] = append(h.direct[userID], resp.RoomID)
	snapshot := make(map[id.UserID][]id.RoomID, len(h.direct))
	for k, v := range h.direct {
		snapshot[k] = append([]id.RoomID(nil), v...)
	}
	h.mu.Unlock()

	if err := h.client.SetAccountData(ctx, event.AccountDataDirectChats.Type, snapshot); err != nil {
		h.logger.Warn("failed to record direct chat", "user_id", userID.String(), "error", err)
	}
	return resp.RoomID, nil
}

// loadDirect refreshes the direct chat map from account data. A missing
// m.direct entry is an empty map.
func (h *Handle) loadDirect(ctx context.Context) error {
	direct := make(map[id.UserID][]id.RoomID)
	if err := h.client.GetAccountData(ctx, event.AccountDataDirectChats.Type, &direct); err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			direct = map[id.UserID][]id.RoomID{}
		} else {
			return fmt.Errorf("loading direct chats: %w", err)
		}
	}
	h.mu.Lock()
	h.direct = direct
	h.mu.Unlock()
	return nil
}

func (h *Handle) directRooms() map[id.RoomID]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make(map[id.RoomID]bool)
	for _, ids := range h.direct {
		for _, roomID := range ids {
			rooms[roomID] = true
		}
	}
	return rooms
}

func toUserIDs(members []string) []id.UserID {
	out := make([]id.UserID, 0, len(members))
	for _, m := range members {
		out = append(out, id.UserID(m))
	}
	return out
}

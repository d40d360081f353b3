// ABOUTME: Task handler that runs messaging-platform commands against live sessions
// ABOUTME: Dispatches on the action field and validates each action's parameters

package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-agent/internal/platform"
	"github.com/2389/coven-agent/internal/session"
	"github.com/2389/coven-agent/internal/task"
)

// TypePlatformCommand is the task type handled by PlatformCommand.
const TypePlatformCommand = "platform_command"

// Sessions is the part of the session manager the command handler drives.
type Sessions interface {
	LoginWithCredentials(ctx context.Context, accountID string, creds platform.Credentials) (*platform.Profile, error)
	LoginWithQR(ctx context.Context, onQR func(platform.QRCode)) (*platform.Profile, error)
	Logout(ctx context.Context, accountID string) error
	ListAccounts() []session.AccountInfo
	AccountInfo(ctx context.Context, accountID string) (*session.AccountInfo, *platform.Profile, error)

	SendMessage(ctx context.Context, accountID, threadID string, threadType platform.ThreadType, text string) (*platform.SentMessage, error)
	SendFile(ctx context.Context, accountID, threadID string, threadType platform.ThreadType, path string) (*platform.SentMessage, error)
	GetGroups(ctx context.Context, accountID string) ([]platform.Group, error)
	GetGroupInfo(ctx context.Context, accountID, groupID string) (*platform.GroupInfo, error)
	GetFriends(ctx context.Context, accountID string) ([]platform.User, error)
	FindUser(ctx context.Context, accountID, query string) ([]platform.User, error)
	GetUserInfo(ctx context.Context, accountID, userID string) (*platform.User, error)
	LeaveGroup(ctx context.Context, accountID, groupID string) error
	CreateGroup(ctx context.Context, accountID, name string, members []string) (*platform.Group, error)
	AddFriend(ctx context.Context, accountID, userID, message string) error
	ReactToMessage(ctx context.Context, accountID, threadID, messageID, reaction string) error
}

// Notifier publishes out-of-band events such as a freshly issued login QR.
type Notifier interface {
	Forward(ctx context.Context, event string, data map[string]any)
}

type action func(ctx context.Context, p params) (map[string]any, error)

// PlatformCommand executes one platform action per task.
type PlatformCommand struct {
	sessions Sessions
	notifier Notifier
	logger   *slog.Logger
	actions  map[string]action
}

// NewPlatformCommand creates the handler. notifier may be nil.
func NewPlatformCommand(sessions Sessions, notifier Notifier, logger *slog.Logger) *PlatformCommand {
	if logger == nil {
		logger = slog.Default()
	}
	h := &PlatformCommand{
		sessions: sessions,
		notifier: notifier,
		logger:   logger.With("component", "platform_command"),
	}
	h.actions = map[string]action{
		"login":            h.login,
		"login_qr":         h.loginQR,
		"send_message":     h.sendMessage,
		"get_groups":       h.getGroups,
		"get_group_info":   h.getGroupInfo,
		"get_friends":      h.getFriends,
		"find_user":        h.findUser,
		"get_user_info":    h.getUserInfo,
		"send_file":        h.sendFile,
		"leave_group":      h.leaveGroup,
		"create_group":     h.createGroup,
		"add_friend":       h.addFriend,
		"react":            h.react,
		"get_account_info": h.accountInfo,
		"list_accounts":    h.listAccounts,
		"logout":           h.logout,
	}
	return h
}

func (h *PlatformCommand) Type() string { return TypePlatformCommand }

func (h *PlatformCommand) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	p := params(payload)
	name := p.str("action")
	if name == "" {
		return nil, task.Invalid("action", "is required")
	}
	run, ok := h.actions[name]
	if !ok {
		return nil, fmt.Errorf("Unknown action: %s", name)
	}
	h.logger.Debug("running platform action", "action", name, "account_id", p.str("accountId"))
	return run(ctx, p)
}

func threadType(p params) platform.ThreadType {
	if p.str("threadType") == string(platform.ThreadGroup) {
		return platform.ThreadGroup
	}
	return platform.ThreadUser
}

func (h *PlatformCommand) login(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId"); err != nil {
		return nil, err
	}
	c := p.object("credentials")
	if c == nil {
		return nil, task.Invalid("credentials", "is required")
	}
	profile, err := h.sessions.LoginWithCredentials(ctx, p.str("accountId"), platform.Credentials{
		Username:    c.str("username"),
		Password:    c.str("password"),
		UserID:      c.str("userId"),
		AccessToken: c.str("accessToken"),
		DeviceID:    c.str("deviceId"),
	})
	if err != nil {
		return nil, err
	}
	return profileData(profile), nil
}

func (h *PlatformCommand) loginQR(ctx context.Context, _ params) (map[string]any, error) {
	profile, err := h.sessions.LoginWithQR(ctx, func(qr platform.QRCode) {
		if h.notifier == nil {
			return
		}
		go h.notifier.Forward(context.WithoutCancel(ctx), "account:qr", map[string]any{"image": qr.Image})
	})
	if err != nil {
		return nil, err
	}
	return profileData(profile), nil
}

func (h *PlatformCommand) sendMessage(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId", "threadId", "message"); err != nil {
		return nil, err
	}
	sent, err := h.sessions.SendMessage(ctx, p.str("accountId"), p.str("threadId"), threadType(p), p.str("message"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"messageId": sent.MessageID, "threadId": sent.ThreadID}, nil
}

func (h *PlatformCommand) getGroups(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId"); err != nil {
		return nil, err
	}
	groups, err := h.sessions.GetGroups(ctx, p.str("accountId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"groups": groups, "count": len(groups)}, nil
}

func (h *PlatformCommand) getGroupInfo(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId", "groupId"); err != nil {
		return nil, err
	}
	info, err := h.sessions.GetGroupInfo(ctx, p.str("accountId"), p.str("groupId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": info}, nil
}

func (h *PlatformCommand) getFriends(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId"); err != nil {
		return nil, err
	}
	friends, err := h.sessions.GetFriends(ctx, p.str("accountId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"friends": friends, "count": len(friends)}, nil
}

func (h *PlatformCommand) findUser(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId"); err != nil {
		return nil, err
	}
	query := p.str("query")
	if query == "" {
		query = p.str("phone")
	}
	if query == "" {
		return nil, task.Invalid("query", "is required")
	}
	users, err := h.sessions.FindUser(ctx, p.str("accountId"), query)
	if err != nil {
		return nil, err
	}
	return map[string]any{"users": users, "count": len(users)}, nil
}

func (h *PlatformCommand) getUserInfo(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId", "userId"); err != nil {
		return nil, err
	}
	user, err := h.sessions.GetUserInfo(ctx, p.str("accountId"), p.str("userId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": user}, nil
}

func (h *PlatformCommand) sendFile(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId", "threadId", "filePath"); err != nil {
		return nil, err
	}
	sent, err := h.sessions.SendFile(ctx, p.str("accountId"), p.str("threadId"), threadType(p), p.str("filePath"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"messageId": sent.MessageID, "threadId": sent.ThreadID}, nil
}

func (h *PlatformCommand) leaveGroup(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId", "groupId"); err != nil {
		return nil, err
	}
	if err := h.sessions.LeaveGroup(ctx, p.str("accountId"), p.str("groupId")); err != nil {
		return nil, err
	}
	return map[string]any{"groupId": p.str("groupId"), "left": true}, nil
}

func (h *PlatformCommand) createGroup(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId", "name"); err != nil {
		return nil, err
	}
	members := p.strings("members")
	if len(members) == 0 {
		return nil, task.Invalid("members", "at least one member is required")
	}
	group, err := h.sessions.CreateGroup(ctx, p.str("accountId"), p.str("name"), members)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": group}, nil
}

func (h *PlatformCommand) addFriend(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId", "userId"); err != nil {
		return nil, err
	}
	if err := h.sessions.AddFriend(ctx, p.str("accountId"), p.str("userId"), p.str("message")); err != nil {
		return nil, err
	}
	return map[string]any{"userId": p.str("userId"), "requested": true}, nil
}

func (h *PlatformCommand) react(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId", "threadId", "messageId", "reaction"); err != nil {
		return nil, err
	}
	err := h.sessions.ReactToMessage(ctx, p.str("accountId"), p.str("threadId"), p.str("messageId"), p.str("reaction"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"messageId": p.str("messageId"), "reaction": p.str("reaction")}, nil
}

func (h *PlatformCommand) accountInfo(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId"); err != nil {
		return nil, err
	}
	info, profile, err := h.sessions.AccountInfo(ctx, p.str("accountId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"account": info, "profile": profile}, nil
}

func (h *PlatformCommand) listAccounts(_ context.Context, _ params) (map[string]any, error) {
	accounts := h.sessions.ListAccounts()
	return map[string]any{"accounts": accounts, "count": len(accounts)}, nil
}

func (h *PlatformCommand) logout(ctx context.Context, p params) (map[string]any, error) {
	if err := p.require("accountId"); err != nil {
		return nil, err
	}
	if err := h.sessions.Logout(ctx, p.str("accountId")); err != nil {
		return nil, err
	}
	return map[string]any{"accountId": p.str("accountId"), "loggedOut": true}, nil
}

func profileData(p *platform.Profile) map[string]any {
	data := map[string]any{
		"accountId":   p.AccountID,
		"displayName": p.DisplayName,
	}
	if p.AvatarURL != "" {
		data["avatarUrl"] = p.AvatarURL
	}
	return data
}

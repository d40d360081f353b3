// ABOUTME: Per-account platform operations delegated to the live session handle
// ABOUTME: Every operation fails fast with ErrNotLoggedIn when no session exists

package session

import (
	"context"

	"github.com/2389/coven-agent/internal/platform"
)

func (m *Manager) handle(accountID string) (platform.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[accountID]
	if !ok {
		return nil, ErrNotLoggedIn
	}
	return e.handle, nil
}

// AccountInfo returns the session view for accountID with a fresh profile.
func (m *Manager) AccountInfo(ctx context.Context, accountID string) (*AccountInfo, *platform.Profile, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, nil, err
	}
	profile, err := h.Profile(ctx)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[accountID]
	if !ok {
		return nil, nil, ErrNotLoggedIn
	}
	info := e.infoLocked()
	return &info, profile, nil
}

func (m *Manager) SendMessage(ctx context.Context, accountID, threadID string, threadType platform.ThreadType, text string) (*platform.SentMessage, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, err
	}
	return h.SendMessage(ctx, threadID, threadType, text)
}

func (m *Manager) SendFile(ctx context.Context, accountID, threadID string, threadType platform.ThreadType, path string) (*platform.SentMessage, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, err
	}
	return h.SendFile(ctx, threadID, threadType, path)
}

func (m *Manager) GetGroups(ctx context.Context, accountID string) ([]platform.Group, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, err
	}
	return h.Groups(ctx)
}

func (m *Manager) GetGroupInfo(ctx context.Context, accountID, groupID string) (*platform.GroupInfo, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, err
	}
	return h.GroupInfo(ctx, groupID)
}

func (m *Manager) GetFriends(ctx context.Context, accountID string) ([]platform.User, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, err
	}
	return h.Friends(ctx)
}

func (m *Manager) FindUser(ctx context.Context, accountID, query string) ([]platform.User, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, err
	}
	return h.FindUser(ctx, query)
}

func (m *Manager) GetUserInfo(ctx context.Context, accountID, userID string) (*platform.User, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, err
	}
	return h.UserInfo(ctx, userID)
}

func (m *Manager) LeaveGroup(ctx context.Context, accountID, groupID string) error {
	h, err := m.handle(accountID)
	if err != nil {
		return err
	}
	return h.LeaveGroup(ctx, groupID)
}

func (m *Manager) CreateGroup(ctx context.Context, accountID, name string, members []string) (*platform.Group, error) {
	h, err := m.handle(accountID)
	if err != nil {
		return nil, err
	}
	return h.CreateGroup(ctx, name, members)
}

func (m *Manager) AddFriend(ctx context.Context, accountID, userID, message string) error {
	h, err := m.handle(accountID)
	if err != nil {
		return err
	}
	return h.AddFriend(ctx, userID, message)
}

func (m *Manager) ReactToMessage(ctx context.Context, accountID, threadID, messageID, reaction string) error {
	h, err := m.handle(accountID)
	if err != nil {
		return err
	}
	return h.React(ctx, threadID, messageID, reaction)
}

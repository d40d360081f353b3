// ABOUTME: Contract between the session manager and a messaging-platform client
// ABOUTME: Defines providers, session handles, inbound events and close codes

package platform

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by handles or providers that cannot perform an operation.
var ErrUnsupported = errors.New("operation not supported by platform")

// Close codes carried on EventClosed.
const (
	// CloseNormal means the listener was stopped on purpose.
	CloseNormal = 1000
	// CloseAbnormal means the connection dropped and is worth reconnecting.
	CloseAbnormal = 1006
	// CloseSessionInvalid means the platform rejected the session; re-login is required.
	CloseSessionInvalid = 4000
)

// EventKind identifies an inbound platform event.
type EventKind string

const (
	EventMessage        EventKind = "message"
	EventReaction       EventKind = "reaction"
	EventGroup          EventKind = "group_event"
	EventMessageDeleted EventKind = "message_deleted"
	EventConnected      EventKind = "connected"
	EventClosed         EventKind = "closed"
	EventError          EventKind = "error"
)

// Event is one inbound notification from a listener.
type Event struct {
	Kind EventKind
	Data map[string]any

	// Code and Reason are set for EventClosed.
	Code   int
	Reason string
}

// ThreadType distinguishes direct conversations from group conversations.
type ThreadType string

const (
	ThreadUser  ThreadType = "user"
	ThreadGroup ThreadType = "group"
)

// Credentials authenticate an account. Providers use the fields they understand.
type Credentials struct {
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	UserID      string `json:"userId,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
}

// Profile summarizes the logged-in account.
type Profile struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// QRCode is the login QR payload shown to an operator.
type QRCode struct {
	Image string `json:"image"`
	Token string `json:"token,omitempty"`
}

// Group is a joined group conversation.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// GroupInfo describes a group in detail.
type GroupInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	MemberCount int      `json:"memberCount"`
	Members     []string `json:"members"`
}

// User is a platform user.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// SentMessage identifies a message the platform accepted.
type SentMessage struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
}

// Provider creates authenticated handles.
type Provider interface {
	Login(ctx context.Context, creds Credentials) (Handle, error)
	// LoginQR blocks until the QR is scanned or ctx ends. onQR may be called
	// more than once if the platform refreshes the code; callers dedupe.
	LoginQR(ctx context.Context, onQR func(QRCode)) (Handle, error)
}

// Handle is one authenticated platform session.
type Handle interface {
	Profile(ctx context.Context) (*Profile, error)

	// StartListener begins delivering inbound events to sink. It returns once
	// the listener is running. Calling it again after a close restarts it.
	StartListener(ctx context.Context, sink func(Event)) error
	StopListener()
	KeepAlive(ctx context.Context) error

	SendMessage(ctx context.Context, threadID string, threadType ThreadType, text string) (*SentMessage, error)
	SendFile(ctx context.Context, threadID string, threadType ThreadType, path string) (*SentMessage, error)
	React(ctx context.Context, threadID, messageID, reaction string) error

	Groups(ctx context.Context) ([]Group, error)
	GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error)
	LeaveGroup(ctx context.Context, groupID string) error
	CreateGroup(ctx context.Context, name string, members []string) (*Group, error)

	Friends(ctx context.Context) ([]User, error)
	FindUser(ctx context.Context, query string) ([]User, error)
	UserInfo(ctx context.Context, userID string) (*User, error)
	AddFriend(ctx context.Context, userID, message string) error

	Close() error
}

// ABOUTME: Tests for Matrix event translation, formatting, logging and crypto helpers
// ABOUTME: Exercises pure functions without a homeserver

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-agent/internal/platform"
)

const self = id.UserID("@agent:example.org")

func TestTranslate_Message(t *testing.T) {
	evt := &event.Event{
		Type:      event.EventMessage,
		ID:        "$msg1",
		RoomID:    "!room:example.org",
		Sender:    "@alice:example.org",
		Timestamp: 1700000000000,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    "hello",
		}},
	}

	ev, ok := translate(evt, self, nil)
	require.True(t, ok)
	assert.Equal(t, platform.EventMessage, ev.Kind)
	assert.Equal(t, "!room:example.org", ev.Data["threadId"])
	assert.Equal(t, string(platform.ThreadGroup), ev.Data["threadType"])
	assert.Equal(t, "$msg1", ev.Data["messageId"])
	assert.Equal(t, "@alice:example.org", ev.Data["senderId"])
	assert.Equal(t, "hello", ev.Data["content"])

	ev, ok = translate(evt, self, map[id.RoomID]bool{"!room:example.org": true})
	require.True(t, ok)
	assert.Equal(t, string(platform.ThreadUser), ev.Data["threadType"])
}

func TestTranslate_IgnoresOwnMessages(t *testing.T) {
	evt := &event.Event{
		Type:    event.EventMessage,
		RoomID:  "!room:example.org",
		Sender:  self,
		Content: event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"}},
	}
	_, ok := translate(evt, self, nil)
	assert.False(t, ok)
}

func TestTranslate_Reaction(t *testing.T) {
	evt := &event.Event{
		Type:   event.EventReaction,
		RoomID: "!room:example.org",
		Sender: "@bob:example.org",
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: "$target", Key: "👍"},
		}},
	}
	ev, ok := translate(evt, self, nil)
	require.True(t, ok)
	assert.Equal(t, platform.EventReaction, ev.Kind)
	assert.Equal(t, "$target", ev.Data["messageId"])
	assert.Equal(t, "👍", ev.Data["reaction"])
}

func TestTranslate_Redaction(t *testing.T) {
	evt := &event.Event{
		Type:    event.EventRedaction,
		RoomID:  "!room:example.org",
		Sender:  "@bob:example.org",
		Redacts: "$gone",
		Content: event.Content{Parsed: &event.RedactionEventContent{}},
	}
	ev, ok := translate(evt, self, nil)
	require.True(t, ok)
	assert.Equal(t, platform.EventMessageDeleted, ev.Kind)
	assert.Equal(t, "$gone", ev.Data["messageId"])
}

func TestTranslate_Membership(t *testing.T) {
	key := "@carol:example.org"
	evt := &event.Event{
		Type:     event.StateMember,
		RoomID:   "!room:example.org",
		Sender:   "@carol:example.org",
		StateKey: &key,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipJoin}},
	}
	ev, ok := translate(evt, self, nil)
	require.True(t, ok)
	assert.Equal(t, platform.EventGroup, ev.Kind)
	assert.Equal(t, key, ev.Data["userId"])
	assert.Equal(t, "join", ev.Data["membership"])
}

func TestCloseCode(t *testing.T) {
	code, _ := closeCode(nil, false)
	assert.Equal(t, platform.CloseNormal, code)

	code, _ = closeCode(fmt.Errorf("sync: %w", context.Canceled), false)
	assert.Equal(t, platform.CloseNormal, code)

	code, _ = closeCode(errors.New("connection reset"), true)
	assert.Equal(t, platform.CloseNormal, code)

	code, reason := closeCode(errors.New("connection reset"), false)
	assert.Equal(t, platform.CloseAbnormal, code)
	assert.Equal(t, "connection reset", reason)
}

func TestRenderMarkdown(t *testing.T) {
	_, ok := renderMarkdown("just plain words")
	assert.False(t, ok)

	html, ok := renderMarkdown("some **bold** text")
	require.True(t, ok)
	assert.Contains(t, html, "<strong>bold</strong>")

	content := messageContent("- one\n- two")
	assert.Equal(t, event.MsgText, content.MsgType)
	assert.Equal(t, event.FormatHTML, content.Format)
	assert.Contains(t, content.FormattedBody, "<li>one</li>")
	assert.Equal(t, "- one\n- two", content.Body)
}

func TestFileMsgType(t *testing.T) {
	assert.Equal(t, event.MsgImage, fileMsgType("image/png"))
	assert.Equal(t, event.MsgVideo, fileMsgType("video/mp4"))
	assert.Equal(t, event.MsgAudio, fileMsgType("audio/ogg"))
	assert.Equal(t, event.MsgFile, fileMsgType("application/pdf"))
}

func TestZerologBridge(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	zl := newZerolog(logger, "@agent:example.org")

	zl.Warn().Str("room_id", "!r:example.org").Msg("sync hiccup")

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="sync hiccup"`)
	assert.Contains(t, out, "room_id=!r:example.org")
	assert.Contains(t, out, "user_id=@agent:example.org")
	assert.Contains(t, out, "source=mautrix")
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, slogLevel(zerolog.TraceLevel))
	assert.Equal(t, slog.LevelInfo, slogLevel(zerolog.InfoLevel))
	assert.Equal(t, slog.LevelWarn, slogLevel(zerolog.WarnLevel))
	assert.Equal(t, slog.LevelError, slogLevel(zerolog.FatalLevel))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "agent_matrix.org", slugify("@agent:matrix.org"))
	assert.Equal(t, "weird_host", slugify("@we/ird:host"))
}

func TestDeriveStoreKey(t *testing.T) {
	a, err := deriveStoreKey("@a:example.org")
	require.NoError(t, err)
	assert.Len(t, a, 32)

	again, err := deriveStoreKey("@a:example.org")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := deriveStoreKey("@b:example.org")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCheckDeviceIDMismatch_NoDatabase(t *testing.T) {
	mismatch, err := checkDeviceIDMismatch(filepath.Join(t.TempDir(), "none.db"), "DEVICE")
	require.NoError(t, err)
	assert.False(t, mismatch)
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{})
	require.Error(t, err)

	p, err := NewProvider(Config{Homeserver: "https://matrix.example.org"})
	require.NoError(t, err)
	_, err = p.LoginQR(t.Context(), func(platform.QRCode) {})
	assert.ErrorIs(t, err, platform.ErrUnsupported)

	_, err = p.Login(t.Context(), platform.Credentials{Username: "only-user"})
	assert.Error(t, err)
}

package repl

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkdog.im/internal/chat"
	"parkdog.im/internal/health"
	"parkdog.im/internal/protocol"
	imErrors "parkdog.im/pkg/errors"
)

type fakeChat struct {
	sent    []string
	typing  []bool
	read    string
	retried string
	history []protocol.Message
}

func (f *fakeChat) Conversations(context.Context) ([]protocol.Conversation, error) {
	return []protocol.Conversation{{
		ID:           "c1",
		Participants: []string{"u1", "u2"},
		LastMessage:  &protocol.Message{ID: "m1", Text: "<b>hi</b>"},
	}}, nil
}

func (f *fakeChat) Join(_ context.Context, conversationID string) ([]protocol.Message, error) {
	if conversationID != "c1" {
		return nil, imErrors.ErrNotFound
	}
	return f.history, nil
}

func (f *fakeChat) Send(_ context.Context, conversationID, text, _ string) (protocol.Message, error) {
	f.sent = append(f.sent, conversationID+":"+text)
	return protocol.Message{ConversationID: conversationID, Text: text, Status: protocol.StatusSent}, nil
}

func (f *fakeChat) Retry(_ context.Context, tempID string) (protocol.Message, error) {
	f.retried = tempID
	return protocol.Message{TempID: tempID, Status: protocol.StatusSent}, nil
}

func (f *fakeChat) MarkRead(_, upto string) error {
	f.read = upto
	return nil
}

func (f *fakeChat) SetTyping(_ string, isTyping bool) {
	f.typing = append(f.typing, isTyping)
}

func (f *fakeChat) Snapshot() health.Snapshot {
	return health.Snapshot{Mode: "http_fallback", Connection: "reconnecting", ReconnectAttempts: 2}
}

func newSession() (*Session, *fakeChat, *bytes.Buffer) {
	fc := &fakeChat{history: []protocol.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Text: "hello", CreatedAt: time.Now(), Status: protocol.StatusDelivered},
		{ID: "m2", ConversationID: "c1", SenderID: "u1", Text: "hey", CreatedAt: time.Now(), Status: protocol.StatusSent},
	}}
	out := &bytes.Buffer{}
	return New(fc, "u1", out), fc, out
}

func TestSession_RequiresJoinBeforeSend(t *testing.T) {
	s, fc, _ := newSession()
	ctx := context.Background()

	_, err := s.Execute(ctx, "hello")
	assert.True(t, imErrors.Is(err, imErrors.ErrInvalidParams))
	assert.Empty(t, fc.sent)

	_, err = s.Execute(ctx, "/join c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", s.Current())

	_, err = s.Execute(ctx, "  how are you  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1:how are you"}, fc.sent)
	assert.Equal(t, []bool{false}, fc.typing)
}

func TestSession_Commands(t *testing.T) {
	s, fc, out := newSession()
	ctx := context.Background()

	_, err := s.Execute(ctx, "/convs")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "&lt;b&gt;hi&lt;/b&gt;")
	assert.Contains(t, out.String(), "u2")

	_, err = s.Execute(ctx, "/join c1")
	require.NoError(t, err)

	_, err = s.Execute(ctx, "/read")
	require.NoError(t, err)
	assert.Equal(t, "m2", fc.read)

	_, err = s.Execute(ctx, "/read m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", fc.read)

	_, err = s.Execute(ctx, "/typing on")
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, fc.typing)

	_, err = s.Execute(ctx, "/typing maybe")
	assert.Error(t, err)

	_, err = s.Execute(ctx, "/retry tmp-9")
	require.NoError(t, err)
	assert.Equal(t, "tmp-9", fc.retried)

	out.Reset()
	_, err = s.Execute(ctx, "/status")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "mode=http_fallback")

	_, err = s.Execute(ctx, "/nope")
	assert.True(t, imErrors.Is(err, imErrors.ErrInvalidParams))

	quit, err := s.Execute(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestSession_JoinUnknown(t *testing.T) {
	s, _, _ := newSession()
	_, err := s.Execute(context.Background(), "/join c9")
	assert.True(t, imErrors.Is(err, imErrors.ErrNotFound))
	assert.Empty(t, s.Current())
}

func TestSession_HandleEvent(t *testing.T) {
	s, _, out := newSession()
	_, err := s.Execute(context.Background(), "/join c1")
	require.NoError(t, err)
	out.Reset()

	s.HandleEvent(chat.Event{Type: chat.EventMessageUpserted, ConversationID: "c2", Message: protocol.Message{ID: "x", Text: "elsewhere"}})
	assert.Empty(t, out.String())

	s.HandleEvent(chat.Event{Type: chat.EventMessageUpserted, ConversationID: "c1", Message: protocol.Message{
		ID: "m3", ConversationID: "c1", SenderID: "u2", Text: "<script>", Status: protocol.StatusDelivered,
	}})
	assert.Contains(t, out.String(), "u2: &lt;script&gt;")

	s.HandleEvent(chat.Event{Type: chat.EventTypingChanged, ConversationID: "c1", UserID: "u2", IsTyping: true})
	assert.Contains(t, out.String(), "u2 is typing")

	s.HandleEvent(chat.Event{Type: chat.EventDeliveryFailed, ConversationID: "c1", Message: protocol.Message{TempID: "tmp-1"}})
	assert.Contains(t, out.String(), "/retry tmp-1")

	s.HandleEvent(chat.Event{Type: chat.EventModeChanged, Mode: chat.ModeFallback})
	assert.Contains(t, out.String(), "mode: http_fallback")

	// /read 默认使用最新推送的消息
	fc := s.chat.(*fakeChat)
	_, err = s.Execute(context.Background(), "/read")
	require.NoError(t, err)
	assert.Equal(t, "m3", fc.read)
}

func TestFormatMessage(t *testing.T) {
	m := protocol.Message{TempID: "tmp-1", SenderID: "u1", Text: "a&b", Status: protocol.StatusFailed}
	assert.Contains(t, FormatMessage(m, "u1"), "me: a&amp;b ✗ (tmp-1)")

	m = protocol.Message{ID: "m1", SenderID: "u1", Text: "x", Status: protocol.StatusSent, Read: true}
	assert.Contains(t, FormatMessage(m, "u1"), "✓✓")

	m = protocol.Message{ID: "m1", SenderID: "u2", Text: "x", Status: protocol.StatusDelivered}
	assert.Contains(t, FormatMessage(m, "u1"), "u2: x")
}

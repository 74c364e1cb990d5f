package stub

import (
	"sort"
	"sync"
	"time"

	"parkdog.im/internal/protocol"
	imErrors "parkdog.im/pkg/errors"
	"parkdog.im/pkg/snowflake"
)

// User 演示用户
type User struct {
	ID           string
	Name         string
	SessionToken string
}

// SeedUsers 预置用户，会话凭证固定便于本地调试
var SeedUsers = []User{
	{ID: "u1", Name: "Alice", SessionToken: "session-u1"},
	{ID: "u2", Name: "Bob", SessionToken: "session-u2"},
	{ID: "u3", Name: "Carol", SessionToken: "session-u3"},
}

// Backend 内存中的会话与消息数据
type Backend struct {
	ids *snowflake.Node
	now func() time.Time

	mu            sync.RWMutex
	sessions      map[string]string // session token -> user id
	conversations map[string]*protocol.Conversation
	messages      map[string][]protocol.Message
	byTempID      map[string]protocol.Message // sender/temp_id -> message
}

// NewBackend 创建并填充演示数据
func NewBackend(ids *snowflake.Node) *Backend {
	b := &Backend{
		ids:           ids,
		now:           func() time.Time { return time.Now().UTC() },
		sessions:      make(map[string]string),
		conversations: make(map[string]*protocol.Conversation),
		messages:      make(map[string][]protocol.Message),
		byTempID:      make(map[string]protocol.Message),
	}
	b.seed()
	return b
}

func (b *Backend) seed() {
	for _, u := range SeedUsers {
		b.sessions[u.SessionToken] = u.ID
	}

	start := b.now().Add(-time.Hour)
	b.conversations["c1"] = &protocol.Conversation{ID: "c1", Participants: []string{"u1", "u2"}, UpdatedAt: start}
	b.conversations["c2"] = &protocol.Conversation{ID: "c2", Participants: []string{"u1", "u3"}, UpdatedAt: start}
	b.conversations["c3"] = &protocol.Conversation{ID: "c3", Participants: []string{"u2", "u3"}, UpdatedAt: start}

	history := []struct {
		conv, sender, text string
	}{
		{"c1", "u2", "Is the spot on Elm Street still free tomorrow?"},
		{"c1", "u1", "Yes, from 8am to 6pm."},
		{"c2", "u3", "Thanks for letting me park yesterday!"},
	}
	for i, h := range history {
		m := protocol.Message{
			ID:             b.ids.Generate().String(),
			ConversationID: h.conv,
			SenderID:       h.sender,
			Text:           h.text,
			CreatedAt:      start.Add(time.Duration(i) * time.Minute),
			Status:         protocol.StatusDelivered,
		}
		b.appendLocked(m)
	}
}

// AddSession 注册会话凭证
func (b *Backend) AddSession(token, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[token] = userID
}

// RevokeSession 作废会话凭证
func (b *Backend) RevokeSession(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, token)
}

// UserBySession 会话凭证对应的用户
func (b *Backend) UserBySession(token string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.sessions[token]
	return id, ok
}

// AddConversation 新建会话
func (b *Backend) AddConversation(id string, participants ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[id] = &protocol.Conversation{
		ID:           id,
		Participants: append([]string(nil), participants...),
		UpdatedAt:    b.now(),
	}
}

// Conversations 用户参与的会话，最近更新的在前
func (b *Backend) Conversations(userID string) []protocol.Conversation {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []protocol.Conversation
	for _, c := range b.conversations {
		if !isParticipant(c, userID) {
			continue
		}
		cp := *c
		cp.Participants = append([]string(nil), c.Participants...)
		if c.LastMessage != nil {
			last := stripTempID(*c.LastMessage)
			cp.LastMessage = &last
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Participants 会话参与者
func (b *Backend) Participants(conversationID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]string(nil), c.Participants...)
}

// Messages 会话历史
func (b *Backend) Messages(userID, conversationID string) ([]protocol.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkAccessLocked(userID, conversationID); err != nil {
		return nil, err
	}
	return append([]protocol.Message(nil), b.messages[conversationID]...), nil
}

// Post 写入一条消息；同一发送者的同一 tempID 只会写入一次，created 表示是否新建
func (b *Backend) Post(userID, conversationID, text, tempID string) (protocol.Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkAccessLocked(userID, conversationID); err != nil {
		return protocol.Message{}, false, err
	}
	if text == "" {
		return protocol.Message{}, false, imErrors.ErrInvalidParams.WithMessage("消息内容不能为空")
	}

	if tempID != "" {
		if m, ok := b.byTempID[userID+"/"+tempID]; ok {
			return m, false, nil
		}
	}

	id := b.ids.Generate()
	m := protocol.Message{
		ID:             id.String(),
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       userID,
		Text:           text,
		CreatedAt:      b.now(),
		Status:         protocol.StatusSent,
	}
	b.appendLocked(m)
	if tempID != "" {
		b.byTempID[userID+"/"+tempID] = m
	}
	return m, true, nil
}

// CanAccess 用户是否为会话参与者
func (b *Backend) CanAccess(userID, conversationID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checkAccessLocked(userID, conversationID)
}

func (b *Backend) checkAccessLocked(userID, conversationID string) error {
	c, ok := b.conversations[conversationID]
	if !ok {
		return imErrors.ErrNotFound.WithMessage("会话不存在")
	}
	if !isParticipant(c, userID) {
		return imErrors.ErrForbidden
	}
	return nil
}

func (b *Backend) appendLocked(m protocol.Message) {
	b.messages[m.ConversationID] = append(b.messages[m.ConversationID], m)
	if c, ok := b.conversations[m.ConversationID]; ok {
		last := m
		c.LastMessage = &last
		c.UpdatedAt = m.CreatedAt
	}
}

func isParticipant(c *protocol.Conversation, userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func stripTempID(m protocol.Message) protocol.Message {
	m.TempID = ""
	return m
}

package protocol

import (
	"html"
	"time"
)

// Status 消息投递状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// CanTransition 判断状态迁移是否合法
// pending → sent|failed，failed → pending（仅重试），sent → delivered
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusSent || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	case StatusSent:
		return to == StatusDelivered
	}
	return false
}

// Settled 是否已被服务端确认
func (s Status) Settled() bool {
	return s == StatusSent || s == StatusDelivered
}

// Message 会话消息
// 确认前只有 TempID，确认后 ID 为服务端分配
type Message struct {
	ID             string    `json:"id,omitempty"`
	TempID         string    `json:"temp_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	Status         Status    `json:"status,omitempty"`
	Read           bool      `json:"read,omitempty"`
}

// Key 列表中的唯一键
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// DisplayText 展示用文本，已转义
func (m Message) DisplayText() string {
	return SanitizeText(m.Text)
}

// MarkRead 标记已读，只有已确认的消息可以被标记
func (m *Message) MarkRead() bool {
	if !m.Status.Settled() || m.Read {
		return false
	}
	m.Read = true
	return true
}

// Conversation 会话
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Peer 返回对端用户
func (c Conversation) Peer(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// SanitizeText 转义不可信文本中的标记
func SanitizeText(text string) string {
	return html.EscapeString(text)
}

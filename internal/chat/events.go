package chat

import (
	"parkdog.im/internal/connection"
	"parkdog.im/internal/protocol"
)

// EventType UI 事件类型
type EventType string

const (
	EventModeChanged       EventType = "mode_changed"
	EventConnectionChanged EventType = "connection_changed"
	EventMessageUpserted   EventType = "message_upserted"
	EventHistoryLoaded     EventType = "history_loaded"
	EventTypingChanged     EventType = "typing_changed"
	EventReadReceipt       EventType = "read_receipt"
	EventServerError       EventType = "server_error"
	EventDeliveryFailed    EventType = "delivery_failed"
)

// Event 推送给 UI 的事件，只有与 Type 对应的字段有值
type Event struct {
	Type           EventType
	Mode           Mode
	Connection     connection.StateChange
	ConversationID string
	Message        protocol.Message
	Messages       []protocol.Message
	UserID         string
	IsTyping       bool
	UptoMessageID  string
	ErrorCode      string
	ErrorMessage   string
	Err            error
}

// Subscribe 订阅 UI 事件，返回取消订阅函数
// 回调在同一个事件循环上顺序执行
func (c *Client) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Client) emit(ev Event) {
	c.subMu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	if len(subs) == 0 {
		return
	}
	c.events.Submit(func() {
		for _, fn := range subs {
			fn(ev)
		}
	})
}

func (c *Client) emitMessage(m protocol.Message) {
	c.emit(Event{Type: EventMessageUpserted, ConversationID: m.ConversationID, Message: m})
}

package chat

import (
	"encoding/json"
	"time"

	"parkdog.im/internal/protocol"
)

// handleInbound 处理实时下行事件，运行在连接管理器的事件循环上
func (c *Client) handleInbound(data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("Dropping malformed event", "error", err)
		c.metrics.Dropped(eventName(data))
		return
	}

	switch in.Event {
	case protocol.EventAck:
		c.handleAck(in.Ack)
	case protocol.EventNewMessage:
		c.handleNewMessage(in.NewMessage)
	case protocol.EventJoined:
		if in.Dropped > 0 {
			c.logger.Warn("Dropped malformed history entries", "count", in.Dropped)
		}
		c.handleJoined(in.Joined)
	case protocol.EventTyping:
		c.handlePeerTyping(in.Typing)
	case protocol.EventReadReceipt:
		c.handleReadReceipt(in.ReadReceipt)
	case protocol.EventError:
		c.handleServerError(in.Error)
	}
}

func (c *Client) handleAck(ack *protocol.AckPayload) {
	entry, ok := c.outbox.Get(ack.TempID)
	if !ok {
		c.logger.Debug("Ack for unknown message", "temp_id", ack.TempID)
		return
	}

	c.mu.Lock()
	sentAt, timed := c.sentAt[ack.TempID]
	c.mu.Unlock()
	if timed {
		c.metrics.ObserveAck(c.now().Sub(sentAt).Seconds())
	}

	c.resolve(entry.ConversationID, ack.TempID, ack.ServerID, ack.Timestamp)
}

// handleNewMessage 推送消息；自己发出的消息与待发队列对账，避免重复展示
func (c *Client) handleNewMessage(p *protocol.NewMessagePayload) {
	m := p.Message
	if m.ConversationID == "" {
		m.ConversationID = p.ConversationID
	}

	if m.SenderID != c.opts.UserID {
		m.Status = protocol.StatusDelivered
		c.store.Upsert(m)
		c.emitMessage(m)
		c.persist(m)
		c.clearPeerTyping(m.ConversationID, m.SenderID)
		return
	}

	if existing, ok := c.store.Find(m.ConversationID, m.ID); ok && existing.Status.Settled() {
		return
	}

	tempID := m.TempID
	if tempID == "" {
		since := m.CreatedAt.Add(-c.opts.DedupWindow)
		if now := c.now().Add(-c.opts.DedupWindow); now.Before(since) {
			since = now
		}
		if entry, ok := c.outbox.Match(m.ConversationID, m.Text, since); ok {
			tempID = entry.TempID
		}
	}
	if tempID != "" {
		if _, ok := c.outbox.Get(tempID); ok {
			c.resolve(m.ConversationID, tempID, m.ID, m.CreatedAt)
			return
		}
	}

	// 其他设备发出的消息
	m.Status = protocol.StatusSent
	c.store.Upsert(m)
	c.emitMessage(m)
	c.persist(m)
}

func (c *Client) handleJoined(p *protocol.JoinedPayload) {
	conversationID := p.ConversationID
	if conversationID == "" && len(p.Messages) > 0 {
		conversationID = p.Messages[0].ConversationID
	}
	if conversationID == "" {
		return
	}

	c.mu.Lock()
	waiters := c.joinWaiters[conversationID]
	delete(c.joinWaiters, conversationID)
	c.mu.Unlock()

	msgs := c.mergeHistory(conversationID, p.Messages)
	for _, ch := range waiters {
		ch <- msgs
	}
}

// handlePeerTyping 对端输入状态，quiet 内没有新的 typing 事件自动清除
func (c *Client) handlePeerTyping(p *protocol.TypingPayload) {
	if p.UserID == c.opts.UserID {
		return
	}

	key := p.ConversationID + "/" + p.UserID
	c.mu.Lock()
	c.peerTyping[key]++
	seq := c.peerTyping[key]
	if !p.IsTyping {
		delete(c.peerTyping, key)
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventTypingChanged, ConversationID: p.ConversationID, UserID: p.UserID, IsTyping: p.IsTyping})

	if p.IsTyping {
		time.AfterFunc(c.opts.TypingQuiet, func() { c.expirePeerTyping(p.ConversationID, p.UserID, seq) })
	}
}

func (c *Client) expirePeerTyping(conversationID, userID string, seq uint64) {
	key := conversationID + "/" + userID
	c.mu.Lock()
	if c.peerTyping[key] != seq {
		c.mu.Unlock()
		return
	}
	delete(c.peerTyping, key)
	c.mu.Unlock()

	c.emit(Event{Type: EventTypingChanged, ConversationID: conversationID, UserID: userID, IsTyping: false})
}

func (c *Client) clearPeerTyping(conversationID, userID string) {
	key := conversationID + "/" + userID
	c.mu.Lock()
	_, active := c.peerTyping[key]
	delete(c.peerTyping, key)
	c.mu.Unlock()

	if active {
		c.emit(Event{Type: EventTypingChanged, ConversationID: conversationID, UserID: userID, IsTyping: false})
	}
}

// PeerTyping 对端是否正在输入
func (c *Client) PeerTyping(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peerTyping[conversationID+"/"+userID]
	return ok
}

func (c *Client) handleReadReceipt(p *protocol.ReadPayload) {
	if p.UserID == c.opts.UserID {
		return
	}

	changed := c.store.MarkReadUpTo(p.ConversationID, p.UptoMessageID, c.opts.UserID)
	for _, m := range changed {
		c.emitMessage(m)
	}
	if len(changed) > 0 {
		c.persist(changed...)
	}
	c.emit(Event{Type: EventReadReceipt, ConversationID: p.ConversationID, UserID: p.UserID, UptoMessageID: p.UptoMessageID})
}

func (c *Client) handleServerError(p *protocol.ErrorPayload) {
	c.logger.Warn("Server error", "code", p.Code, "message", p.Message)
	c.emit(Event{Type: EventServerError, ErrorCode: p.Code, ErrorMessage: p.Message})

	if p.Code == protocol.ErrorCodeTokenExpired {
		c.rt.Reconnect(true)
	}
}

// eventName 尽量取出事件名用于统计
func eventName(data []byte) string {
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Event
}

package chat

import (
	"context"
	"time"

	"parkdog.im/internal/protocol"
	imErrors "parkdog.im/pkg/errors"
)

// Join 进入会话并加载历史
// 先展示本地缓存，再用服务端快照（实时 joined 或 HTTP）覆盖
func (c *Client) Join(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	if conversationID == "" {
		return nil, imErrors.ErrInvalidParams
	}

	if !c.store.HasMessages(conversationID) {
		cached, err := c.cache.Load(ctx, conversationID)
		if err != nil {
			c.logger.Warn("Load history cache failed", "conversation", conversationID, "error", err)
		} else if len(cached) > 0 {
			merged := c.store.Merge(conversationID, cached)
			c.emit(Event{Type: EventHistoryLoaded, ConversationID: conversationID, Messages: merged})
		}
	}

	if c.realtimeReady() {
		if msgs, ok := c.joinRealtime(ctx, conversationID); ok {
			return msgs, nil
		}
	}

	msgs, err := c.api.Messages(ctx, conversationID)
	if err != nil {
		if c.store.HasMessages(conversationID) {
			c.logger.Warn("Fetch history failed, showing cached messages", "conversation", conversationID, "error", err)
			return c.store.Messages(conversationID), nil
		}
		return nil, err
	}
	return c.mergeHistory(conversationID, msgs), nil
}

// joinRealtime 发送 join 并等待 joined 快照
func (c *Client) joinRealtime(ctx context.Context, conversationID string) ([]protocol.Message, bool) {
	data, err := protocol.Encode(protocol.NewJoin(conversationID))
	if err != nil {
		return nil, false
	}

	ch := make(chan []protocol.Message, 1)
	c.mu.Lock()
	c.joinWaiters[conversationID] = append(c.joinWaiters[conversationID], ch)
	c.mu.Unlock()

	if err := c.rt.Send(data); err != nil {
		c.logger.Warn("Send join failed", "conversation", conversationID, "error", err)
		c.dropJoinWaiter(conversationID, ch)
		return nil, false
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case msgs := <-ch:
		return msgs, true
	case <-timer.C:
		c.logger.Warn("Join timed out, loading history over HTTP", "conversation", conversationID)
	case <-ctx.Done():
	}
	c.dropJoinWaiter(conversationID, ch)
	return nil, false
}

func (c *Client) dropJoinWaiter(conversationID string, ch chan []protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.joinWaiters[conversationID]
	for i := range list {
		if list[i] == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.joinWaiters, conversationID)
		return
	}
	c.joinWaiters[conversationID] = list
}

func (c *Client) mergeHistory(conversationID string, snapshot []protocol.Message) []protocol.Message {
	merged := c.store.Merge(conversationID, snapshot)
	c.persist(merged...)
	c.emit(Event{Type: EventHistoryLoaded, ConversationID: conversationID, Messages: merged})
	return merged
}

// Conversations 拉取会话列表；请求失败时返回已有的列表
func (c *Client) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	convs, err := c.api.Conversations(ctx)
	if err != nil {
		if cached := c.store.Conversations(); len(cached) > 0 {
			c.logger.Warn("Fetch conversations failed, showing cached list", "error", err)
			return cached, nil
		}
		return nil, err
	}

	c.store.PutConversations(convs)
	return c.store.Conversations(), nil
}

// MarkRead 发送已读回执，不等待结果，只在实时模式下发送
func (c *Client) MarkRead(conversationID, uptoMessageID string) error {
	if conversationID == "" || uptoMessageID == "" {
		return imErrors.ErrInvalidParams
	}
	if !c.realtimeReady() {
		return imErrors.ErrNotConnected
	}

	data, err := protocol.Encode(protocol.NewRead(conversationID, uptoMessageID))
	if err != nil {
		return imErrors.ErrProtocol.Wrap(err)
	}
	if err := c.rt.Send(data); err != nil {
		c.logger.Debug("Send read receipt failed", "conversation", conversationID, "error", err)
	}
	return nil
}

// SetTyping 上报本地输入状态，经过节流后发送
func (c *Client) SetTyping(conversationID string, isTyping bool) {
	if conversationID == "" {
		return
	}
	c.typing.Set(conversationID, isTyping)
}

func (c *Client) emitTyping(conversationID string, isTyping bool) {
	if !c.realtimeReady() {
		return
	}
	data, err := protocol.Encode(protocol.NewTyping(conversationID, isTyping))
	if err != nil {
		return
	}
	if err := c.rt.Send(data); err != nil {
		c.logger.Debug("Send typing failed", "conversation", conversationID, "error", err)
	}
}

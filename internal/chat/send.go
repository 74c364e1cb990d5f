package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"parkdog.im/internal/connection"
	"parkdog.im/internal/metrics"
	"parkdog.im/internal/outbox"
	"parkdog.im/internal/protocol"
	imErrors "parkdog.im/pkg/errors"
)

// Send 发送一条消息
// 先以 pending 状态乐观展示；实时通道可用时等待确认，超时或写失败后改走 HTTP；
// HTTP 也失败时消息标记为 failed 并返回 DeliveryFailure
func (c *Client) Send(ctx context.Context, conversationID, text, tempID string) (protocol.Message, error) {
	if conversationID == "" || strings.TrimSpace(text) == "" {
		return protocol.Message{}, imErrors.ErrInvalidParams
	}
	if tempID == "" {
		tempID = uuid.NewString()
	}

	if existing, ok := c.store.Find(conversationID, tempID); ok && existing.Status.Settled() {
		return existing, nil
	}

	msg := protocol.Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       c.opts.UserID,
		Text:           text,
		CreatedAt:      c.now(),
		Status:         protocol.StatusPending,
	}
	c.store.Upsert(msg)
	c.emitMessage(msg)

	entry := c.enqueue(outbox.Entry{TempID: tempID, ConversationID: conversationID, Text: text, CreatedAt: msg.CreatedAt})
	return c.deliver(ctx, entry)
}

// Retry 重发一条失败的消息
func (c *Client) Retry(ctx context.Context, tempID string) (protocol.Message, error) {
	found, exists := c.store.Locate(tempID)
	if !exists {
		return protocol.Message{}, imErrors.ErrNotFound
	}
	conversationID := found.ConversationID

	msg, ok := c.store.Update(conversationID, tempID, func(m *protocol.Message) bool {
		if !m.Status.CanTransition(protocol.StatusPending) {
			return false
		}
		m.Status = protocol.StatusPending
		return true
	})
	if !ok {
		return protocol.Message{}, imErrors.ErrInvalidParams.WithMessage("只能重发失败的消息")
	}
	c.emitMessage(msg)

	entry := c.enqueue(outbox.Entry{TempID: msg.TempID, ConversationID: conversationID, Text: msg.Text, CreatedAt: c.now()})
	return c.deliver(ctx, entry)
}

// enqueue 写入待发队列，被挤出的消息标记为失败
func (c *Client) enqueue(e outbox.Entry) outbox.Entry {
	evicted := c.outbox.Add(e)
	for _, victim := range evicted {
		c.logger.Warn("Outbox full, evicting message", "temp_id", victim.TempID)
		c.markFailed(victim, imErrors.ErrOutboxFull)
		c.abortDelivery(victim.TempID)
	}
	c.metrics.Evicted(len(evicted))
	c.metrics.SetOutboxPending(c.outbox.Len())

	if stored, ok := c.outbox.Get(e.TempID); ok {
		return stored
	}
	return e
}

// deliver 按当前模式投递一条待发消息
// 投递途中被挤出队列时立即放弃，不再等待确认也不再走 HTTP
func (c *Client) deliver(ctx context.Context, e outbox.Entry) (protocol.Message, error) {
	evicted := c.watchEviction(e.TempID)
	defer c.unwatchEviction(e.TempID, evicted)
	if _, queued := c.outbox.Get(e.TempID); !queued {
		return c.evictedResult(e)
	}

	if c.realtimeReady() {
		m, err := c.sendRealtime(ctx, e, evicted)
		if err == nil {
			return m, nil
		}
		if imErrors.Is(err, imErrors.ErrOutboxFull) {
			return c.evictedResult(e)
		}
		c.logger.Warn("Realtime send failed, falling back to HTTP", "temp_id", e.TempID, "error", err)
		if imErrors.Is(err, imErrors.ErrSendTimeout) {
			c.enterFallback(err)
		}
	}

	select {
	case <-evicted:
		return c.evictedResult(e)
	default:
	}
	return c.sendHTTP(ctx, e)
}

func (c *Client) watchEviction(tempID string) chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.evictions[tempID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unwatchEviction(tempID string, ch chan struct{}) {
	c.mu.Lock()
	if c.evictions[tempID] == ch {
		delete(c.evictions, tempID)
	}
	c.mu.Unlock()
}

// abortDelivery 通知仍在投递的 Send 放弃
func (c *Client) abortDelivery(tempID string) {
	c.mu.Lock()
	ch := c.evictions[tempID]
	delete(c.evictions, tempID)
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// evictedResult 被挤出的消息：另一条路径抢先确认了就照常返回，否则报 OutboxFull
func (c *Client) evictedResult(e outbox.Entry) (protocol.Message, error) {
	m, _ := c.store.Find(e.ConversationID, e.TempID)
	if m.Status.Settled() {
		return m, nil
	}
	return m, imErrors.ErrDeliveryFailure.Wrap(imErrors.ErrOutboxFull)
}

func (c *Client) realtimeReady() bool {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	return mode != ModeFallback && c.rt.State() == connection.StateConnected
}

// sendRealtime 通过实时连接发送并等待按 tempID 关联的确认
func (c *Client) sendRealtime(ctx context.Context, e outbox.Entry, evicted <-chan struct{}) (protocol.Message, error) {
	data, err := protocol.Encode(protocol.NewSend(e.ConversationID, e.Text, e.TempID))
	if err != nil {
		return protocol.Message{}, imErrors.ErrProtocol.Wrap(err)
	}

	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.waiters[e.TempID] = ch
	c.sentAt[e.TempID] = c.now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[e.TempID] == ch {
			delete(c.waiters, e.TempID)
		}
		delete(c.sentAt, e.TempID)
		c.mu.Unlock()
	}()

	if err := c.rt.Send(data); err != nil {
		c.metrics.SendFailed(metrics.PathRealtime)
		return protocol.Message{}, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case m := <-ch:
		c.metrics.Sent(metrics.PathRealtime)
		return m, nil
	case <-evicted:
		return protocol.Message{}, imErrors.ErrOutboxFull
	case <-timer.C:
		c.metrics.SendFailed(metrics.PathRealtime)
		return protocol.Message{}, imErrors.ErrSendTimeout
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// sendHTTP 通过 REST 接口发送
func (c *Client) sendHTTP(ctx context.Context, e outbox.Entry) (protocol.Message, error) {
	server, err := c.api.SendMessage(ctx, e.ConversationID, e.Text, e.TempID)
	if err != nil {
		c.metrics.SendFailed(metrics.PathHTTP)
		if !c.outbox.Fail(e.TempID) {
			// 等待期间另一条路径已经确认
			if m, ok := c.store.Find(e.ConversationID, e.TempID); ok && m.Status.Settled() {
				return m, nil
			}
		}
		failed := c.markFailed(e, err)
		return failed, imErrors.ErrDeliveryFailure.Wrap(err)
	}

	c.metrics.Sent(metrics.PathHTTP)
	if m, ok := c.resolve(e.ConversationID, e.TempID, server.ID, server.CreatedAt); ok || m.Status.Settled() {
		return m, nil
	}
	// 请求途中被挤出队列，消息保持 failed，可以 Retry
	return c.evictedResult(e)
}

// resolve 确认一条待发消息，只有第一次调用生效
// 未生效时返回存储中的当前记录（已被确认的，或被挤出后的 failed）
func (c *Client) resolve(conversationID, tempID, serverID string, createdAt time.Time) (protocol.Message, bool) {
	if _, ok := c.outbox.Take(tempID); !ok {
		if m, found := c.store.Find(conversationID, serverID); found {
			return m, false
		}
		m, _ := c.store.Find(conversationID, tempID)
		return m, false
	}
	c.metrics.SetOutboxPending(c.outbox.Len())

	m, ok := c.store.Settle(conversationID, tempID, serverID, createdAt)
	if !ok {
		c.logger.Warn("Confirmed message missing from store", "temp_id", tempID, "id", serverID)
		return m, true
	}
	c.emitMessage(m)
	c.persist(m)

	c.mu.Lock()
	ch := c.waiters[tempID]
	delete(c.waiters, tempID)
	c.mu.Unlock()
	if ch != nil {
		ch <- m
	}
	return m, true
}

// markFailed 标记发送失败并通知 UI
func (c *Client) markFailed(e outbox.Entry, cause error) protocol.Message {
	m, ok := c.store.Update(e.ConversationID, e.TempID, func(m *protocol.Message) bool {
		if !m.Status.CanTransition(protocol.StatusFailed) {
			return false
		}
		m.Status = protocol.StatusFailed
		return true
	})
	if !ok {
		m, _ = c.store.Find(e.ConversationID, e.TempID)
		return m
	}

	c.metrics.DeliveryFailed()
	c.metrics.SetOutboxPending(c.outbox.Len())
	c.emitMessage(m)
	c.emit(Event{Type: EventDeliveryFailed, ConversationID: e.ConversationID, Message: m, Err: cause})
	return m
}

// replayQueued 实时通道恢复后重发仍然新鲜的排队消息
func (c *Client) replayQueued() {
	fresh, stale := c.outbox.DrainFresh(c.now())
	for _, e := range stale {
		c.logger.Info("Dropping stale queued message", "temp_id", e.TempID)
	}
	c.metrics.SetOutboxPending(c.outbox.Len())

	for _, e := range fresh {
		m, ok := c.store.Update(e.ConversationID, e.TempID, func(m *protocol.Message) bool {
			if !m.Status.CanTransition(protocol.StatusPending) {
				return false
			}
			m.Status = protocol.StatusPending
			return true
		})
		if ok {
			c.emitMessage(m)
		}

		c.logger.Info("Replaying queued message", "temp_id", e.TempID, "attempt", e.Attempts)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.AckTimeout*2)
		if _, err := c.deliver(ctx, e); err != nil {
			c.logger.Warn("Replay failed", "temp_id", e.TempID, "error", err)
		}
		cancel()
	}
}

func (c *Client) persist(msgs ...protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cache.Save(ctx, msgs); err != nil {
		c.logger.Warn("Save history cache failed", "error", err)
	}
}

package store

import (
	"sort"
	"sync"
	"time"

	"parkdog.im/internal/protocol"
)

// Store 客户端内存缓存：会话列表与按会话排序的消息
// 只由聊天客户端修改，读取方拿到的都是副本
type Store struct {
	mu            sync.RWMutex
	conversations map[string]protocol.Conversation
	messages      map[string][]protocol.Message
}

// New 创建内存缓存
func New() *Store {
	return &Store{
		conversations: make(map[string]protocol.Conversation),
		messages:      make(map[string][]protocol.Message),
	}
}

// PutConversations 写入会话列表
func (s *Store) PutConversations(convs []protocol.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range convs {
		c.Participants = append([]string(nil), c.Participants...)
		if c.LastMessage != nil {
			last := *c.LastMessage
			c.LastMessage = &last
		}
		s.conversations[c.ID] = c
	}
}

// Conversations 会话列表，最近更新的在前
func (s *Store) Conversations() []protocol.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Conversation 查询单个会话
func (s *Store) Conversation(id string) (protocol.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Messages 会话消息副本，按创建时间排序
func (s *Store) Messages(conversationID string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.Message(nil), s.messages[conversationID]...)
}

// HasMessages 会话是否已有缓存消息
func (s *Store) HasMessages(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]) > 0
}

// Find 按服务端 ID 或临时 ID 查找消息
func (s *Store) Find(conversationID, key string) (protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := indexOf(s.messages[conversationID], key); i >= 0 {
		return s.messages[conversationID][i], true
	}
	return protocol.Message{}, false
}

// Locate 在所有会话中按 ID 或临时 ID 查找消息
func (s *Store) Locate(key string) (protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, list := range s.messages {
		if i := indexOf(list, key); i >= 0 {
			return list[i], true
		}
	}
	return protocol.Message{}, false
}

// Upsert 插入或替换消息
// 已存在相同 ID 或相同 TempID 的条目时原位替换，保证列表中不出现重复
func (s *Store) Upsert(m protocol.Message) protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(m)
	s.touchLocked(m)
	return m
}

// Update 就地修改一条消息，fn 返回 false 时不保存
func (s *Store) Update(conversationID, key string, fn func(*protocol.Message) bool) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	i := indexOf(list, key)
	if i < 0 {
		return protocol.Message{}, false
	}

	m := list[i]
	if !fn(&m) {
		return list[i], false
	}
	list[i] = m
	sortMessages(list)
	s.touchLocked(m)
	return m, true
}

// Settle 将临时消息确认为服务端消息
// 服务端 ID 已经存在时（例如先收到了快照）丢弃临时条目，返回保留的消息
func (s *Store) Settle(conversationID, tempID, id string, createdAt time.Time) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	i := indexOf(list, tempID)
	if i < 0 {
		return protocol.Message{}, false
	}

	if j := indexOf(list, id); j >= 0 && j != i {
		kept := list[j]
		kept.TempID = tempID
		if !kept.Status.Settled() {
			kept.Status = protocol.StatusSent
		}
		list[j] = kept
		list = append(list[:i], list[i+1:]...)
		s.messages[conversationID] = list
		s.touchLocked(kept)
		return kept, true
	}

	m := list[i]
	m.ID = id
	if m.Status != protocol.StatusDelivered {
		m.Status = protocol.StatusSent
	}
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}
	list[i] = m
	sortMessages(list)
	s.touchLocked(m)
	return m, true
}

// Merge 合并服务端快照，本地未确认的消息保留
func (s *Store) Merge(conversationID string, snapshot []protocol.Message) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range snapshot {
		if m.ConversationID != conversationID {
			continue
		}
		if m.Status == "" {
			m.Status = protocol.StatusDelivered
		}
		s.upsertLocked(m)
	}
	list := s.messages[conversationID]
	if n := len(list); n > 0 {
		s.touchLocked(list[n-1])
	}
	return append([]protocol.Message(nil), list...)
}

// MarkReadUpTo 将 upto 及之前 sender 发出的已确认消息标记为已读，返回发生变化的消息
func (s *Store) MarkReadUpTo(conversationID, uptoID, sender string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	limit := indexOf(list, uptoID)
	if limit < 0 {
		return nil
	}

	var changed []protocol.Message
	for i := 0; i <= limit; i++ {
		if list[i].SenderID != sender {
			continue
		}
		if list[i].MarkRead() {
			changed = append(changed, list[i])
		}
	}
	return changed
}

func (s *Store) upsertLocked(m protocol.Message) {
	list := s.messages[m.ConversationID]

	i := -1
	if m.ID != "" {
		i = indexOf(list, m.ID)
	}
	if i < 0 && m.TempID != "" {
		i = indexOf(list, m.TempID)
	}

	if i >= 0 {
		// 已读标记只会前进
		if list[i].Read && m.Status.Settled() {
			m.Read = true
		}
		list[i] = m
	} else {
		list = append(list, m)
	}
	sortMessages(list)
	s.messages[m.ConversationID] = list
}

func (s *Store) touchLocked(m protocol.Message) {
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return
	}
	if c.LastMessage == nil || !m.CreatedAt.Before(c.LastMessage.CreatedAt) || c.LastMessage.Key() == m.Key() {
		last := m
		c.LastMessage = &last
		if m.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = m.CreatedAt
		}
		s.conversations[m.ConversationID] = c
	}
}

func indexOf(list []protocol.Message, key string) int {
	if key == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == key || list[i].TempID == key {
			return i
		}
	}
	return -1
}

func sortMessages(list []protocol.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Key() < list[j].Key()
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

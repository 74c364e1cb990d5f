package outbox

import (
	"sync"
	"time"
)

// State 待发送条目状态
type State string

const (
	// StateInFlight 正在通过实时通道或 HTTP 发送
	StateInFlight State = "in_flight"
	// StateQueued 发送失败，等待重放或用户重试
	StateQueued State = "queued"
)

// Entry 待确认的本地消息
type Entry struct {
	TempID         string
	ConversationID string
	Text           string
	CreatedAt      time.Time
	State          State
	Attempts       int
}

// Outbox 本地待确认消息队列
// Take 是唯一能把条目移出队列的确认入口，保证每条消息只被确认一次
type Outbox struct {
	capacity  int
	freshness time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	order   []string // 按加入顺序
}

// New 创建队列
func New(capacity int, freshness time.Duration) *Outbox {
	if capacity <= 0 {
		capacity = 100
	}
	if freshness <= 0 {
		freshness = 30 * time.Second
	}
	return &Outbox{
		capacity:  capacity,
		freshness: freshness,
		entries:   make(map[string]*Entry),
	}
}

// Add 加入或重新发送一条消息，状态置为 in_flight
// 超出容量时先淘汰 queued 条目，再淘汰最早的 in_flight 条目，被淘汰的条目返回给调用方
func (o *Outbox) Add(e Entry) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.entries[e.TempID]; ok {
		existing.State = StateInFlight
		existing.Attempts++
		return nil
	}

	e.State = StateInFlight
	e.Attempts = 1
	o.entries[e.TempID] = &e
	o.order = append(o.order, e.TempID)

	var evicted []Entry
	for len(o.order) > o.capacity {
		victim := o.pickVictimLocked(e.TempID)
		if victim == "" {
			break
		}
		evicted = append(evicted, *o.entries[victim])
		o.removeLocked(victim)
	}
	return evicted
}

func (o *Outbox) pickVictimLocked(keep string) string {
	for _, id := range o.order {
		if id != keep && o.entries[id].State == StateQueued {
			return id
		}
	}
	for _, id := range o.order {
		if id != keep {
			return id
		}
	}
	return ""
}

// Take 取出并移除条目；同一 tempID 只有第一次调用返回 true
func (o *Outbox) Take(tempID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[tempID]
	if !ok {
		return Entry{}, false
	}
	o.removeLocked(tempID)
	return *e, true
}

// Fail 发送失败，条目转为 queued
func (o *Outbox) Fail(tempID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[tempID]
	if !ok {
		return false
	}
	e.State = StateQueued
	return true
}

// Get 查询条目
func (o *Outbox) Get(tempID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[tempID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// DrainFresh 处理重放队列：新鲜的 queued 条目转回 in_flight 后返回，过期条目直接移除
func (o *Outbox) DrainFresh(now time.Time) (fresh []Entry, stale []Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range append([]string(nil), o.order...) {
		e := o.entries[id]
		if e.State != StateQueued {
			continue
		}
		if now.Sub(e.CreatedAt) > o.freshness {
			stale = append(stale, *e)
			o.removeLocked(id)
			continue
		}
		e.State = StateInFlight
		e.Attempts++
		fresh = append(fresh, *e)
	}
	return fresh, stale
}

// Match 查找同一会话中相同文本、创建时间不早于 since 的最早条目
func (o *Outbox) Match(conversationID, text string, since time.Time) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range o.order {
		e := o.entries[id]
		if e.ConversationID == conversationID && e.Text == text && !e.CreatedAt.Before(since) {
			return *e, true
		}
	}
	return Entry{}, false
}

// Len 条目总数
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.order)
}

// Queued 等待重放的条目数
func (o *Outbox) Queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, e := range o.entries {
		if e.State == StateQueued {
			n++
		}
	}
	return n
}

// Capacity 队列容量
func (o *Outbox) Capacity() int {
	return o.capacity
}

func (o *Outbox) removeLocked(tempID string) {
	delete(o.entries, tempID)
	for i, id := range o.order {
		if id == tempID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}

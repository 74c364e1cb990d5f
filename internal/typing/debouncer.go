package typing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Emitter 发出输入状态
type Emitter func(conversationID string, isTyping bool)

type convState struct {
	limiter *rate.Limiter
	timer   *time.Timer
	seq     uint64
	active  bool
}

// Debouncer 输入状态节流
// 持续输入时每个 throttle 窗口最多发出一次 true；quiet 内没有新输入自动发出 false
type Debouncer struct {
	throttle time.Duration
	quiet    time.Duration
	emit     Emitter
	now      func() time.Time

	mu    sync.Mutex
	convs map[string]*convState
}

// New 创建节流器
func New(throttle, quiet time.Duration, emit Emitter) *Debouncer {
	if throttle <= 0 {
		throttle = time.Second
	}
	if quiet <= 0 {
		quiet = 3 * time.Second
	}
	return &Debouncer{
		throttle: throttle,
		quiet:    quiet,
		emit:     emit,
		now:      time.Now,
		convs:    make(map[string]*convState),
	}
}

// Set 上报本地输入状态
// 发送在释放锁之后进行，慢写不会阻塞其他会话
func (d *Debouncer) Set(conversationID string, isTyping bool) {
	if d.set(conversationID, isTyping) {
		d.emit(conversationID, isTyping)
	}
}

// set 更新状态，返回是否需要发出事件
func (d *Debouncer) set(conversationID string, isTyping bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !isTyping {
		return d.stopLocked(conversationID)
	}

	st, ok := d.convs[conversationID]
	if !ok {
		st = &convState{limiter: rate.NewLimiter(rate.Every(d.throttle), 1)}
		d.convs[conversationID] = st
	}

	emit := false
	if st.limiter.AllowN(d.now(), 1) {
		st.active = true
		emit = true
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.seq++
	seq := st.seq
	st.timer = time.AfterFunc(d.quiet, func() { d.expire(conversationID, seq) })
	return emit
}

// Active 当前是否处于输入状态
func (d *Debouncer) Active(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.convs[conversationID]
	return ok && st.active
}

// Stop 取消所有静默定时器，不再发出事件
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, st := range d.convs {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(d.convs, id)
	}
}

func (d *Debouncer) expire(conversationID string, seq uint64) {
	d.mu.Lock()
	st, ok := d.convs[conversationID]
	if !ok || st.seq != seq {
		d.mu.Unlock()
		return
	}
	emit := d.stopLocked(conversationID)
	d.mu.Unlock()

	if emit {
		d.emit(conversationID, false)
	}
}

// stopLocked 结束输入，返回是否需要发出 false（只在已发出 true 时）
func (d *Debouncer) stopLocked(conversationID string) bool {
	st, ok := d.convs[conversationID]
	if !ok {
		return false
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(d.convs, conversationID)
	return st.active
}

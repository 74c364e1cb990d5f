package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parkdog.im/internal/connection"
	"parkdog.im/internal/health"
	"parkdog.im/internal/metrics"
	"parkdog.im/internal/outbox"
	"parkdog.im/internal/protocol"
	"parkdog.im/internal/store"
	"parkdog.im/internal/typing"
	"parkdog.im/internal/workerpool"
)

// Mode 消息收发模式
type Mode string

const (
	ModeRealtime     Mode = "websocket_connected"
	ModeConnecting   Mode = "websocket_connecting"
	ModeFallback     Mode = "http_fallback"
	ModeDisconnected Mode = "disconnected"
)

var allModes = []string{string(ModeRealtime), string(ModeConnecting), string(ModeFallback), string(ModeDisconnected)}

var allStates = []string{
	string(connection.StateDisconnected),
	string(connection.StateConnecting),
	string(connection.StateConnected),
	string(connection.StateReconnecting),
	string(connection.StateFailed),
}

// Realtime 实时连接，由 connection.Manager 实现
type Realtime interface {
	Connect(ctx context.Context) error
	Disconnect()
	Reset()
	Reconnect(tokenExpired bool)
	Send(data []byte) error
	OnStateChange(fn func(connection.StateChange)) func()
	OnMessage(fn func([]byte)) func()
	State() connection.State
	Attempts() int
}

// API REST 接口，由 httpapi.Client 实现
type API interface {
	Conversations(ctx context.Context) ([]protocol.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]protocol.Message, error)
	SendMessage(ctx context.Context, conversationID, text, tempID string) (*protocol.Message, error)
}

// Options 客户端参数
type Options struct {
	UserID          string
	AckTimeout      time.Duration
	ProbeInterval   time.Duration
	DedupWindow     time.Duration
	FreshnessWindow time.Duration
	OutboxCapacity  int
	TypingThrottle  time.Duration
	TypingQuiet     time.Duration
}

func (o *Options) setDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 12 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Second
	}
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = 30 * time.Second
	}
	if o.OutboxCapacity <= 0 {
		o.OutboxCapacity = 100
	}
	if o.TypingThrottle <= 0 {
		o.TypingThrottle = time.Second
	}
	if o.TypingQuiet <= 0 {
		o.TypingQuiet = 3 * time.Second
	}
}

// Client 实时聊天客户端
// 实时通道优先，不可用时降级为 HTTP，并在后台探测恢复
type Client struct {
	opts    Options
	rt      Realtime
	api     API
	cache   store.HistoryCache
	store   *store.Store
	outbox  *outbox.Outbox
	typing  *typing.Debouncer
	metrics *metrics.Metrics
	logger  *slog.Logger
	events  *workerpool.Pool
	now     func() time.Time

	mu          sync.Mutex
	mode        Mode
	started     bool
	probeCancel context.CancelFunc
	unsubs      []func()
	waiters     map[string]chan protocol.Message // tempID -> 等待确认的发送方
	sentAt      map[string]time.Time
	evictions   map[string]chan struct{} // tempID -> 被挤出队列时关闭
	joinWaiters map[string][]chan []protocol.Message
	peerTyping  map[string]uint64 // conversation/user -> 序号

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Event)
}

// New 创建客户端；cache、metrics 可为 nil
func New(opts Options, rt Realtime, api API, cache store.HistoryCache, m *metrics.Metrics, logger *slog.Logger) *Client {
	opts.setDefaults()
	if cache == nil {
		cache = store.NopCache{}
	}

	c := &Client{
		opts:        opts,
		rt:          rt,
		api:         api,
		cache:       cache,
		store:       store.New(),
		outbox:      outbox.New(opts.OutboxCapacity, opts.FreshnessWindow),
		metrics:     m,
		logger:      logger.With("component", "chat"),
		events:      workerpool.New(1, 1024, logger),
		now:         time.Now,
		mode:        ModeDisconnected,
		waiters:     make(map[string]chan protocol.Message),
		sentAt:      make(map[string]time.Time),
		evictions:   make(map[string]chan struct{}),
		joinWaiters: make(map[string][]chan []protocol.Message),
		peerTyping:  make(map[string]uint64),
		subs:        make(map[int]func(Event)),
	}
	c.typing = typing.New(opts.TypingThrottle, opts.TypingQuiet, c.emitTyping)
	return c
}

// Start 注册监听并建立实时连接；连接失败时进入 HTTP 降级模式并后台探测
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.unsubs = []func(){
		c.rt.OnStateChange(c.handleStateChange),
		c.rt.OnMessage(c.handleInbound),
	}
	c.mu.Unlock()

	c.setMode(ModeConnecting)

	if err := c.rt.Connect(ctx); err != nil {
		c.logger.Warn("Realtime unavailable, using HTTP fallback", "error", err)
		c.enterFallback(err)
	}
	return nil
}

// Stop 停止探测和输入状态计时器，断开连接并移除所有监听
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	if c.probeCancel != nil {
		c.probeCancel()
		c.probeCancel = nil
	}
	unsubs := c.unsubs
	c.unsubs = nil
	c.peerTyping = make(map[string]uint64)
	c.mu.Unlock()

	c.typing.Stop()
	c.rt.Disconnect()
	for _, unsub := range unsubs {
		unsub()
	}
	c.setMode(ModeDisconnected)
}

// Close 停止客户端并关闭事件循环
func (c *Client) Close() error {
	c.Stop()
	c.events.Shutdown()
	return c.cache.Close()
}

// Mode 当前模式
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Messages 会话消息副本
func (c *Client) Messages(conversationID string) []protocol.Message {
	return c.store.Messages(conversationID)
}

// Snapshot 健康检查使用的运行状态
func (c *Client) Snapshot() health.Snapshot {
	return health.Snapshot{
		Mode:              string(c.Mode()),
		Connection:        string(c.rt.State()),
		ReconnectAttempts: c.rt.Attempts(),
		OutboxPending:     c.outbox.Len(),
		OutboxQueued:      c.outbox.Queued(),
	}
}

// Flush 等待已产生的 UI 事件派发完
func (c *Client) Flush() {
	c.events.Flush()
}

func (c *Client) setMode(mode Mode) {
	c.mu.Lock()
	prev := c.mode
	c.mode = mode
	c.mu.Unlock()

	c.announceMode(prev, mode)
}

func (c *Client) announceMode(prev, mode Mode) {
	if prev == mode {
		return
	}
	c.logger.Info("Mode changed", "from", prev, "to", mode)
	c.metrics.SetMode(string(mode), allModes)
	c.emit(Event{Type: EventModeChanged, Mode: mode})
}

// handleStateChange 连接状态变化，运行在连接管理器的事件循环上
func (c *Client) handleStateChange(change connection.StateChange) {
	c.metrics.SetConnectionState(string(change.State), allStates)
	c.emit(Event{Type: EventConnectionChanged, Connection: change, Err: change.Err})

	switch change.State {
	case connection.StateConnected:
		c.resumeRealtime()
	case connection.StateReconnecting:
		c.metrics.ReconnectScheduled()
		if change.Err != nil {
			c.enterFallback(change.Err)
		}
	case connection.StateFailed:
		c.enterFallback(change.Err)
	}
}

// enterFallback 进入 HTTP 降级模式并启动后台探测
func (c *Client) enterFallback(reason error) {
	c.mu.Lock()
	if !c.started || c.mode == ModeFallback {
		c.mu.Unlock()
		return
	}
	prev := c.mode
	c.mode = ModeFallback
	ctx, cancel := context.WithCancel(context.Background())
	c.probeCancel = cancel
	c.mu.Unlock()

	c.logger.Warn("Entering HTTP fallback", "reason", reason)
	c.announceMode(prev, ModeFallback)
	go c.probe(ctx)
}

// resumeRealtime 实时通道恢复：静默切回并重放仍然新鲜的待发消息
func (c *Client) resumeRealtime() {
	c.mu.Lock()
	if !c.started || c.mode == ModeRealtime {
		c.mu.Unlock()
		return
	}
	if c.probeCancel != nil {
		c.probeCancel()
		c.probeCancel = nil
	}
	prev := c.mode
	c.mode = ModeRealtime
	c.mu.Unlock()

	c.announceMode(prev, ModeRealtime)
	go c.replayQueued()
}

// probe 降级期间定期尝试恢复实时通道
func (c *Client) probe(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch c.rt.State() {
		case connection.StateConnected:
			// 连接一直在线（例如只是确认超时），直接切回
			c.resumeRealtime()
			return
		case connection.StateConnecting, connection.StateReconnecting:
			// 退避重连进行中，不打断它的节奏
			continue
		case connection.StateFailed:
			c.rt.Reset()
		}

		c.logger.Debug("Probing realtime connection")
		if err := c.rt.Connect(ctx); err != nil {
			c.logger.Debug("Probe failed", "error", err)
		}
	}
}

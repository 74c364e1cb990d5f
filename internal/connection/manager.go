package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"parkdog.im/internal/transport"
	"parkdog.im/internal/workerpool"
	imErrors "parkdog.im/pkg/errors"
)

// TokenSource 实时 Token 来源
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate 丢弃缓存的 Token，服务端判定过期时调用
	Invalidate()
}

// Options 连接管理器配置
type Options struct {
	URL               string
	Backoff           Backoff
	MaxAttempts       int
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	DialTimeout       time.Duration
}

func (o *Options) setDefaults() {
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
}

// Manager 管理一条逻辑实时连接
// 状态、重连计数只由 Manager 修改；所有回调在同一个事件循环上顺序执行
type Manager struct {
	opts   Options
	dialer transport.Dialer
	tokens TokenSource
	logger *slog.Logger
	events *workerpool.Pool

	mu             sync.Mutex
	state          State
	sock           transport.Socket
	gen            uint64 // 每建立或释放一次连接递增，旧连接的回调据此忽略
	attempts       int
	connecting     bool
	intentional    bool
	timerSeq       uint64
	reconnectTimer *time.Timer
	stopHeartbeat  context.CancelFunc

	lastActivity atomic.Int64

	listenerMu       sync.Mutex
	nextListenerID   int
	stateListeners   map[int]func(StateChange)
	messageListeners map[int]func([]byte)
}

// NewManager 创建连接管理器
func NewManager(opts Options, dialer transport.Dialer, tokens TokenSource, logger *slog.Logger) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:             opts,
		dialer:           dialer,
		tokens:           tokens,
		logger:           logger.With("component", "connection"),
		events:           workerpool.New(1, 1024, logger),
		state:            StateDisconnected,
		stateListeners:   make(map[int]func(StateChange)),
		messageListeners: make(map[int]func([]byte)),
	}
}

// OnStateChange 注册状态监听，返回注销函数
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	m.stateListeners[id] = fn
	return func() {
		m.listenerMu.Lock()
		delete(m.stateListeners, id)
		m.listenerMu.Unlock()
	}
}

// OnMessage 注册入站消息监听，返回注销函数
func (m *Manager) OnMessage(fn func([]byte)) func() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	m.messageListeners[id] = fn
	return func() {
		m.listenerMu.Lock()
		delete(m.messageListeners, id)
		m.listenerMu.Unlock()
	}
}

// State 当前状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts 当前重连次数
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastActivity 最近一次入站活动时间
func (m *Manager) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

// Connect 建立连接
// 已连接或正在连接时直接返回；失败返回 ConnectionError，并按退避策略安排重连
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.intentional = false
	m.connecting = true
	m.cancelReconnectLocked()
	change := m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.emitState(change)

	if err := m.dial(ctx); err != nil {
		m.afterDialFailure(err)
		return err
	}
	return nil
}

// Disconnect 主动断开：取消重连、停止心跳、释放连接并移除所有监听
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.cancelReconnectLocked()
	sock := m.releaseLocked()
	m.attempts = 0
	change := m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if sock != nil {
		if err := sock.Close(transport.CloseNormal, "client disconnect"); err != nil {
			m.logger.Debug("Close socket failed", "error", err)
		}
	}

	m.emitState(change)
	m.clearListeners()
	m.logger.Info("Disconnected")
}

// Reset 清除重连计数和终止状态，之后可以重新按退避策略重连
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts = 0
	if m.state == StateFailed {
		m.state = StateDisconnected
	}
}

// Reconnect 丢弃当前连接并重连，tokenExpired 时先废弃缓存的 Token
func (m *Manager) Reconnect(tokenExpired bool) {
	if tokenExpired {
		m.tokens.Invalidate()
	}

	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()

	if sock != nil {
		// 读循环收到关闭错误后安排重连
		sock.Close(transport.CloseGoingAway, "reconnect")
	}
}

// Send 通过实时连接发送一条消息
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()

	if sock == nil {
		return imErrors.ErrNotConnected
	}
	if err := sock.WriteMessage(data); err != nil {
		return imErrors.ErrConnection.Wrap(err)
	}
	return nil
}

// Close 断开连接并停止事件循环，不能在监听回调中调用
func (m *Manager) Close() {
	m.Disconnect()
	m.events.Shutdown()
}

// Flush 等待已产生的事件全部派发完，不能在监听回调中调用
func (m *Manager) Flush() {
	m.events.Flush()
}

// dial 获取 Token 并建立连接
func (m *Manager) dial(ctx context.Context) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return imErrors.ErrConnection.Wrap(err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	sock, err := m.dialer.Dial(dialCtx, m.opts.URL, token)
	if err != nil {
		if transport.IsTokenExpired(err) {
			m.tokens.Invalidate()
		}
		return imErrors.ErrConnection.Wrap(err)
	}

	m.mu.Lock()
	m.connecting = false
	if m.intentional {
		m.mu.Unlock()
		sock.Close(transport.CloseNormal, "client disconnect")
		return imErrors.ErrConnection.Wrap(errors.New("disconnected while connecting"))
	}

	m.gen++
	gen := m.gen
	m.sock = sock
	m.attempts = 0
	m.touch()
	sock.SetPongHandler(m.touch)

	hbCtx, stop := context.WithCancel(context.Background())
	m.stopHeartbeat = stop
	change := m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	m.logger.Info("Connected", "url", m.opts.URL)
	m.emitState(change)

	hb := newHeartbeat(m.opts.HeartbeatInterval, m.opts.IdleTimeout, sock.Ping, m.LastActivity, func(err error) {
		m.dropIfCurrent(gen, err)
	}, m.logger)
	go hb.Run(hbCtx)
	go m.readLoop(gen, sock)
	return nil
}

// afterDialFailure 连接失败后的处理
func (m *Manager) afterDialFailure(err error) {
	m.mu.Lock()
	m.connecting = false
	if m.intentional {
		m.mu.Unlock()
		return
	}

	m.logger.Warn("Connect failed", "attempt", m.attempts, "error", err)

	var change StateChange
	if imErrors.Is(err, imErrors.ErrAuth) {
		// Token 提供方已重试过，不再自动重连
		change = m.setStateLocked(StateFailed, err)
	} else {
		change = m.scheduleReconnectLocked(err)
	}
	m.mu.Unlock()

	m.emitState(change)
}

// scheduleReconnectLocked 安排下一次重连，超过上限进入 failed
func (m *Manager) scheduleReconnectLocked(cause error) StateChange {
	if m.attempts >= m.opts.MaxAttempts {
		m.logger.Error("Reconnection failed, giving up", "attempts", m.attempts)
		return m.setStateLocked(StateFailed, imErrors.ErrReconnectFailed.Wrap(cause))
	}

	delay := m.opts.Backoff.Delay(m.attempts)
	m.attempts++
	m.timerSeq++
	seq := m.timerSeq
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(seq) })

	m.logger.Info("Reconnect scheduled", "attempt", m.attempts, "delay", delay)
	change := m.setStateLocked(StateReconnecting, cause)
	change.Delay = delay
	return change
}

// reconnect 定时器触发的重连
func (m *Manager) reconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.intentional || m.connecting || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.reconnectTimer = nil
	m.mu.Unlock()

	if err := m.dial(context.Background()); err != nil {
		m.afterDialFailure(err)
	}
}

func (m *Manager) cancelReconnectLocked() {
	m.timerSeq++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// releaseLocked 停止心跳并交出当前连接
func (m *Manager) releaseLocked() transport.Socket {
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
	sock := m.sock
	m.sock = nil
	m.gen++
	return sock
}

// readLoop 读取入站消息直到连接出错
func (m *Manager) readLoop(gen uint64, sock transport.Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.dropIfCurrent(gen, err)
			return
		}
		m.touch()
		m.emitMessage(data)
	}
}

// dropIfCurrent 意外断开：释放连接并安排重连
func (m *Manager) dropIfCurrent(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.sock == nil {
		m.mu.Unlock()
		return
	}
	sock := m.releaseLocked()
	if m.intentional {
		m.mu.Unlock()
		return
	}

	if transport.IsTokenExpired(cause) {
		m.logger.Info("Realtime token rejected by server")
		m.tokens.Invalidate()
	}
	m.logger.Warn("Connection lost", "error", cause)
	change := m.scheduleReconnectLocked(imErrors.ErrConnection.Wrap(cause))
	m.mu.Unlock()

	sock.Close(transport.CloseAbnormal, "connection lost")
	m.emitState(change)
}

func (m *Manager) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Manager) setStateLocked(state State, err error) StateChange {
	m.state = state
	return StateChange{State: state, Attempt: m.attempts, Err: err}
}

func (m *Manager) emitState(change StateChange) {
	m.listenerMu.Lock()
	listeners := make([]func(StateChange), 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		listeners = append(listeners, fn)
	}
	m.listenerMu.Unlock()

	if len(listeners) == 0 {
		return
	}
	m.events.Submit(func() {
		for _, fn := range listeners {
			fn(change)
		}
	})
}

func (m *Manager) emitMessage(data []byte) {
	m.listenerMu.Lock()
	listeners := make([]func([]byte), 0, len(m.messageListeners))
	for _, fn := range m.messageListeners {
		listeners = append(listeners, fn)
	}
	m.listenerMu.Unlock()

	if len(listeners) == 0 {
		return
	}
	m.events.Submit(func() {
		for _, fn := range listeners {
			fn(data)
		}
	})
}

func (m *Manager) clearListeners() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	m.stateListeners = make(map[int]func(StateChange))
	m.messageListeners = make(map[int]func([]byte))
}

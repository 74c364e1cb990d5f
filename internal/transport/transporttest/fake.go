// Package transporttest 提供内存实现的 Socket 和 Dialer，供测试使用
package transporttest

import (
	"context"
	"errors"
	"sync"

	"parkdog.im/internal/transport"
)

// ErrClosed 写入已关闭的连接
var ErrClosed = errors.New("socket closed")

// Socket 内存连接
type Socket struct {
	// AutoPong 为 true 时每次 Ping 立即回调 pong
	AutoPong bool

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	closeErr error
	written  [][]byte
	pings    int
	onPong   func()
	onWrite  func([]byte)
	writeErr error
}

// NewSocket 创建内存连接
func NewSocket() *Socket {
	return &Socket{
		AutoPong: true,
		inbound:  make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (s *Socket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.closed:
		// 关闭前已入队的消息仍然可读
		select {
		case data := <-s.inbound:
			return data, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.closeErr
	}
}

func (s *Socket) WriteMessage(data []byte) error {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), data...)
	s.written = append(s.written, cp)
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return nil
}

func (s *Socket) Ping() error {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pings++
	pong := s.onPong
	auto := s.AutoPong
	s.mu.Unlock()

	if auto && pong != nil {
		pong()
	}
	return nil
}

func (s *Socket) SetPongHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPong = fn
}

func (s *Socket) Close(code int, reason string) error {
	s.shutdown(&transport.CloseError{Code: code, Reason: reason})
	return nil
}

// Push 模拟服务端下发一条消息
func (s *Socket) Push(data []byte) {
	select {
	case s.inbound <- data:
	case <-s.closed:
	}
}

// Drop 模拟连接意外断开
func (s *Socket) Drop(err error) {
	s.shutdown(err)
}

// OnWrite 设置写入回调，用于模拟服务端应答
func (s *Socket) OnWrite(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// FailWrites 之后的写入都返回 err
func (s *Socket) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SetAutoPong 开关自动 pong
func (s *Socket) SetAutoPong(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AutoPong = on
}

// Written 已写入的消息
func (s *Socket) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

// Pings 已发送的 ping 次数
func (s *Socket) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Closed 是否已关闭
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed()
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Socket) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		s.mu.Unlock()
		close(s.closed)
	})
}

// Dialer 内存连接器
type Dialer struct {
	// Dialed 每次成功拨号后收到新连接
	Dialed chan *Socket

	mu       sync.Mutex
	failures []error
	failAll  error
	sockets  []*Socket
	tokens   []string
	calls    int
	prepare  func(*Socket)
}

// NewDialer 创建内存连接器
func NewDialer() *Dialer {
	return &Dialer{Dialed: make(chan *Socket, 64)}
}

func (d *Dialer) Dial(ctx context.Context, url, token string) (transport.Socket, error) {
	d.mu.Lock()
	d.calls++
	d.tokens = append(d.tokens, token)

	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
	} else if d.failAll != nil {
		err := d.failAll
		d.mu.Unlock()
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		d.mu.Unlock()
		return nil, err
	}

	s := NewSocket()
	if d.prepare != nil {
		d.prepare(s)
	}
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()

	select {
	case d.Dialed <- s:
	default:
	}
	return s, nil
}

// FailNext 依次让接下来的拨号返回这些错误，nil 表示该次成功
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// FailAll 让之后所有拨号失败，传 nil 恢复
func (d *Dialer) FailAll(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = err
}

// Prepare 在新连接交给调用方前对其进行设置
func (d *Dialer) Prepare(fn func(*Socket)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prepare = fn
}

// Calls 拨号次数
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Tokens 每次拨号使用的 Token
func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Last 最近一次成功建立的连接
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

package stub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"parkdog.im/internal/transport"
)

var ErrConnectionClosed = errors.New("connection closed")

var connIDCounter int64

// Conn 一条已认证的客户端实时连接
type Conn struct {
	id         int64
	userID     string
	sock       transport.Socket
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64
}

func newConn(userID string, sock transport.Socket, logger *slog.Logger) *Conn {
	id := atomic.AddInt64(&connIDCounter, 1)
	c := &Conn{
		id:         id,
		userID:     userID,
		sock:       sock,
		logger:     logger.With("conn_id", id, "user_id", userID),
		writeChan:  make(chan []byte, 256),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
	}
	c.touch()
	go c.writeLoop()
	return c
}

func (c *Conn) ID() int64 {
	return c.id
}

func (c *Conn) UserID() string {
	return c.userID
}

// Send 异步写出一帧
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.sock.WriteMessage(data); err != nil {
				c.logger.Warn("Failed to write frame", "error", err)
				c.Close(transport.CloseAbnormal, "write failed")
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Close 关闭连接，code 会通过关闭帧告知客户端
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.sock.Close(code, reason)
	})
}

func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive 最近一次收到客户端数据的时间
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Hub 管理所有在线连接
type Hub struct {
	connections map[int64]*Conn
	userConns   map[string]map[int64]*Conn // userID -> connID -> Conn
	mu          sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[int64]*Conn),
		userConns:   make(map[string]map[int64]*Conn),
	}
}

func (h *Hub) Add(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[conn.ID()] = conn
	if _, ok := h.userConns[conn.UserID()]; !ok {
		h.userConns[conn.UserID()] = make(map[int64]*Conn)
	}
	h.userConns[conn.UserID()][conn.ID()] = conn
}

func (h *Hub) Remove(connID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connID]
	if !ok {
		return
	}
	delete(h.connections, connID)

	if userConns, ok := h.userConns[conn.UserID()]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(h.userConns, conn.UserID())
		}
	}
}

func (h *Hub) GetByUserID(userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userConns, ok := h.userConns[userID]
	if !ok {
		return nil
	}

	conns := make([]*Conn, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	return conns
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SendToUsers 向用户的所有连接推送，skip 非 nil 时跳过该连接
func (h *Hub) SendToUsers(userIDs []string, data []byte, skip *Conn) {
	for _, uid := range userIDs {
		for _, conn := range h.GetByUserID(uid) {
			if conn == skip {
				continue
			}
			if err := conn.Send(data); err != nil {
				conn.logger.Debug("Push skipped", "error", err)
			}
		}
	}
}

// CloseUser 关闭用户的所有连接
func (h *Hub) CloseUser(userID string, code int, reason string) int {
	conns := h.GetByUserID(userID)
	for _, conn := range conns {
		conn.Close(code, reason)
	}
	return len(conns)
}

// CloseAll 关闭所有连接
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}
}

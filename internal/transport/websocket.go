package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer 基于 gorilla/websocket 的连接器
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	TLSConfig        *tls.Config
}

// NewWebSocketDialer 创建 WebSocket 连接器
func NewWebSocketDialer(writeTimeout time.Duration, insecure bool) *WebSocketDialer {
	d := &WebSocketDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     writeTimeout,
	}
	if insecure {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

// Dial 建立连接，token 同时放在查询参数和 Authorization 头中
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL, token string) (Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		TLSClientConfig:  d.TLSConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &CloseError{Code: CloseTokenExpired, Reason: resp.Status}
		}
		return nil, err
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *wsSocket) SetPongHandler(fn func()) {
	s.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (s *wsSocket) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// NewWebSocketConn 包装服务端已升级的连接
func NewWebSocketConn(conn *websocket.Conn, writeTimeout time.Duration) Socket {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}
}

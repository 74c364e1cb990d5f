package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// AuthAck 认证帧应答
type AuthAck struct {
	Code    int    `json:"code"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message"`
}

type closePayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// WebTransportDialer 基于 WebTransport 的连接器
// 只使用一条双向流，首帧为认证帧
type WebTransportDialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

// NewWebTransportDialer 创建 WebTransport 连接器
func NewWebTransportDialer(insecure bool) *WebTransportDialer {
	return &WebTransportDialer{
		TLSConfig: &tls.Config{
			InsecureSkipVerify: insecure,
			NextProtos:         []string{"h3"},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  90 * time.Second,
			KeepAlivePeriod: 30 * time.Second,
			EnableDatagrams: true,
		},
	}
}

// Dial 建立会话并完成首帧认证
func (d *WebTransportDialer) Dial(ctx context.Context, url, token string) (Socket, error) {
	dialer := &webtransport.Dialer{
		TLSClientConfig: d.TLSConfig,
		QUICConfig:      d.QUICConfig,
	}

	resp, session, err := dialer.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		session.CloseWithError(0, "handshake rejected")
		return nil, fmt.Errorf("webtransport handshake failed: %s", resp.Status)
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		session.CloseWithError(0, "open stream failed")
		return nil, err
	}

	if err := WriteFrame(stream, FrameAuth, []byte(token)); err != nil {
		session.CloseWithError(0, "auth write failed")
		return nil, err
	}

	ftype, body, err := ReadFrame(stream)
	if err != nil {
		session.CloseWithError(0, "auth read failed")
		return nil, err
	}
	if ftype != FrameAuthAck {
		session.CloseWithError(0, "unexpected frame")
		return nil, fmt.Errorf("expected auth ack, got frame type %d", ftype)
	}

	var ack AuthAck
	if err := json.Unmarshal(body, &ack); err != nil {
		session.CloseWithError(0, "bad auth ack")
		return nil, fmt.Errorf("decode auth ack: %w", err)
	}
	if ack.Code != 0 {
		session.CloseWithError(webtransport.SessionErrorCode(CloseTokenExpired), ack.Message)
		return nil, &CloseError{Code: CloseTokenExpired, Reason: ack.Message}
	}

	return &wtSocket{session: session, stream: stream}, nil
}

type wtSocket struct {
	session *webtransport.Session
	stream  webtransport.Stream
	writeMu sync.Mutex
	onPong  func()
}

// ReadMessage 跳过心跳帧，返回下一条业务消息
func (s *wtSocket) ReadMessage() ([]byte, error) {
	for {
		ftype, body, err := ReadFrame(s.stream)
		if err != nil {
			return nil, err
		}

		switch ftype {
		case FrameMessage:
			return body, nil
		case FrameHeartbeat:
			if s.onPong != nil {
				s.onPong()
			}
		case FrameClose:
			var p closePayload
			_ = json.Unmarshal(body, &p)
			return nil, &CloseError{Code: p.Code, Reason: p.Reason}
		}
	}
}

func (s *wtSocket) write(t FrameType, body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.stream, t, body)
}

func (s *wtSocket) WriteMessage(data []byte) error {
	return s.write(FrameMessage, data)
}

func (s *wtSocket) Ping() error {
	return s.write(FrameHeartbeat, nil)
}

func (s *wtSocket) SetPongHandler(fn func()) {
	s.onPong = fn
}

func (s *wtSocket) Close(code int, reason string) error {
	body, _ := json.Marshal(closePayload{Code: code, Reason: reason})
	_ = s.write(FrameClose, body)
	s.stream.Close()
	return s.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

// EncodeClose 编码关闭帧，服务端使用
func EncodeClose(code int, reason string) []byte {
	body, _ := json.Marshal(closePayload{Code: code, Reason: reason})
	return EncodeFrame(FrameClose, body)
}

// NewWebTransportConn 包装服务端已认证的会话与流
func NewWebTransportConn(session *webtransport.Session, stream webtransport.Stream) Socket {
	return &wtSocket{session: session, stream: stream}
}

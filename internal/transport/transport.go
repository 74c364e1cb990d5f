package transport

import (
	"context"
	"errors"
	"fmt"
)

// 关闭码
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseAbnormal     = 1006
	CloseTokenExpired = 4001
)

// Socket 单条实时连接
// ReadMessage 只允许一个 goroutine 调用，其余方法并发安全
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	// SetPongHandler 必须在开始读之前设置
	SetPongHandler(fn func())
	Close(code int, reason string) error
}

// Dialer 建立实时连接
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Socket, error)
}

// DialerFunc 函数适配 Dialer
type DialerFunc func(ctx context.Context, url, token string) (Socket, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context, url, token string) (Socket, error) {
	return f(ctx, url, token)
}

// CloseError 对端关闭连接
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Reason)
}

// IsTokenExpired 是否为服务端拒绝实时 Token 导致的关闭
func IsTokenExpired(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == CloseTokenExpired
}

// IsNormalClose 是否为正常关闭
func IsNormalClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && (ce.Code == CloseNormal || ce.Code == CloseGoingAway)
}

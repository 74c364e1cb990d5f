package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 用于统一管理客户端错误，包含错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 替换消息，保留错误码
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
		Err:     e.Err,
	}
}

// Is 判断错误链中是否包含指定错误码
func Is(err error, target *AppError) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == target.Code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "客户端内部错误"
}

// IsTransient 是否为可自动恢复的错误（内部重试/退避/降级吸收，不上报 UI）
func IsTransient(err error) bool {
	switch GetCode(err) {
	case CodeConnectionError, CodeSendTimeout, CodeNotConnected:
		return true
	}
	return false
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeTokenInvalid = 10003
	CodeTokenExpired = 10004

	// 请求相关 11000-11999
	CodeNotFound      = 11001
	CodeInvalidParams = 11002
	CodeForbidden     = 11003

	// 实时通道相关 20000-20999
	CodeConnectionError = 20001
	CodeProtocolError   = 20002
	CodeSendTimeout     = 20003
	CodeDeliveryFailure = 20004
	CodeAuthError       = 20005
	CodeReconnectFailed = 20006
	CodeNotConnected    = 20007
	CodeOutboxFull      = 20008

	// 系统错误 50000-50999
	CodeServerError = 50001
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrTokenInvalid = NewError(CodeTokenInvalid, "Token 无效")
	ErrTokenExpired = NewError(CodeTokenExpired, "Token 已过期")
)

// 请求相关
var (
	ErrNotFound      = NewError(CodeNotFound, "资源不存在")
	ErrInvalidParams = NewError(CodeInvalidParams, "参数校验失败")
	ErrForbidden     = NewError(CodeForbidden, "无权访问该会话")
)

// 实时通道相关
var (
	ErrConnection      = NewError(CodeConnectionError, "实时连接建立失败")
	ErrProtocol        = NewError(CodeProtocolError, "协议消息格式错误")
	ErrSendTimeout     = NewError(CodeSendTimeout, "消息确认超时")
	ErrDeliveryFailure = NewError(CodeDeliveryFailure, "消息发送失败")
	ErrAuth            = NewError(CodeAuthError, "实时凭证获取失败")
	ErrReconnectFailed = NewError(CodeReconnectFailed, "重连失败")
	ErrNotConnected    = NewError(CodeNotConnected, "实时连接不可用")
	ErrOutboxFull      = NewError(CodeOutboxFull, "待发送队列已满")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, "服务器内部错误")
)

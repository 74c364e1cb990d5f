package response

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	imErrors "parkdog.im/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Envelope 客户端解析用的响应结构，data 延迟解析
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    imErrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应（从 AppError 提取错误码和消息）
func Error(c *gin.Context, err error) {
	c.JSON(http.StatusOK, Response{
		Code:    imErrors.GetCode(err),
		Message: imErrors.GetMessage(err),
		Data:    nil,
	})
}

// ErrorWithMsg 自定义错误消息
func ErrorWithMsg(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:    imErrors.CodeTokenInvalid,
		Message: imErrors.ErrTokenInvalid.Message,
		Data:    nil,
	})
}

// Decode 解析响应体，code 非 0 时返回 AppError；out 为 nil 时忽略 data
func Decode(body []byte, out interface{}) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return imErrors.ErrProtocol.Wrap(fmt.Errorf("decode envelope: %w", err))
	}

	if env.Code != imErrors.CodeSuccess {
		return imErrors.NewError(env.Code, env.Message)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return imErrors.ErrProtocol.Wrap(fmt.Errorf("decode data: %w", err))
	}
	return nil
}

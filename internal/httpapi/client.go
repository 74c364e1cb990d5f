package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parkdog.im/internal/protocol"
	"parkdog.im/internal/token"
	imErrors "parkdog.im/pkg/errors"
	"parkdog.im/pkg/jwt"
	"parkdog.im/pkg/response"
)

const maxBodySize = 4 << 20

// SendRequest POST /conversations/:id/messages 请求体
type SendRequest struct {
	Text   string `json:"text"`
	TempID string `json:"temp_id"`
}

// Client REST 接口客户端，实时通道不可用时作为兜底
type Client struct {
	baseURL string
	http    *http.Client
	session token.SessionSource
	logger  *slog.Logger
}

// NewClient 创建 REST 客户端
func NewClient(baseURL string, timeout time.Duration, session token.SessionSource, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		session: session,
		logger:  logger.With("component", "httpapi"),
	}
}

// Conversations 获取当前用户的会话列表
func (c *Client) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	var raw []protocol.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", "", nil, &raw); err != nil {
		return nil, err
	}

	out := raw[:0]
	for _, conv := range raw {
		if conv.ID == "" {
			c.logger.Warn("Dropping conversation without id")
			continue
		}
		if conv.LastMessage != nil && protocol.ValidateMessage(*conv.LastMessage) != nil {
			conv.LastMessage = nil
		}
		out = append(out, conv)
	}
	return out, nil
}

// Messages 获取会话历史消息，格式错误的条目逐条丢弃
func (c *Client) Messages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	var raw []json.RawMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, "", nil, &raw); err != nil {
		return nil, err
	}

	out := make([]protocol.Message, 0, len(raw))
	for _, r := range raw {
		m, err := protocol.DecodeMessage(r)
		if err != nil || m.ConversationID != conversationID {
			c.logger.Warn("Dropping malformed history message",
				"conversation_id", conversationID,
				"error", err,
			)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage 通过 REST 发送消息，tempID 作为幂等键
func (c *Client) SendMessage(ctx context.Context, conversationID, text, tempID string) (*protocol.Message, error) {
	var raw json.RawMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, "", SendRequest{Text: text, TempID: tempID}, &raw); err != nil {
		return nil, err
	}

	m, err := protocol.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ExchangeToken 用会话凭证换取实时 Token
func (c *Client) ExchangeToken(ctx context.Context, sessionToken string) (*jwt.RealtimeToken, error) {
	var rt jwt.RealtimeToken
	if err := c.do(ctx, http.MethodPost, "/auth/realtime-token", sessionToken, nil, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// do 发送请求并解析统一响应；sessionToken 为空时从 session 获取
func (c *Client) do(ctx context.Context, method, path, sessionToken string, body, out interface{}) error {
	if sessionToken == "" {
		tok, err := c.session.SessionToken(ctx)
		if err != nil {
			return imErrors.ErrAuth.Wrap(err)
		}
		sessionToken = tok
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return imErrors.ErrInvalidParams.Wrap(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return imErrors.ErrInvalidParams.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return imErrors.ErrConnection.Wrap(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return imErrors.ErrConnection.Wrap(fmt.Errorf("%s %s: read body: %w", method, path, err))
	}

	c.logger.Debug("API request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"latency", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return imErrors.ErrAuth.Wrap(fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		return imErrors.ErrConnection.Wrap(fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return imErrors.ErrNotFound.Wrap(fmt.Errorf("%s %s", method, path))
	case resp.StatusCode >= http.StatusBadRequest:
		if err := response.Decode(data, nil); err != nil && !imErrors.Is(err, imErrors.ErrProtocol) {
			return err
		}
		return imErrors.ErrInvalidParams.Wrap(fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode))
	}

	return response.Decode(data, out)
}

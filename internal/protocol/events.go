package protocol

import (
	"encoding/json"
	"time"
)

// 事件名
const (
	EventJoin        = "join"
	EventJoined      = "joined"
	EventSend        = "send"
	EventAck         = "ack"
	EventNewMessage  = "new_message"
	EventTyping      = "typing"
	EventRead        = "read"
	EventReadReceipt = "read_receipt"
	EventError       = "error"
)

// 服务端错误码
const (
	ErrorCodeTokenExpired = "token_expired"
	ErrorCodeBadRequest   = "bad_request"
	ErrorCodeForbidden    = "forbidden"
)

// Envelope 线上事件封装
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// JoinPayload 进入会话
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// JoinedPayload 进入会话后的历史快照
type JoinedPayload struct {
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
}

// SendPayload 发送消息
type SendPayload struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	TempID         string `json:"tempId"`
}

// AckPayload 服务端确认
type AckPayload struct {
	TempID    string    `json:"tempId"`
	ServerID  string    `json:"serverId"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessagePayload 推送消息
type NewMessagePayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// TypingPayload 输入状态，上行不带 UserID
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadPayload 已读回执（上行 read 与下行 read_receipt 共用）
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	UptoMessageID  string `json:"uptoMessageId"`
	UserID         string `json:"userId,omitempty"`
}

// ErrorPayload 协议错误
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewJoin 构造 join 事件
func NewJoin(conversationID string) Envelope {
	return Envelope{Event: EventJoin, Data: JoinPayload{ConversationID: conversationID}}
}

// NewSend 构造 send 事件
func NewSend(conversationID, text, tempID string) Envelope {
	return Envelope{Event: EventSend, Data: SendPayload{ConversationID: conversationID, Text: text, TempID: tempID}}
}

// NewTyping 构造 typing 事件
func NewTyping(conversationID string, isTyping bool) Envelope {
	return Envelope{Event: EventTyping, Data: TypingPayload{ConversationID: conversationID, IsTyping: isTyping}}
}

// NewRead 构造 read 事件
func NewRead(conversationID, uptoMessageID string) Envelope {
	return Envelope{Event: EventRead, Data: ReadPayload{ConversationID: conversationID, UptoMessageID: uptoMessageID}}
}

// Encode 序列化事件
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

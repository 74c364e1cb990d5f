package protocol

import (
	"encoding/json"
	"fmt"

	imErrors "parkdog.im/pkg/errors"
)

type rawEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Inbound 已校验的下行事件，只有与 Event 对应的字段非空
type Inbound struct {
	Event       string
	Joined      *JoinedPayload
	Ack         *AckPayload
	NewMessage  *NewMessagePayload
	Typing      *TypingPayload
	ReadReceipt *ReadPayload
	Error       *ErrorPayload
	// Dropped joined 快照中被丢弃的非法条目数
	Dropped int
}

func protocolErr(format string, args ...interface{}) error {
	return imErrors.ErrProtocol.Wrap(fmt.Errorf(format, args...))
}

func split(raw []byte) (rawEnvelope, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, protocolErr("decode envelope: %w", err)
	}
	if env.Event == "" {
		return env, protocolErr("missing event name")
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return env, protocolErr("%s: missing data", env.Event)
	}
	return env, nil
}

// Decode 解析并校验服务端下行事件
func Decode(raw []byte) (*Inbound, error) {
	env, err := split(raw)
	if err != nil {
		return nil, err
	}

	in := &Inbound{Event: env.Event}
	switch env.Event {
	case EventJoined:
		in.Joined, in.Dropped, err = decodeJoined(env.Data)
	case EventAck:
		in.Ack, err = decodeAck(env.Data)
	case EventNewMessage:
		in.NewMessage, err = decodeNewMessage(env.Data)
	case EventTyping:
		in.Typing, err = decodePeerTyping(env.Data)
	case EventReadReceipt:
		in.ReadReceipt, err = decodeReadReceipt(env.Data)
	case EventError:
		in.Error, err = decodeError(env.Data)
	default:
		err = protocolErr("unknown event %q", env.Event)
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// DecodeMessage 解析单条消息，text 必须是字符串
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, protocolErr("decode message: %w", err)
	}
	if err := ValidateMessage(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ValidateMessage 校验服务端消息的最小结构
func ValidateMessage(m Message) error {
	switch {
	case m.ID == "":
		return protocolErr("message: missing id")
	case m.ConversationID == "":
		return protocolErr("message %s: missing conversation_id", m.ID)
	case m.SenderID == "":
		return protocolErr("message %s: missing sender_id", m.ID)
	case m.Text == "":
		return protocolErr("message %s: missing text", m.ID)
	}
	return nil
}

func decodeJoined(data json.RawMessage) (*JoinedPayload, int, error) {
	var p struct {
		ConversationID string            `json:"conversationId"`
		Messages       []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, 0, protocolErr("joined: %w", err)
	}

	out := &JoinedPayload{ConversationID: p.ConversationID, Messages: make([]Message, 0, len(p.Messages))}
	dropped := 0
	for _, raw := range p.Messages {
		m, err := DecodeMessage(raw)
		if err != nil || (p.ConversationID != "" && m.ConversationID != p.ConversationID) {
			dropped++
			continue
		}
		out.Messages = append(out.Messages, m)
	}
	return out, dropped, nil
}

func decodeAck(data json.RawMessage) (*AckPayload, error) {
	var p AckPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, protocolErr("ack: %w", err)
	}
	if p.TempID == "" || p.ServerID == "" {
		return nil, protocolErr("ack: missing tempId or serverId")
	}
	return &p, nil
}

func decodeNewMessage(data json.RawMessage) (*NewMessagePayload, error) {
	var p struct {
		ConversationID string          `json:"conversationId"`
		Message        json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, protocolErr("new_message: %w", err)
	}
	if len(p.Message) == 0 {
		return nil, protocolErr("new_message: missing message")
	}

	var m Message
	if err := json.Unmarshal(p.Message, &m); err != nil {
		return nil, protocolErr("new_message: %w", err)
	}
	// 外层 conversationId 优先
	if p.ConversationID != "" {
		if m.ConversationID != "" && m.ConversationID != p.ConversationID {
			return nil, protocolErr("new_message: conversation mismatch %s != %s", m.ConversationID, p.ConversationID)
		}
		m.ConversationID = p.ConversationID
	}
	if err := ValidateMessage(m); err != nil {
		return nil, err
	}
	return &NewMessagePayload{ConversationID: m.ConversationID, Message: m}, nil
}

func decodePeerTyping(data json.RawMessage) (*TypingPayload, error) {
	var p struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		IsTyping       *bool  `json:"isTyping"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, protocolErr("typing: %w", err)
	}
	if p.ConversationID == "" || p.UserID == "" || p.IsTyping == nil {
		return nil, protocolErr("typing: missing conversationId, userId or isTyping")
	}
	return &TypingPayload{ConversationID: p.ConversationID, UserID: p.UserID, IsTyping: *p.IsTyping}, nil
}

func decodeReadReceipt(data json.RawMessage) (*ReadPayload, error) {
	var p ReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, protocolErr("read_receipt: %w", err)
	}
	if p.ConversationID == "" || p.UptoMessageID == "" {
		return nil, protocolErr("read_receipt: missing conversationId or uptoMessageId")
	}
	return &p, nil
}

func decodeError(data json.RawMessage) (*ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, protocolErr("error: %w", err)
	}
	if p.Code == "" && p.Message == "" {
		return nil, protocolErr("error: empty payload")
	}
	return &p, nil
}

// Request 客户端上行事件（服务端视角）
type Request struct {
	Event  string
	Join   *JoinPayload
	Send   *SendPayload
	Typing *TypingPayload
	Read   *ReadPayload
}

// DecodeRequest 解析客户端上行事件
func DecodeRequest(raw []byte) (*Request, error) {
	env, err := split(raw)
	if err != nil {
		return nil, err
	}

	req := &Request{Event: env.Event}
	switch env.Event {
	case EventJoin:
		req.Join = &JoinPayload{}
		err = json.Unmarshal(env.Data, req.Join)
		if err == nil && req.Join.ConversationID == "" {
			err = fmt.Errorf("missing conversationId")
		}
	case EventSend:
		req.Send = &SendPayload{}
		err = json.Unmarshal(env.Data, req.Send)
		if err == nil && (req.Send.ConversationID == "" || req.Send.Text == "" || req.Send.TempID == "") {
			err = fmt.Errorf("missing conversationId, text or tempId")
		}
	case EventTyping:
		req.Typing = &TypingPayload{}
		err = json.Unmarshal(env.Data, req.Typing)
		if err == nil && req.Typing.ConversationID == "" {
			err = fmt.Errorf("missing conversationId")
		}
	case EventRead:
		req.Read = &ReadPayload{}
		err = json.Unmarshal(env.Data, req.Read)
		if err == nil && (req.Read.ConversationID == "" || req.Read.UptoMessageID == "") {
			err = fmt.Errorf("missing conversationId or uptoMessageId")
		}
	default:
		err = fmt.Errorf("unknown event")
	}
	if err != nil {
		return nil, protocolErr("%s: %w", env.Event, err)
	}
	return req, nil
}

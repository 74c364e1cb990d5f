package stub

import (
	"time"

	"parkdog.im/internal/protocol"
	"parkdog.im/internal/transport"
	imErrors "parkdog.im/pkg/errors"
)

// serveConn 读循环，返回时连接已关闭
func (s *Server) serveConn(c *Conn) {
	s.hub.Add(c)
	defer func() {
		s.hub.Remove(c.ID())
		c.Close(transport.CloseNormal, "")
		c.logger.Info("Realtime connection closed")
	}()

	c.logger.Info("Realtime connection established")

	for {
		raw, err := c.sock.ReadMessage()
		if err != nil {
			c.logger.Debug("Read loop ended", "error", err)
			return
		}
		c.touch()
		s.dispatch(c, raw)
	}
}

func (s *Server) dispatch(c *Conn, raw []byte) {
	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		c.logger.Warn("Bad realtime request", "error", err)
		s.sendError(c, protocol.ErrorCodeBadRequest, err.Error())
		return
	}

	switch req.Event {
	case protocol.EventJoin:
		s.handleJoin(c, req.Join)
	case protocol.EventSend:
		s.handleSend(c, req.Send)
	case protocol.EventTyping:
		s.handleTyping(c, req.Typing)
	case protocol.EventRead:
		s.handleRead(c, req.Read)
	}
}

func (s *Server) handleJoin(c *Conn, p *protocol.JoinPayload) {
	msgs, err := s.backend.Messages(c.UserID(), p.ConversationID)
	if err != nil {
		s.sendAppError(c, err)
		return
	}
	for i := range msgs {
		msgs[i] = s.outgoing(msgs[i])
	}
	s.send(c, protocol.Envelope{
		Event: protocol.EventJoined,
		Data:  protocol.JoinedPayload{ConversationID: p.ConversationID, Messages: msgs},
	})
}

func (s *Server) handleSend(c *Conn, p *protocol.SendPayload) {
	if s.dropSends.Load() {
		c.logger.Debug("Dropping send", "temp_id", p.TempID)
		return
	}
	if d := time.Duration(s.sendDelay.Load()); d > 0 {
		time.AfterFunc(d, func() { s.processSend(c, p) })
		return
	}
	s.processSend(c, p)
}

func (s *Server) processSend(c *Conn, p *protocol.SendPayload) {
	m, created, err := s.backend.Post(c.UserID(), p.ConversationID, p.Text, p.TempID)
	if err != nil {
		s.sendAppError(c, err)
		return
	}

	if !s.suppressAck.Load() {
		s.send(c, protocol.Envelope{
			Event: protocol.EventAck,
			Data:  protocol.AckPayload{TempID: p.TempID, ServerID: m.ID, Timestamp: m.CreatedAt},
		})
	}

	if created {
		s.broadcastMessage(m)
	}
}

// broadcastMessage 推送给会话所有参与者（包括发送者自己的其他设备）
func (s *Server) broadcastMessage(m protocol.Message) {
	data, err := protocol.Encode(protocol.Envelope{
		Event: protocol.EventNewMessage,
		Data:  protocol.NewMessagePayload{ConversationID: m.ConversationID, Message: s.outgoing(m)},
	})
	if err != nil {
		s.logger.Error("Failed to encode push", "error", err)
		return
	}
	s.hub.SendToUsers(s.backend.Participants(m.ConversationID), data, nil)
}

func (s *Server) handleTyping(c *Conn, p *protocol.TypingPayload) {
	if err := s.backend.CanAccess(c.UserID(), p.ConversationID); err != nil {
		s.sendAppError(c, err)
		return
	}
	s.forwardToPeers(c, p.ConversationID, protocol.Envelope{
		Event: protocol.EventTyping,
		Data:  protocol.TypingPayload{ConversationID: p.ConversationID, UserID: c.UserID(), IsTyping: p.IsTyping},
	})
}

func (s *Server) handleRead(c *Conn, p *protocol.ReadPayload) {
	if err := s.backend.CanAccess(c.UserID(), p.ConversationID); err != nil {
		s.sendAppError(c, err)
		return
	}
	s.forwardToPeers(c, p.ConversationID, protocol.Envelope{
		Event: protocol.EventReadReceipt,
		Data:  protocol.ReadPayload{ConversationID: p.ConversationID, UptoMessageID: p.UptoMessageID, UserID: c.UserID()},
	})
}

func (s *Server) forwardToPeers(c *Conn, conversationID string, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		s.logger.Error("Failed to encode event", "event", env.Event, "error", err)
		return
	}

	var peers []string
	for _, uid := range s.backend.Participants(conversationID) {
		if uid != c.UserID() {
			peers = append(peers, uid)
		}
	}
	s.hub.SendToUsers(peers, data, c)
}

func (s *Server) outgoing(m protocol.Message) protocol.Message {
	if !s.echoTempID.Load() {
		m.TempID = ""
	}
	return m
}

func (s *Server) send(c *Conn, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		c.logger.Error("Failed to encode event", "event", env.Event, "error", err)
		return
	}
	if err := c.Send(data); err != nil {
		c.logger.Debug("Send skipped", "event", env.Event, "error", err)
	}
}

func (s *Server) sendError(c *Conn, code, message string) {
	s.send(c, protocol.Envelope{
		Event: protocol.EventError,
		Data:  protocol.ErrorPayload{Code: code, Message: message},
	})
}

func (s *Server) sendAppError(c *Conn, err error) {
	code := protocol.ErrorCodeBadRequest
	if imErrors.Is(err, imErrors.ErrForbidden) {
		code = protocol.ErrorCodeForbidden
	}
	s.sendError(c, code, imErrors.GetMessage(err))
}

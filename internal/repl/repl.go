package repl

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"parkdog.im/internal/chat"
	"parkdog.im/internal/health"
	"parkdog.im/internal/protocol"
	imErrors "parkdog.im/pkg/errors"
)

// Chat REPL 使用的客户端能力，由 chat.Client 实现
type Chat interface {
	Conversations(ctx context.Context) ([]protocol.Conversation, error)
	Join(ctx context.Context, conversationID string) ([]protocol.Message, error)
	Send(ctx context.Context, conversationID, text, tempID string) (protocol.Message, error)
	Retry(ctx context.Context, tempID string) (protocol.Message, error)
	MarkRead(conversationID, uptoMessageID string) error
	SetTyping(conversationID string, isTyping bool)
	Snapshot() health.Snapshot
}

const helpText = `commands:
  /convs             list conversations
  /join <id>         open a conversation and load history
  /read [message]    send a read receipt (default: latest message)
  /typing on|off     report typing state
  /retry <temp_id>   resend a failed message
  /status            show connection status
  /help              show this help
  /quit              exit
anything else is sent to the open conversation`

// Session 一次交互会话
type Session struct {
	chat   Chat
	userID string

	mu      sync.Mutex
	out     io.Writer
	current string
	latest  string
}

// New 创建会话
func New(c Chat, userID string, out io.Writer) *Session {
	return &Session{chat: c, userID: userID, out: out}
}

// Current 当前打开的会话
func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Execute 执行一行输入，返回 true 表示退出
func (s *Session) Execute(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, s.send(ctx, line)
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		s.println(helpText)
		return false, nil
	case "/convs":
		return false, s.listConversations(ctx)
	case "/join":
		if len(args) != 1 {
			return false, imErrors.ErrInvalidParams.WithMessage("usage: /join <id>")
		}
		return false, s.join(ctx, args[0])
	case "/read":
		return false, s.markRead(args)
	case "/typing":
		return false, s.typing(args)
	case "/retry":
		if len(args) != 1 {
			return false, imErrors.ErrInvalidParams.WithMessage("usage: /retry <temp_id>")
		}
		m, err := s.chat.Retry(ctx, args[0])
		if err != nil {
			return false, err
		}
		s.printf("resent %s (%s)\n", m.TempID, m.Status)
		return false, nil
	case "/status":
		snap := s.chat.Snapshot()
		s.printf("mode=%s connection=%s reconnect_attempts=%d outbox=%d queued=%d\n",
			snap.Mode, snap.Connection, snap.ReconnectAttempts, snap.OutboxPending, snap.OutboxQueued)
		return false, nil
	}
	return false, imErrors.ErrInvalidParams.WithMessage("unknown command " + cmd + ", try /help")
}

func (s *Session) send(ctx context.Context, text string) error {
	conv := s.Current()
	if conv == "" {
		return imErrors.ErrInvalidParams.WithMessage("no open conversation, use /join <id>")
	}
	s.chat.SetTyping(conv, false)
	_, err := s.chat.Send(ctx, conv, text, "")
	return err
}

func (s *Session) listConversations(ctx context.Context) error {
	convs, err := s.chat.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		s.println("no conversations")
		return nil
	}
	for _, c := range convs {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.DisplayText()
		}
		s.printf("%-10s with %-8s %s\n", c.ID, c.Peer(s.userID), last)
	}
	return nil
}

func (s *Session) join(ctx context.Context, conversationID string) error {
	msgs, err := s.chat.Join(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = conversationID
	s.latest = ""
	if n := len(msgs); n > 0 {
		s.latest = msgs[n-1].ID
	}
	s.mu.Unlock()

	s.printf("joined %s (%d messages)\n", conversationID, len(msgs))
	for _, m := range msgs {
		s.println(FormatMessage(m, s.userID))
	}
	return nil
}

func (s *Session) markRead(args []string) error {
	conv := s.Current()
	if conv == "" {
		return imErrors.ErrInvalidParams.WithMessage("no open conversation, use /join <id>")
	}

	upto := ""
	if len(args) > 0 {
		upto = args[0]
	} else {
		s.mu.Lock()
		upto = s.latest
		s.mu.Unlock()
	}
	if upto == "" {
		return imErrors.ErrInvalidParams.WithMessage("nothing to mark as read")
	}
	return s.chat.MarkRead(conv, upto)
}

func (s *Session) typing(args []string) error {
	conv := s.Current()
	if conv == "" {
		return imErrors.ErrInvalidParams.WithMessage("no open conversation, use /join <id>")
	}
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return imErrors.ErrInvalidParams.WithMessage("usage: /typing on|off")
	}
	s.chat.SetTyping(conv, args[0] == "on")
	return nil
}

// HandleEvent 打印 UI 事件，作为 chat.Client 的订阅者
func (s *Session) HandleEvent(ev chat.Event) {
	switch ev.Type {
	case chat.EventModeChanged:
		s.printf("* mode: %s\n", ev.Mode)
	case chat.EventMessageUpserted:
		if ev.ConversationID != s.Current() {
			return
		}
		if ev.Message.ID != "" {
			s.mu.Lock()
			s.latest = ev.Message.ID
			s.mu.Unlock()
		}
		s.println(FormatMessage(ev.Message, s.userID))
	case chat.EventTypingChanged:
		if ev.ConversationID != s.Current() {
			return
		}
		if ev.IsTyping {
			s.printf("* %s is typing...\n", ev.UserID)
		} else {
			s.printf("* %s stopped typing\n", ev.UserID)
		}
	case chat.EventReadReceipt:
		s.printf("* %s read up to %s in %s\n", ev.UserID, ev.UptoMessageID, ev.ConversationID)
	case chat.EventServerError:
		s.printf("! server error %s: %s\n", ev.ErrorCode, protocol.SanitizeText(ev.ErrorMessage))
	case chat.EventDeliveryFailed:
		s.printf("! delivery failed for %s, use /retry %s\n", ev.Message.TempID, ev.Message.TempID)
	}
}

// FormatMessage 单行展示一条消息，文本已转义
func FormatMessage(m protocol.Message, self string) string {
	who := m.SenderID
	if who == self {
		who = "me"
	}

	marker := ""
	switch m.Status {
	case protocol.StatusPending:
		marker = " …"
	case protocol.StatusFailed:
		marker = " ✗ (" + m.TempID + ")"
	}
	if m.Read && m.SenderID == self {
		marker = " ✓✓"
	}

	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04:05"), who, m.DisplayText(), marker)
}

func (s *Session) println(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, text)
}

func (s *Session) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

package stub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quic-go/webtransport-go"

	"parkdog.im/internal/config"
	"parkdog.im/internal/transport"
	"parkdog.im/pkg/jwt"
	"parkdog.im/pkg/snowflake"
)

var errTokenRejected = errors.New("realtime token rejected")

// Server 开发用后端桩：REST 接口 + 实时通道
type Server struct {
	cfg     config.StubConfig
	backend *Backend
	hub     *Hub
	jwt     *jwt.Service
	logger  *slog.Logger

	suppressAck  atomic.Bool
	echoTempID   atomic.Bool
	dropSends    atomic.Bool
	rejectTokens atomic.Bool
	sendDelay    atomic.Int64

	upgrader   websocket.Upgrader
	engine     *gin.Engine
	httpServer *http.Server
	wtServer   *webtransport.Server
	wg         sync.WaitGroup
}

// New 创建后端桩
func New(cfg config.StubConfig, logger *slog.Logger) *Server {
	if cfg.TokenExpire <= 0 {
		cfg.TokenExpire = 15 * time.Minute
	}

	s := &Server{
		cfg:     cfg,
		backend: NewBackend(snowflake.NewNode(cfg.NodeID)),
		hub:     NewHub(),
		jwt:     jwt.NewService(cfg.JWTSecret, cfg.TokenExpire),
		logger:  logger.With("component", "stub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// 仅用于本地开发
				return true
			},
		},
	}
	s.suppressAck.Store(cfg.SuppressAck)
	s.echoTempID.Store(cfg.EchoTempID)
	s.dropSends.Store(cfg.DropSends)
	s.engine = s.setupRouter()
	return s
}

// Handler HTTP 处理器，测试中可直接挂到 httptest.Server
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Backend() *Backend {
	return s.backend
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// SetSuppressAck 收到 send 后照常存储和推送，但不回 ack
func (s *Server) SetSuppressAck(v bool) { s.suppressAck.Store(v) }

// SetEchoTempID 推送中是否带上发送方的 temp_id
func (s *Server) SetEchoTempID(v bool) { s.echoTempID.Store(v) }

// SetDropSends 完全忽略实时通道上的 send
func (s *Server) SetDropSends(v bool) { s.dropSends.Store(v) }

// SetSendDelay 实时通道上的 send 延迟 d 后才处理（存储、ack、推送都随之推迟）
func (s *Server) SetSendDelay(d time.Duration) { s.sendDelay.Store(int64(d)) }

// SetRejectTokens 拒绝所有实时 Token
func (s *Server) SetRejectTokens(v bool) { s.rejectTokens.Store(v) }

// ExpireTokens 以 4001 关闭用户的实时连接，模拟服务端判定 Token 过期
func (s *Server) ExpireTokens(userID string) int {
	return s.hub.CloseUser(userID, transport.CloseTokenExpired, "token expired")
}

// DropUser 异常断开用户的实时连接
func (s *Server) DropUser(userID string) int {
	return s.hub.CloseUser(userID, transport.CloseAbnormal, "dropped")
}

// Push 向用户的实时连接推送原始数据
func (s *Server) Push(userID string, raw []byte) {
	s.hub.SendToUsers([]string{userID}, raw, nil)
}

// IssueToken 为用户签发实时 Token
func (s *Server) IssueToken(userID string) (*jwt.RealtimeToken, error) {
	return s.jwt.Issue(userID, "", jwt.PlatformCLI)
}

func (s *Server) authenticate(token string) (string, error) {
	if token == "" || s.rejectTokens.Load() {
		return "", errTokenRejected
	}
	claims, err := s.jwt.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Start 启动 HTTP 服务，配置了 WebTransportAddr 时同时启动 WebTransport 入口
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.WebTransportAddr != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.startWebTransport(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("WebTransport server failed", "error", err)
			}
		}()
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Stub server starting", "addr", s.cfg.Addr)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 关闭所有连接和服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll(transport.CloseGoingAway, "server shutdown")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.wtServer != nil {
		s.wtServer.Close()
	}
	s.wg.Wait()
	return err
}

package stub

import (
	"github.com/gin-gonic/gin"

	"parkdog.im/internal/httpapi"
	"parkdog.im/internal/transport"
	imErrors "parkdog.im/pkg/errors"
	"parkdog.im/pkg/jwt"
	"parkdog.im/pkg/response"
)

// setupRouter 设置路由
func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.logger))
	r.Use(CORS([]string{"*"}, []string{"GET", "POST", "OPTIONS"}))

	// 实时通道（Token 在查询参数或 Authorization 头中）
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	api.Use(SessionAuth(s.backend))
	{
		api.POST("/auth/realtime-token", s.issueRealtimeToken)
		api.GET("/conversations", s.listConversations)
		api.GET("/conversations/:id/messages", s.listMessages)
		api.POST("/conversations/:id/messages", s.postMessage)
	}

	return r
}

// issueRealtimeToken 签发实时 Token
// POST /api/auth/realtime-token
func (s *Server) issueRealtimeToken(c *gin.Context) {
	rt, err := s.jwt.Issue(GetUserID(c), c.GetHeader("X-Device-ID"), jwt.PlatformCLI)
	if err != nil {
		response.Error(c, imErrors.ErrServerError.Wrap(err))
		return
	}
	response.Success(c, rt)
}

// listConversations 会话列表
// GET /api/conversations
func (s *Server) listConversations(c *gin.Context) {
	response.Success(c, s.backend.Conversations(GetUserID(c)))
}

// listMessages 会话历史
// GET /api/conversations/:id/messages
func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.backend.Messages(GetUserID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	for i := range msgs {
		msgs[i] = s.outgoing(msgs[i])
	}
	response.Success(c, msgs)
}

// postMessage 发送消息，temp_id 为幂等键
// POST /api/conversations/:id/messages
func (s *Server) postMessage(c *gin.Context) {
	var req httpapi.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, imErrors.CodeInvalidParams, err.Error())
		return
	}

	m, created, err := s.backend.Post(GetUserID(c), c.Param("id"), req.Text, req.TempID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if created {
		s.broadcastMessage(m)
	}
	response.Success(c, m)
}

// handleWebSocket 升级为实时连接，认证失败时在升级前返回 401
// GET /ws
func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = extractToken(c.GetHeader("Authorization"))
	}

	userID, err := s.authenticate(token)
	if err != nil {
		s.logger.Info("Realtime auth failed", "error", err)
		response.Unauthorized(c)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	conn := newConn(userID, transport.NewWebSocketConn(ws, 0), s.logger)
	s.serveConn(conn)
}

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Snapshot 客户端运行状态
type Snapshot struct {
	Mode              string `json:"mode"`
	Connection        string `json:"connection"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	OutboxPending     int    `json:"outbox_pending"`
	OutboxQueued      int    `json:"outbox_queued"`
}

// StatusSource 状态来源，由聊天客户端实现
type StatusSource interface {
	Snapshot() Snapshot
}

// Status 健康状态
type Status struct {
	Service string `json:"service"`
	Ready   bool   `json:"ready"`
	Snapshot
	CheckedAt time.Time `json:"checked_at"`
}

// Checker 健康检查器
type Checker struct {
	service string
	source  StatusSource
}

// NewChecker 创建健康检查器
func NewChecker(service string, source StatusSource) *Checker {
	return &Checker{service: service, source: source}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:   h.service,
		CheckedAt: time.Now().UTC(),
	}
	if h.source != nil {
		status.Snapshot = h.source.Snapshot()
	}
	// 实时通道或 HTTP 兜底任一可用即可收发消息
	status.Ready = status.Mode == "websocket_connected" || status.Mode == "http_fallback"
	return status
}

// IsHealthy 检查是否就绪
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Ready
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// NewServer 健康检查 HTTP 服务：/health、/ready，metrics 非空时挂载 /metrics
func NewServer(addr string, checker *Checker, metrics http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if checker.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

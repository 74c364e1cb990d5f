package connection

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// heartbeat 客户端心跳
// 每个周期发送一次 ping，超过 timeout 没有任何入站数据时判定连接半开
type heartbeat struct {
	interval   time.Duration
	timeout    time.Duration
	ping       func() error
	lastActive func() time.Time
	onTimeout  func(err error)
	logger     *slog.Logger
}

func newHeartbeat(interval, timeout time.Duration, ping func() error, lastActive func() time.Time, onTimeout func(err error), logger *slog.Logger) *heartbeat {
	if interval <= 0 {
		interval = 25 * time.Second
	}
	if timeout <= interval {
		timeout = interval * 2
	}

	return &heartbeat{
		interval:   interval,
		timeout:    timeout,
		ping:       ping,
		lastActive: lastActive,
		onTimeout:  onTimeout,
		logger:     logger,
	}
}

// checkInterval 空闲检测粒度不超过 timeout 的四分之一
func (h *heartbeat) checkInterval() time.Duration {
	check := h.timeout / 4
	if check > h.interval {
		check = h.interval
	}
	return check
}

// Run 启动心跳（阻塞，应在 goroutine 中调用），触发超时后返回
func (h *heartbeat) Run(ctx context.Context) {
	lastPing := time.Now()
	ticker := time.NewTicker(h.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			idle := now.Sub(h.lastActive())
			if idle > h.timeout {
				h.logger.Warn("Heartbeat timeout, dropping connection",
					"idle", idle,
					"timeout", h.timeout)
				h.onTimeout(fmt.Errorf("no inbound activity for %s", idle.Round(time.Millisecond)))
				return
			}

			if now.Sub(lastPing) < h.interval {
				continue
			}
			lastPing = now
			if err := h.ping(); err != nil {
				h.logger.Debug("Heartbeat ping failed", "error", err)
				h.onTimeout(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

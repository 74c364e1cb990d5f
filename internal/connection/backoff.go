package connection

import "time"

// DefaultBackoff 默认重连退避序列，用尽后保持最后一个值
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Backoff 重连退避序列
type Backoff []time.Duration

// Delay 第 attempt 次重连（从 0 开始）前的等待时间
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b) == 0 {
		return DefaultBackoff[0]
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b) {
		return b[len(b)-1]
	}
	return b[attempt]
}

package connection

import "time"

// State 连接状态
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed 重连次数耗尽，不再自动重试
	StateFailed State = "failed"
)

// StateChange 状态变更事件
type StateChange struct {
	State   State
	Attempt int           // 当前重连次数
	Delay   time.Duration // 距下次重连的等待时间，仅 reconnecting 有效
	Err     error
}

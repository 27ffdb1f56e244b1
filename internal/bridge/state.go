package bridge

// State 连接状态机的状态。同一时刻最多存在一个会话；
// Listening 同时覆盖已连接但未开流的空闲会话（见 DESIGN.md）。
type State int32

const (
	StateDisabled State = iota
	StateListening
	StateConnecting
	StateHandshaking
	StateStreaming
	StateRecovering
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateListening:
		return "LISTENING"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateStreaming:
		return "STREAMING"
	case StateRecovering:
		return "RECOVERING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Label 面向 UI 面板的可读标签
func (s State) Label() string {
	switch s {
	case StateDisabled:
		return "未启用"
	case StateListening:
		return "已连接（空闲）"
	case StateConnecting:
		return "连接中"
	case StateHandshaking:
		return "握手中"
	case StateStreaming:
		return "推流中"
	case StateRecovering:
		return "重连中"
	case StateError:
		return "连接错误"
	default:
		return "未知状态"
	}
}

// Connected 会话是否已建立（空闲或推流中）
func (s State) Connected() bool {
	return s == StateListening || s == StateStreaming
}

// StateChangeHandler 状态变化处理器，每次状态迁移触发一次；
// 相同状态的重复迁移会被合并，不会触发
type StateChangeHandler func(oldState, newState State)

package protocol

// 操作码定义 - 用于识别不同类型的消息
const (
	// 握手相关
	OpHello    uint16 = 1001
	OpHelloAck uint16 = 1002

	// 心跳相关
	OpHeartbeat uint16 = 1100

	// 流控制与媒体
	OpStartStream uint16 = 2001
	OpStopStream  uint16 = 2002
	OpFrame       uint16 = 2003
	OpAck         uint16 = 2004

	// 错误响应
	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpHello:
		return "HELLO"
	case OpHelloAck:
		return "HELLO_ACK"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpStartStream:
		return "START_STREAM"
	case OpStopStream:
		return "STOP_STREAM"
	case OpFrame:
		return "FRAME"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	switch op {
	case OpHello, OpHelloAck, OpHeartbeat,
		OpStartStream, OpStopStream, OpFrame, OpAck,
		OpError:
		return true
	default:
		return false
	}
}

// IsControlOpcode 控制消息的载荷受 MaxControlBytes 限制，帧不受此限制
func IsControlOpcode(op uint16) bool {
	return op != OpFrame
}

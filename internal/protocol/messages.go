package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// 协议魔数，hello 消息携带，服务端据此识别桥接客户端
	ProtocolMagic = "SUTU_BRIDGE_V2"
	// 协议版本，兼容规则：主版本号必须完全一致，不做自动降级协商
	ProtocolVersion = "2.1.0"

	// 默认监听端口（本机 Sutu 进程）
	DefaultPort = 30121
)

// 能力声明
const (
	CapTCPLZ4       = "tcp_lz4"
	CapChunkedFrame = "chunked_frame"
)

// DefaultCapabilities 返回客户端默认声明的能力集
func DefaultCapabilities() []string {
	return []string{CapTCPLZ4, CapChunkedFrame}
}

var (
	ErrMessageTooLarge = errors.New("control message too large")
	ErrBadMessage      = errors.New("malformed control message")
)

// Hello 握手请求，携带协议版本与客户端标识
type Hello struct {
	Magic         string   `msgpack:"magic"`
	Version       string   `msgpack:"protocolVersion"`
	ClientName    string   `msgpack:"clientName"`
	ClientVersion string   `msgpack:"clientVersion"`
	Capabilities  []string `msgpack:"capabilities"`
}

// HelloAck 握手应答，Accepted 为 false 时 Reason 说明拒绝原因
type HelloAck struct {
	Accepted      bool   `msgpack:"accepted"`
	ServerVersion string `msgpack:"serverVersion"`
	Reason        string `msgpack:"reason"`
}

// Heartbeat 双向心跳；服务端心跳可携带目标流分辨率提示
type Heartbeat struct {
	TimestampMs  int64 `msgpack:"timestampMs"`
	TargetWidth  int   `msgpack:"targetWidth,omitempty"`
	TargetHeight int   `msgpack:"targetHeight,omitempty"`
}

// StartStream 流开始通知
type StartStream struct {
	StreamID string `msgpack:"streamId"`
}

// StopStream 流结束通知
type StopStream struct {
	Reason string `msgpack:"reason"`
}

// Ack 服务端对帧的回执，仅用于在途帧统计，不阻塞发送路径
type Ack struct {
	Seq uint64 `msgpack:"seq"`
}

// ErrorMessage 服务端错误通知
type ErrorMessage struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// FrameEnvelope 帧包的载荷：元信息 + 像素数据
// Data 是否压缩由包头 FlagCompressed 标志位决定，RawLen 记录压缩前的字节数，
// 接收端据此分配解压缓冲区。
type FrameEnvelope struct {
	Origin      string `msgpack:"origin"` // viewport | render
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	Stride      int    `msgpack:"stride"`
	PixelFormat string `msgpack:"pixelFormat"`
	RawLen      int    `msgpack:"rawLen"`
	Data        []byte `msgpack:"data"`
}

// NowMillis 当前 Unix 毫秒时间戳
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// EncodeControl 序列化控制消息并检查大小上限
func EncodeControl(message interface{}) ([]byte, error) {
	payload, err := msgpack.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if len(payload) > MaxControlBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), MaxControlBytes)
	}
	return payload, nil
}

// DecodeControl 反序列化控制消息到目标结构
func DecodeControl(payload []byte, out interface{}) error {
	if err := msgpack.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return nil
}

// EncodeFramePayload 序列化帧信封；帧载荷不受控制消息上限约束
func EncodeFramePayload(envelope *FrameEnvelope) ([]byte, error) {
	payload, err := msgpack.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if len(payload) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), MaxFrameBytes)
	}
	return payload, nil
}

// DecodeFramePayload 反序列化帧信封
func DecodeFramePayload(payload []byte) (*FrameEnvelope, error) {
	var envelope FrameEnvelope
	if err := msgpack.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return &envelope, nil
}

// NewHello 构造携带本端标识的握手请求
func NewHello(clientName, clientVersion string) *Hello {
	return &Hello{
		Magic:         ProtocolMagic,
		Version:       ProtocolVersion,
		ClientName:    clientName,
		ClientVersion: clientVersion,
		Capabilities:  DefaultCapabilities(),
	}
}

// MajorVersion 提取版本字符串的主版本号，无法解析时返回 -1
func MajorVersion(version string) int {
	head, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return major
}

// VersionCompatible 判断两端协议版本是否兼容：主版本号必须一致
func VersionCompatible(local, remote string) bool {
	lm := MajorVersion(local)
	return lm >= 0 && lm == MajorVersion(remote)
}

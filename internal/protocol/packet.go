package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 包头长度：操作码(2字节) + 标志位(1字节) + 序列号(8字节) + 数据长度(4字节)
	PacketHeaderSize = 15
	// 控制消息大小上限
	MaxControlBytes = 1024 * 1024
	// 帧数据大小上限（未压缩的 RGBA 视口帧可能非常大）
	MaxFrameBytes = 128 * 1024 * 1024
	// 最小包大小（只有头部）
	MinPacketSize = PacketHeaderSize
)

// 标志位定义
const (
	// FlagCompressed 载荷中的像素数据经过 LZ4 块压缩
	FlagCompressed byte = 0x01
)

var (
	ErrPacketTooSmall = errors.New("packet too small")
	ErrPacketTooLarge = errors.New("packet too large")
	ErrInvalidPacket  = errors.New("invalid packet format")
)

// Packet 表示一个完整的线缆包
type Packet struct {
	Opcode  uint16 // 操作码
	Flags   byte   // 标志位
	Seq     uint64 // 会话内严格递增的序列号
	Payload []byte // 载荷（控制消息为 msgpack，帧为帧信封）
}

// EncodePacket 将包编码为二进制格式
// 包格式: | opcode(2字节) | flags(1字节) | seq(8字节) | length(4字节) | payload(变长) |
func EncodePacket(p *Packet) []byte {
	payload := p.Payload
	if payload == nil {
		payload = []byte{}
	}

	buf := make([]byte, PacketHeaderSize+len(payload))

	// 大端序写入头部
	binary.BigEndian.PutUint16(buf[0:2], p.Opcode)
	buf[2] = p.Flags
	binary.BigEndian.PutUint64(buf[3:11], p.Seq)
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(payload)))
	copy(buf[PacketHeaderSize:], payload)

	return buf
}

// DecodePacket 从完整的二进制数据中解码出包
func DecodePacket(raw []byte) (*Packet, error) {
	if len(raw) < MinPacketSize {
		return nil, ErrPacketTooSmall
	}

	payloadLen := binary.BigEndian.Uint32(raw[11:15])
	if int(payloadLen) > MaxFrameBytes {
		return nil, ErrPacketTooLarge
	}

	expectedSize := PacketHeaderSize + int(payloadLen)
	if len(raw) != expectedSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidPacket, expectedSize, len(raw))
	}

	p := &Packet{
		Opcode: binary.BigEndian.Uint16(raw[0:2]),
		Flags:  raw[2],
		Seq:    binary.BigEndian.Uint64(raw[3:11]),
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, raw[PacketHeaderSize:])
	}

	return p, nil
}

// PacketDecoder 从数据流中逐步解码包（用于流式读取）
type PacketDecoder struct {
	buffer     []byte
	maxPayload int
	headerRead bool
	packetSize int
}

// NewPacketDecoder 创建新的包解码器
func NewPacketDecoder(maxPayload int) *PacketDecoder {
	if maxPayload <= 0 {
		maxPayload = MaxFrameBytes
	}
	return &PacketDecoder{
		buffer:     make([]byte, 0, 1024),
		maxPayload: maxPayload,
	}
}

// Feed 向解码器输入数据
func (pd *PacketDecoder) Feed(data []byte) {
	pd.buffer = append(pd.buffer, data...)
}

// Next 尝试解码下一个完整的包
func (pd *PacketDecoder) Next() (*Packet, error) {
	if !pd.headerRead {
		if len(pd.buffer) < PacketHeaderSize {
			return nil, nil // 需要更多数据
		}

		payloadLen := binary.BigEndian.Uint32(pd.buffer[11:15])
		if int(payloadLen) > pd.maxPayload {
			return nil, fmt.Errorf("%w: payload %d > limit %d",
				ErrPacketTooLarge, payloadLen, pd.maxPayload)
		}

		pd.packetSize = PacketHeaderSize + int(payloadLen)
		pd.headerRead = true
	}

	if len(pd.buffer) < pd.packetSize {
		return nil, nil // 需要更多数据
	}

	packet, err := DecodePacket(pd.buffer[:pd.packetSize])
	if err != nil {
		return nil, err
	}

	// 移除已处理的数据
	pd.buffer = pd.buffer[pd.packetSize:]
	pd.headerRead = false
	pd.packetSize = 0

	return packet, nil
}

// Reset 重置解码器状态
func (pd *PacketDecoder) Reset() {
	pd.buffer = pd.buffer[:0]
	pd.headerRead = false
	pd.packetSize = 0
}

// BufferSize 返回当前缓冲区大小
func (pd *PacketDecoder) BufferSize() int {
	return len(pd.buffer)
}

// Package codec 将原始像素缓冲编码为线缆帧载荷，可选 LZ4 块压缩。
// 压缩能力在启动时探测一次；缺失时透明退化为未压缩发送，绝不因此让发送失败。
package codec

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"

	"SutuBridge/internal/protocol"
	"SutuBridge/internal/source"
)

var (
	ErrFrameEmpty  = errors.New("frame has no pixel data")
	ErrShortBuffer = errors.New("pixel buffer shorter than stride*height")
)

// Encoded 一帧编码结果
type Encoded struct {
	Payload    []byte // msgpack 帧信封
	Compressed bool   // 对应包头 FlagCompressed
	RawBytes   int    // 压缩前像素字节数
	DataBytes  int    // 信封中实际携带的像素字节数
}

// Flags 返回编码结果对应的包头标志位
func (e *Encoded) Flags() byte {
	if e.Compressed {
		return protocol.FlagCompressed
	}
	return 0
}

// Encoder 帧编码器
type Encoder struct {
	enabled   bool // 配置层是否开启压缩
	available bool // 压缩能力是否可用（启动时探测）

	mu         sync.Mutex
	compressor lz4.Compressor

	fellBack   atomic.Bool
	warnedOnce sync.Once
}

// Option 编码器选项
type Option func(*Encoder)

// WithCompressionUnavailable 将压缩能力标记为缺失，编码器退化为未压缩路径。
// 测试用，模拟压缩依赖不可用的环境。
func WithCompressionUnavailable() Option {
	return func(e *Encoder) {
		e.available = false
	}
}

// New 创建编码器。enableCompression 来自配置；能力探测失败时自动退化。
func New(enableCompression bool, opts ...Option) *Encoder {
	e := &Encoder{
		enabled:   enableCompression,
		available: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CompressionActive 压缩是否真正生效
func (e *Encoder) CompressionActive() bool {
	return e.enabled && e.available
}

// FellBack 本会话内是否发生过压缩退化
func (e *Encoder) FellBack() bool {
	return e.fellBack.Load()
}

// ResetSession 清除会话级退化标记
func (e *Encoder) ResetSession() {
	e.fellBack.Store(false)
}

// Encode 将一帧编码为线缆载荷
func (e *Encoder) Encode(frame *source.Frame) (*Encoded, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, ErrFrameEmpty
	}

	stride := frame.RowStride()
	required := stride * frame.Height
	if len(frame.Data) < required {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortBuffer, len(frame.Data), required)
	}
	raw := frame.Data[:required]

	data := raw
	compressed := false
	if e.enabled {
		if !e.available {
			e.noteFallback()
		} else if packed, ok := e.compress(raw); ok {
			data = packed
			compressed = true
		}
	}

	envelope := &protocol.FrameEnvelope{
		Origin:      string(frame.Origin),
		Width:       frame.Width,
		Height:      frame.Height,
		Stride:      stride,
		PixelFormat: frame.PixelFormat,
		RawLen:      required,
		Data:        data,
	}

	payload, err := protocol.EncodeFramePayload(envelope)
	if err != nil {
		return nil, err
	}

	return &Encoded{
		Payload:    payload,
		Compressed: compressed,
		RawBytes:   required,
		DataBytes:  len(data),
	}, nil
}

// compress 执行 LZ4 块压缩；数据不可压缩时返回 ok=false 走原始路径
func (e *Encoder) compress(raw []byte) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := e.compressor.CompressBlock(raw, dst)
	if err != nil || n == 0 || n >= len(raw) {
		return nil, false
	}
	return dst[:n], true
}

func (e *Encoder) noteFallback() {
	e.fellBack.Store(true)
	e.warnedOnce.Do(func() {
		log.Printf("LZ4 unavailable, frames will be sent uncompressed")
	})
}

// Decoded 解码后的帧，供测试与诊断使用（客户端线上路径不需要解码）
type Decoded struct {
	Origin      source.Origin
	Width       int
	Height      int
	Stride      int
	PixelFormat string
	Data        []byte
}

// Decode 从载荷还原帧。compressed 取自包头 FlagCompressed。
func Decode(payload []byte, compressed bool) (*Decoded, error) {
	envelope, err := protocol.DecodeFramePayload(payload)
	if err != nil {
		return nil, err
	}
	// RawLen 来自线缆，不能直接拿去分配缓冲区
	if envelope.RawLen < 0 || envelope.RawLen > protocol.MaxFrameBytes {
		return nil, fmt.Errorf("invalid raw length %d", envelope.RawLen)
	}

	data := envelope.Data
	if compressed {
		dst := make([]byte, envelope.RawLen)
		n, err := lz4.UncompressBlock(envelope.Data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 uncompress failed: %w", err)
		}
		if n != envelope.RawLen {
			return nil, fmt.Errorf("lz4 length mismatch: got %d, want %d", n, envelope.RawLen)
		}
		data = dst
	} else if len(data) != envelope.RawLen {
		return nil, fmt.Errorf("raw length mismatch: got %d, want %d", len(data), envelope.RawLen)
	}

	return &Decoded{
		Origin:      source.Origin(envelope.Origin),
		Width:       envelope.Width,
		Height:      envelope.Height,
		Stride:      envelope.Stride,
		PixelFormat: envelope.PixelFormat,
		Data:        data,
	}, nil
}

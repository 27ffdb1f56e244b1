package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPacketRoundtrip 测试包编解码往返
func TestPacketRoundtrip(t *testing.T) {
	original := &Packet{
		Opcode:  OpFrame,
		Flags:   FlagCompressed,
		Seq:     42,
		Payload: []byte("pixel data goes here"),
	}

	raw := EncodePacket(original)
	require.Len(t, raw, PacketHeaderSize+len(original.Payload))

	decoded, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, original.Opcode, decoded.Opcode)
	assert.Equal(t, original.Flags, decoded.Flags)
	assert.Equal(t, original.Seq, decoded.Seq)
	assert.Equal(t, original.Payload, decoded.Payload)
}

// TestPacketEmptyPayload 空载荷的包也是合法的
func TestPacketEmptyPayload(t *testing.T) {
	raw := EncodePacket(&Packet{Opcode: OpHeartbeat, Seq: 1})
	require.Len(t, raw, PacketHeaderSize)

	decoded, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(OpHeartbeat), decoded.Opcode)
	assert.Empty(t, decoded.Payload)
}

// TestDecodePacketErrors 测试解码错误分支
func TestDecodePacketErrors(t *testing.T) {
	t.Run("too_small", func(t *testing.T) {
		_, err := DecodePacket(make([]byte, PacketHeaderSize-1))
		assert.ErrorIs(t, err, ErrPacketTooSmall)
	})

	t.Run("length_mismatch", func(t *testing.T) {
		raw := EncodePacket(&Packet{Opcode: OpHello, Payload: []byte("abc")})
		_, err := DecodePacket(raw[:len(raw)-1])
		assert.ErrorIs(t, err, ErrInvalidPacket)
	})

	t.Run("oversized_length_field", func(t *testing.T) {
		raw := make([]byte, PacketHeaderSize)
		binary.BigEndian.PutUint32(raw[11:15], uint32(MaxFrameBytes+1))
		_, err := DecodePacket(raw)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
	})
}

// TestPacketDecoderStreaming 测试流式解码器处理分片到达的数据
func TestPacketDecoderStreaming(t *testing.T) {
	decoder := NewPacketDecoder(MaxFrameBytes)

	p1 := EncodePacket(&Packet{Opcode: OpHello, Seq: 1, Payload: []byte("first")})
	p2 := EncodePacket(&Packet{Opcode: OpFrame, Seq: 2, Payload: []byte("second")})
	wire := append(append([]byte{}, p1...), p2...)

	// 一个字节一个字节喂入
	var decoded []*Packet
	for _, b := range wire {
		decoder.Feed([]byte{b})
		for {
			packet, err := decoder.Next()
			require.NoError(t, err)
			if packet == nil {
				break
			}
			decoded = append(decoded, packet)
		}
	}

	require.Len(t, decoded, 2)
	assert.Equal(t, uint64(1), decoded[0].Seq)
	assert.Equal(t, []byte("first"), decoded[0].Payload)
	assert.Equal(t, uint64(2), decoded[1].Seq)
	assert.Equal(t, []byte("second"), decoded[1].Payload)
	assert.Equal(t, 0, decoder.BufferSize())
}

// TestPacketDecoderPayloadLimit 超过上限的包应立即报错，不等待数据到齐
func TestPacketDecoderPayloadLimit(t *testing.T) {
	decoder := NewPacketDecoder(1024)

	header := make([]byte, PacketHeaderSize)
	binary.BigEndian.PutUint16(header[0:2], OpFrame)
	binary.BigEndian.PutUint32(header[11:15], 2048)

	decoder.Feed(header)
	_, err := decoder.Next()
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

// TestPacketDecoderReset 测试重置后丢弃残留数据
func TestPacketDecoderReset(t *testing.T) {
	decoder := NewPacketDecoder(MaxFrameBytes)
	decoder.Feed([]byte{0x01, 0x02, 0x03})
	require.Equal(t, 3, decoder.BufferSize())

	decoder.Reset()
	assert.Equal(t, 0, decoder.BufferSize())

	// 重置后能继续正常解码
	decoder.Feed(EncodePacket(&Packet{Opcode: OpAck, Seq: 9}))
	packet, err := decoder.Next()
	require.NoError(t, err)
	require.NotNil(t, packet)
	assert.Equal(t, uint64(9), packet.Seq)
}

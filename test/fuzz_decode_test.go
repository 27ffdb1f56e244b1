package test

import (
	"testing"

	"SutuBridge/internal/codec"
	"SutuBridge/internal/protocol"
)

// FuzzPacketDecode 包解码对任意输入不得 panic
func FuzzPacketDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add(make([]byte, protocol.PacketHeaderSize))
	f.Add(protocol.EncodePacket(&protocol.Packet{
		Opcode:  protocol.OpFrame,
		Flags:   protocol.FlagCompressed,
		Seq:     1,
		Payload: []byte("payload"),
	}))

	f.Fuzz(func(t *testing.T, data []byte) {
		packet, err := protocol.DecodePacket(data)
		if err != nil {
			return
		}
		// 解码成功的包必须能重新编码为等价字节
		reencoded := protocol.EncodePacket(packet)
		if len(reencoded) != len(data) {
			t.Fatalf("re-encode length mismatch: %d != %d", len(reencoded), len(data))
		}
	})
}

// FuzzPacketDecoder 流式解码器对任意分片输入不得 panic 或死循环
func FuzzPacketDecoder(f *testing.F) {
	valid := protocol.EncodePacket(&protocol.Packet{
		Opcode:  protocol.OpHello,
		Seq:     7,
		Payload: []byte("hello"),
	})
	f.Add(valid, 1)
	f.Add(valid, 3)
	f.Add([]byte{0xff, 0xff, 0xff, 0xff}, 2)

	f.Fuzz(func(t *testing.T, data []byte, chunkSize int) {
		if chunkSize < 1 {
			chunkSize = 1
		}
		decoder := protocol.NewPacketDecoder(1 << 20)

		for offset := 0; offset < len(data); offset += chunkSize {
			end := offset + chunkSize
			if end > len(data) {
				end = len(data)
			}
			decoder.Feed(data[offset:end])

			for {
				packet, err := decoder.Next()
				if err != nil || packet == nil {
					break
				}
			}
		}
	})
}

// FuzzControlDecode 控制消息解码对任意字节不得 panic
func FuzzControlDecode(f *testing.F) {
	hello, _ := protocol.EncodeControl(protocol.NewHello("fuzz", "0.0.1"))
	f.Add(hello)
	f.Add([]byte{})
	f.Add([]byte{0xc1})

	f.Fuzz(func(t *testing.T, data []byte) {
		var h protocol.Hello
		protocol.DecodeControl(data, &h)
		var ack protocol.HelloAck
		protocol.DecodeControl(data, &ack)
		var hb protocol.Heartbeat
		protocol.DecodeControl(data, &hb)
	})
}

// FuzzFrameDecode 帧载荷解码（含压缩分支）对任意输入不得 panic
func FuzzFrameDecode(f *testing.F) {
	envelope := &protocol.FrameEnvelope{
		Origin: "viewport", Width: 2, Height: 2, Stride: 8,
		PixelFormat: "rgba8", RawLen: 16, Data: make([]byte, 16),
	}
	payload, _ := protocol.EncodeFramePayload(envelope)
	f.Add(payload, false)
	f.Add(payload, true)
	f.Add([]byte{}, false)

	f.Fuzz(func(t *testing.T, data []byte, compressed bool) {
		codec.Decode(data, compressed)
	})
}

package test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SutuBridge/internal/bridge"
	"SutuBridge/internal/codec"
	"SutuBridge/internal/source"
	"SutuBridge/internal/testserver"
	"SutuBridge/internal/testutil"
)

// TestConnectAndIdle 测试基本连接：握手成功后进入已连接空闲状态
func TestConnectAndIdle(t *testing.T) {
	h := testutil.NewHarness(t, nil, nil)
	h.ConnectAndWait()

	assert.Equal(t, bridge.StateListening, h.Client.CurrentState())
	assert.True(t, h.Client.CurrentState().Connected())
	assert.Nil(t, h.Client.LastError())

	// 状态轨迹：CONNECTING -> HANDSHAKING -> LISTENING
	states := h.VisitedStates()
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, bridge.StateConnecting, states[0])
	assert.Equal(t, bridge.StateHandshaking, states[1])
	assert.Equal(t, bridge.StateListening, states[2])
}

// TestConnectRefused 对端未监听时进入错误状态并记录分类码
func TestConnectRefused(t *testing.T) {
	// 占个端口再关掉，保证没人监听
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := bridge.DefaultConfig()
	cfg.Port = port
	cfg.ConnectTimeout = time.Second

	client := bridge.New(cfg)
	client.SetSource(source.NewSynthetic(8, 8))
	defer client.Disconnect()

	require.NoError(t, client.Connect())

	deadline := time.Now().Add(5 * time.Second)
	for client.CurrentState() != bridge.StateError && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, bridge.StateError, client.CurrentState())
	lastErr := client.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, bridge.CodeConnectRefused, lastErr.Code)
}

// TestStreamingDeliversFrames 推流路径：捕获的帧到达服务端且序列号严格递增
func TestStreamingDeliversFrames(t *testing.T) {
	h := testutil.NewHarness(t, nil, nil)
	h.ConnectAndWait()

	require.NoError(t, h.Client.StartStream())
	assert.Equal(t, bridge.StateStreaming, h.Client.CurrentState())

	for i := 0; i < 10; i++ {
		_, err := h.Client.CaptureFrame(source.OriginViewport)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond) // 给发送协程消费的时间
	}

	require.True(t, h.Server.WaitForFrames(10, 5*time.Second),
		"server received %d frames", h.Server.FrameCount())
	assert.True(t, h.Server.StreamActive())
	assert.NotEmpty(t, h.Server.LastStreamID())

	frames := h.Server.ReceivedFrames()
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].PacketSeq, frames[i-1].PacketSeq,
			"packet seq must be strictly increasing")
	}
	for _, f := range frames {
		require.NotNil(t, f.Envelope)
		assert.Equal(t, "viewport", f.Envelope.Origin)
		assert.Equal(t, "rgba8", f.Envelope.PixelFormat)
	}

	stats := h.Client.StreamStats()
	assert.Equal(t, uint64(10), stats.FramesCaptured)
	assert.GreaterOrEqual(t, stats.FramesSent, uint64(1))
	assert.Greater(t, stats.BytesSent, uint64(0))

	require.NoError(t, h.Client.StopStream())
	h.WaitForState(bridge.StateListening, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for h.Server.StreamActive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, h.Server.StreamActive())
}

// TestCaptureIgnoredWhenStreamInactive 未开流时捕获事件被忽略
func TestCaptureIgnoredWhenStreamInactive(t *testing.T) {
	h := testutil.NewHarness(t, nil, nil)
	h.ConnectAndWait()

	seq, err := h.Client.CaptureFrame(source.OriginViewport)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, 0, h.Server.FrameCount())
}

// TestSingleFrameRequiresConnection 未连接时单帧发送立即报错
func TestSingleFrameRequiresConnection(t *testing.T) {
	client := bridge.New(bridge.DefaultConfig())
	client.SetSource(source.NewSynthetic(8, 8))

	err := client.SendSingleFrame(source.OriginViewport, false)
	require.Error(t, err)
	assert.Equal(t, bridge.CodeNotConnected, bridge.CodeOf(err))
	assert.Equal(t, bridge.StateDisabled, client.CurrentState())
}

// TestSingleFrameRoundtrip 单帧发送不需要开流，状态保持已连接空闲
func TestSingleFrameRoundtrip(t *testing.T) {
	h := testutil.NewHarness(t, nil, nil)
	h.ConnectAndWait()

	require.NoError(t, h.Client.SendSingleFrame(source.OriginRender, true))
	require.True(t, h.Server.WaitForFrames(1, 2*time.Second))

	frames := h.Server.ReceivedFrames()
	require.NotNil(t, frames[0].Envelope)
	assert.Equal(t, "render", frames[0].Envelope.Origin)
	assert.Equal(t, bridge.StateListening, h.Client.CurrentState())
}

// TestVersionMismatch 主版本不一致时握手失败，socket 释放，进入错误状态
func TestVersionMismatch(t *testing.T) {
	serverCfg := testserver.DefaultServerConfig("127.0.0.1:0")
	serverCfg.ServerVersion = "3.0.0"

	h := testutil.NewHarness(t, serverCfg, nil)
	require.NoError(t, h.Client.Connect())
	h.WaitForState(bridge.StateError, 5*time.Second)

	lastErr := h.Client.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, bridge.CodeVersionMismatch, lastErr.Code)

	// 失败后客户端必须释放连接
	deadline := time.Now().Add(2 * time.Second)
	for h.Server.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, h.Server.ConnectionCount())
}

// TestHandshakeRejected 服务端明确拒绝时同样归类为版本不匹配
func TestHandshakeRejected(t *testing.T) {
	serverCfg := testserver.DefaultServerConfig("127.0.0.1:0")
	serverCfg.AcceptHandshake = false
	serverCfg.RejectReason = "unsupported client"

	h := testutil.NewHarness(t, serverCfg, nil)
	require.NoError(t, h.Client.Connect())
	h.WaitForState(bridge.StateError, 5*time.Second)

	lastErr := h.Client.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, bridge.CodeVersionMismatch, lastErr.Code)
	assert.Contains(t, lastErr.Error(), "unsupported client")
}

// TestRecoveryAfterForcedDisconnect 对端断开后自动重连并恢复推流
func TestRecoveryAfterForcedDisconnect(t *testing.T) {
	h := testutil.NewHarness(t, nil, nil)
	h.ConnectAndWait()
	require.NoError(t, h.Client.StartStream())

	_, err := h.Client.CaptureFrame(source.OriginViewport)
	require.NoError(t, err)
	require.True(t, h.Server.WaitForFrames(1, 2*time.Second))

	h.Server.ForceDisconnectAll()

	// 自动重连后回到推流状态
	h.WaitForStateVisited(bridge.StateRecovering, 5*time.Second)
	h.WaitForState(bridge.StateStreaming, 5*time.Second)
	assert.GreaterOrEqual(t, h.Client.Reconnects(), 1)

	// 新会话里继续发帧
	before := h.Server.FrameCount()
	_, err = h.Client.CaptureFrame(source.OriginViewport)
	require.NoError(t, err)
	require.True(t, h.Server.WaitForFrames(before+1, 5*time.Second))
}

// TestStaleRecoveryDoesNotHijackNewSession 恢复握手被拖慢期间完成一轮
// Disconnect+Connect 后，迟到完成的旧会话协程不得覆盖新协程登记的会话
func TestStaleRecoveryDoesNotHijackNewSession(t *testing.T) {
	h := testutil.NewHarness(t, nil, nil)
	h.ConnectAndWait()

	// 拖慢恢复握手，制造旧协程悬在握手里的窗口
	h.Server.SetHandshakeDelay(700 * time.Millisecond)
	h.Server.ForceDisconnectAll()
	h.WaitForStateVisited(bridge.StateRecovering, 2*time.Second)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, h.Client.Disconnect())
	assert.Equal(t, bridge.StateDisabled, h.Client.CurrentState())

	h.Server.SetHandshakeDelay(0)
	require.NoError(t, h.Client.Connect())
	h.WaitForState(bridge.StateListening, 5*time.Second)

	// 等旧协程的迟到握手彻底收场，新会话必须原样可用
	time.Sleep(time.Second)
	assert.Equal(t, bridge.StateListening, h.Client.CurrentState())

	require.NoError(t, h.Client.StartStream())
	h.WaitForState(bridge.StateStreaming, 2*time.Second)
	_, err := h.Client.CaptureFrame(source.OriginViewport)
	require.NoError(t, err)
	require.True(t, h.Server.WaitForFrames(1, 2*time.Second))
}

// TestRecoveringReassertedBetweenRetries 重试握手失败后，退避等待期间
// 报告的状态回到重连中而不是停在握手中
func TestRecoveringReassertedBetweenRetries(t *testing.T) {
	clientCfg := bridge.DefaultConfig()
	clientCfg.HandshakeTimeout = 200 * time.Millisecond
	clientCfg.ReconnectInterval = 300 * time.Millisecond
	clientCfg.MaxReconnectTries = 2

	h := testutil.NewHarness(t, nil, clientCfg)
	h.ConnectAndWait()

	// 之后的每次握手都等不到应答
	h.Server.SetHandshakeDelay(5 * time.Second)
	h.Server.ForceDisconnectAll()
	h.WaitForState(bridge.StateError, 10*time.Second)

	var reasserted bool
	for _, c := range h.StateChanges() {
		if c.From == bridge.StateHandshaking && c.To == bridge.StateRecovering {
			reasserted = true
		}
	}
	assert.True(t, reasserted,
		"expected HANDSHAKING -> RECOVERING between retries, got %v", h.VisitedStates())

	lastErr := h.Client.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, bridge.CodeHandshakeTimeout, lastErr.Code)
}

// TestStreamingWithoutCompression 压缩依赖缺失时整条推流链路退化为未压缩，
// 帧照常到达且统计与告警码反映退化
func TestStreamingWithoutCompression(t *testing.T) {
	encoder := codec.New(true, codec.WithCompressionUnavailable())
	h := testutil.NewHarness(t, nil, nil, bridge.WithEncoder(encoder))
	h.ConnectAndWait()

	require.NoError(t, h.Client.StartStream())
	for i := 0; i < 3; i++ {
		_, err := h.Client.CaptureFrame(source.OriginViewport)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
	}
	require.True(t, h.Server.WaitForFrames(3, 5*time.Second))

	for _, f := range h.Server.ReceivedFrames() {
		assert.False(t, f.Compressed, "payload must be flagged uncompressed")
		require.NotNil(t, f.Envelope)
		assert.Equal(t, len(f.Envelope.Data), f.Envelope.RawLen)
	}

	stats := h.Client.StreamStats()
	assert.True(t, stats.CompressionFallback)
	assert.Equal(t, string(bridge.CodeCodecMissing), h.Client.Stats()["codec_warning"])
}

// TestStopStreamReturnsImmediately 停流在调用方不阻塞：排队帧的收尾
// 由会话协程在宽限期内完成
func TestStopStreamReturnsImmediately(t *testing.T) {
	clientCfg := bridge.DefaultConfig()
	clientCfg.StopGrace = 3 * time.Second

	h := testutil.NewHarness(t, nil, clientCfg)
	h.ConnectAndWait()
	require.NoError(t, h.Client.StartStream())

	for i := 0; i < 2; i++ {
		_, err := h.Client.CaptureFrame(source.OriginViewport)
		require.NoError(t, err)
	}

	started := time.Now()
	require.NoError(t, h.Client.StopStream())
	assert.Less(t, time.Since(started), 500*time.Millisecond,
		"StopStream must not wait out the grace period on the caller")
	assert.Equal(t, bridge.StateListening, h.Client.CurrentState())

	// 排队的帧仍被送达
	require.True(t, h.Server.WaitForFrames(2, 2*time.Second))
}

// TestDisconnectFromAnyState 断开在任何状态下都直接回到未启用
func TestDisconnectFromAnyState(t *testing.T) {
	t.Run("from_streaming", func(t *testing.T) {
		h := testutil.NewHarness(t, nil, nil)
		h.ConnectAndWait()
		require.NoError(t, h.Client.StartStream())

		require.NoError(t, h.Client.Disconnect())
		assert.Equal(t, bridge.StateDisabled, h.Client.CurrentState())
		assert.Nil(t, h.Client.LastError())
	})

	t.Run("from_error", func(t *testing.T) {
		serverCfg := testserver.DefaultServerConfig("127.0.0.1:0")
		serverCfg.AcceptHandshake = false

		h := testutil.NewHarness(t, serverCfg, nil)
		require.NoError(t, h.Client.Connect())
		h.WaitForState(bridge.StateError, 5*time.Second)

		require.NoError(t, h.Client.Disconnect())
		assert.Equal(t, bridge.StateDisabled, h.Client.CurrentState())
		assert.Nil(t, h.Client.LastError())
	})

	t.Run("while_disconnected", func(t *testing.T) {
		client := bridge.New(bridge.DefaultConfig())
		require.NoError(t, client.Disconnect())
		assert.Equal(t, bridge.StateDisabled, client.CurrentState())
	})
}

// TestConnectIdempotent 会话存活时重复 Connect 是空操作
func TestConnectIdempotent(t *testing.T) {
	h := testutil.NewHarness(t, nil, nil)
	h.ConnectAndWait()

	require.NoError(t, h.Client.Connect())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, bridge.StateListening, h.Client.CurrentState())
	assert.Equal(t, 1, h.Server.ConnectionCount())
}

// TestTargetSizeHint 服务端心跳携带的分辨率提示传导到捕获请求
func TestTargetSizeHint(t *testing.T) {
	serverCfg := testserver.DefaultServerConfig("127.0.0.1:0")
	serverCfg.TargetWidth = 16
	serverCfg.TargetHeight = 12
	serverCfg.HeartbeatInterval = 100 * time.Millisecond

	h := testutil.NewHarness(t, serverCfg, nil)
	h.ConnectAndWait()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w, _ := h.Client.TargetSizeHint(); w == 16 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	w, hgt := h.Client.TargetSizeHint()
	require.Equal(t, 16, w)
	require.Equal(t, 12, hgt)

	// 合成来源会按提示缩小输出
	require.NoError(t, h.Client.StartStream())
	_, err := h.Client.CaptureFrame(source.OriginViewport)
	require.NoError(t, err)
	require.True(t, h.Server.WaitForFrames(1, 2*time.Second))

	frame := h.Server.ReceivedFrames()[0]
	require.NotNil(t, frame.Envelope)
	assert.Equal(t, 16, frame.Envelope.Width)
	assert.Equal(t, 12, frame.Envelope.Height)
}

// TestStartStreamRequiresConnection 未连接时开流报错
func TestStartStreamRequiresConnection(t *testing.T) {
	client := bridge.New(bridge.DefaultConfig())
	err := client.StartStream()
	require.Error(t, err)
	assert.Equal(t, bridge.CodeNotConnected, bridge.CodeOf(err))
}

// TestInvalidPortRejected 非法端口在 Connect 入口被拒绝
func TestInvalidPortRejected(t *testing.T) {
	cfg := bridge.DefaultConfig()
	cfg.Port = 80

	client := bridge.New(cfg)
	err := client.Connect()
	require.Error(t, err)
	assert.Equal(t, bridge.CodePortInvalid, bridge.CodeOf(err))
	assert.Equal(t, bridge.StateDisabled, client.CurrentState())
}

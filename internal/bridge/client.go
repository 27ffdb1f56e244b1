// Package bridge 实现连接状态机：会话生命周期的唯一事实来源，
// 也是宿主 UI 面板可以直接调用的唯一控制面。
package bridge

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"SutuBridge/internal/codec"
	"SutuBridge/internal/dump"
	"SutuBridge/internal/protocol"
	"SutuBridge/internal/source"
	"SutuBridge/internal/stream"
	"SutuBridge/internal/transport"
)

var errStopRequested = errors.New("stop requested")

// workerCommand 控制面投递给会话协程的命令。socket 写只发生在会话协程上，
// 控制面方法入队后立即返回。
type workerCommand int

const (
	cmdStartStream workerCommand = iota + 1
	cmdStopStream
)

// Client 桥接客户端。所有 socket 读取发生在专属的会话协程上；
// 控制面方法（Connect/Disconnect/StartStream/StopStream）立即返回，
// 结果通过状态事件回调与 Stats 反馈。SendSingleFrame 是唯一的阻塞操作。
type Client struct {
	config *Config

	state atomic.Int32

	mu       sync.RWMutex
	session  *transport.Session
	stopChan chan struct{}
	lastErr  *BridgeError
	onState  StateChangeHandler
	inflight []uint64

	scheduler *stream.Scheduler
	encoder   *codec.Encoder
	dumper    *dump.Dumper
	src       source.Source
	commands  chan workerCommand

	sessionCounter atomic.Uint64
	activeSession  atomic.Uint64
	reconnects     atomic.Int32

	// 服务端心跳携带的目标分辨率提示
	targetWidth  atomic.Int64
	targetHeight atomic.Int64
}

// New 创建客户端
func New(config *Config, opts ...Option) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Client{
		config:    config,
		scheduler: stream.New(config.QueueDepth),
		dumper:    dump.New(config.Dump),
		commands:  make(chan workerCommand, 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.encoder == nil {
		c.encoder = codec.New(config.EnableCompression)
	}

	c.state.Store(int32(StateDisabled))
	return c
}

// Option 客户端选项
type Option func(*Client)

// WithEncoder 注入帧编码器（测试用，可模拟压缩依赖缺失）
func WithEncoder(e *codec.Encoder) Option {
	return func(c *Client) {
		c.encoder = e
	}
}

// SetSource 注册帧来源适配器，只注册一次
func (c *Client) SetSource(s source.Source) {
	c.mu.Lock()
	c.src = s
	c.mu.Unlock()
}

// SetStateChangeHandler 设置状态事件处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.mu.Lock()
	c.onState = handler
	c.mu.Unlock()
}

// CurrentState 当前状态
func (c *Client) CurrentState() State {
	return State(c.state.Load())
}

// LastError 最近一次失败原因；成功连接后清除
func (c *Client) LastError() *BridgeError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// TargetSizeHint 服务端建议的流分辨率，0 表示无提示
func (c *Client) TargetSizeHint() (int, int) {
	return int(c.targetWidth.Load()), int(c.targetHeight.Load())
}

// StreamStats 当前流会话的统计
func (c *Client) StreamStats() stream.Stats {
	return c.scheduler.Snapshot()
}

// Connect 建立会话。已有会话存活时是幂等的空操作；
// 实际连接在后台会话协程执行，结果通过状态事件反馈。
func (c *Client) Connect() error {
	if err := c.config.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopChan != nil {
		c.mu.Unlock()
		return nil // 会话协程已存活
	}
	stop := make(chan struct{})
	c.stopChan = stop
	c.mu.Unlock()

	c.setState(StateConnecting)
	go c.sessionWorker(stop)
	return nil
}

// Disconnect 在任何状态下都有效，立即释放 socket 并回到 Disabled；
// 在途发送被放弃而不是等待完成
func (c *Client) Disconnect() error {
	c.mu.Lock()
	stop := c.stopChan
	c.stopChan = nil
	sess := c.session
	c.session = nil
	c.lastErr = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if sess != nil {
		sess.Close()
	}

	c.scheduler.Abandon()
	c.activeSession.Store(0)
	c.setState(StateDisabled)
	return nil
}

// StartStream 开始连续推流。已在推流中时返回成功；未连接时报错。
// 流开始的宣告由会话协程发出，本方法不做 socket 写。
func (c *Client) StartStream() error {
	if c.scheduler.Active() {
		return nil
	}
	if !c.CurrentState().Connected() {
		return NewError(CodeNotConnected, "cannot start stream: not connected")
	}

	c.dumper.StartSession()
	c.encoder.ResetSession()
	c.enqueueCommand(cmdStartStream)
	c.scheduler.StartStream()

	c.transitionLive(StateStreaming)
	return nil
}

// StopStream 停止推流：立即停止接收新捕获并返回；已排队的帧由会话协程
// 在宽限期内收尾，之后放弃。未在推流中时是空操作。
func (c *Client) StopStream() error {
	if !c.scheduler.BeginStop() {
		return nil
	}

	c.enqueueCommand(cmdStopStream)
	c.transitionLive(StateListening)
	return nil
}

// CaptureFrame 宿主应用的视图变化/渲染完成事件入口：
// 捕获一帧并交给调度器排队。流未激活时直接忽略。
func (c *Client) CaptureFrame(origin source.Origin) (uint64, error) {
	if !c.scheduler.Active() {
		return 0, nil
	}

	frame, err := c.capture(source.CaptureRequest{Origin: origin})
	if err != nil {
		return 0, err
	}

	seq, ok := c.scheduler.Submit(frame)
	if !ok {
		return 0, nil
	}

	c.dumper.DumpFrameBytes(seq, dump.StageRawPixels, frame.Data, map[string]interface{}{
		"origin":      string(frame.Origin),
		"width":       frame.Width,
		"height":      frame.Height,
		"stride":      frame.RowStride(),
		"pixelFormat": frame.PixelFormat,
	})
	return seq, nil
}

// SendSingleFrame 单帧发送：绕过队列与背压策略，阻塞直到写出或超时。
// 与流是否激活无关，但要求会话已建立。
func (c *Client) SendSingleFrame(origin source.Origin, useExistingRender bool) error {
	sess := c.currentSession()
	if sess == nil || !c.CurrentState().Connected() {
		return NewError(CodeNotConnected, "cannot send frame: not connected")
	}

	frame, err := c.capture(source.CaptureRequest{
		Origin:            origin,
		UseExistingRender: useExistingRender,
	})
	if err != nil {
		return err
	}
	frame.Seq = c.scheduler.NextSeq()

	encoded, err := c.encoder.Encode(frame)
	if err != nil {
		return WrapError(CodeCaptureFailed, "encode frame failed", err)
	}

	c.dumper.DumpFrameBytes(frame.Seq, dump.StagePayload, encoded.Payload, map[string]interface{}{
		"origin":     string(frame.Origin),
		"compressed": encoded.Compressed,
		"rawBytes":   encoded.RawBytes,
	})

	if _, _, err := sess.SendPacketTimeout(protocol.OpFrame, encoded.Flags(), encoded.Payload, c.config.SingleFrameTimeout); err != nil {
		return Classify(err)
	}
	return nil
}

// Stats 面向 UI 的只读统计
func (c *Client) Stats() map[string]interface{} {
	state := c.CurrentState()
	streamStats := c.scheduler.Snapshot()

	c.mu.RLock()
	inflight := len(c.inflight)
	lastErr := c.lastErr
	c.mu.RUnlock()

	stats := map[string]interface{}{
		"state":            state.String(),
		"state_label":      state.Label(),
		"session_id":       c.activeSession.Load(),
		"reconnects":       c.reconnects.Load(),
		"inflight_frames":  inflight,
		"stream":           streamStats,
		"target_width":     c.targetWidth.Load(),
		"target_height":    c.targetHeight.Load(),
		"compression_on":   c.encoder.CompressionActive(),
		"dump_session_dir": c.dumper.SessionDir(),
	}
	if c.encoder.FellBack() {
		// 压缩依赖缺失是非致命退化，作为告警码透出
		stats["codec_warning"] = string(CodeCodecMissing)
	}
	if lastErr != nil {
		stats["last_error_code"] = string(lastErr.Code)
		stats["last_error"] = lastErr.Error()
	}
	return stats
}

// capture 调用帧来源适配器
func (c *Client) capture(req source.CaptureRequest) (*source.Frame, error) {
	c.mu.RLock()
	src := c.src
	c.mu.RUnlock()

	if src == nil {
		return nil, NewError(CodeCaptureFailed, "no frame source registered")
	}

	req.TargetWidth, req.TargetHeight = c.TargetSizeHint()
	frame, err := src.Capture(req)
	if err != nil {
		return nil, WrapError(CodeCaptureFailed, "host application could not supply a frame", err)
	}
	return frame, nil
}

// ---- 会话协程：socket 的唯一拥有者 ----

func (c *Client) sessionWorker(stop chan struct{}) {
	defer c.deactivate(stop)

	sess, berr := c.establish(stop)
	if berr != nil {
		c.fail(stop, berr)
		return
	}
	if !c.beginSession(stop, sess, false) {
		sess.Close()
		return
	}

	for {
		cause := c.runLoop(stop, sess)
		if cause == nil {
			return // 停止请求，状态由 Disconnect 负责
		}

		sess.Close()
		next, ok := c.recoverSession(stop, cause)
		if !ok {
			return
		}
		sess = next
		if !c.beginSession(stop, sess, true) {
			sess.Close()
			return
		}
	}
}

// establish 拨号 + 握手。失败时 socket 已释放。
func (c *Client) establish(stop chan struct{}) (*transport.Session, *BridgeError) {
	sess, err := transport.Open(c.config.transportConfig())
	if err != nil {
		return nil, Classify(err)
	}

	c.transition(stop, StateHandshaking)
	if err := sess.Handshake(); err != nil {
		sess.Close()
		return nil, Classify(err)
	}

	sess.StartReadPump()
	return sess, nil
}

// beginSession 登记新会话并恢复到合适的状态。返回 false 表示该会话协程
// 已被 Disconnect/Connect 换代，不得登记，调用方负责关闭 sess 并退出；
// 否则迟到的恢复会覆盖新协程登记的会话。
func (c *Client) beginSession(stop chan struct{}, sess *transport.Session, resumed bool) bool {
	c.mu.Lock()
	if c.stopChan != stop {
		c.mu.Unlock()
		return false
	}
	id := c.sessionCounter.Add(1)
	c.session = sess
	c.inflight = c.inflight[:0]
	c.lastErr = nil
	c.mu.Unlock()
	c.activeSession.Store(id)

	c.drainCommands()

	c.encoder.ResetSession()
	if !resumed {
		c.scheduler.ResetSession()
	}

	if resumed && c.scheduler.Active() {
		// 恢复推流：对端是新连接，需要重新宣告流开始
		if err := c.sendControl(sess, protocol.OpStartStream, &protocol.StartStream{
			StreamID: fmt.Sprintf("stream_%d", id),
		}); err != nil {
			log.Printf("re-announce stream failed: %v", err)
		}
		c.transition(stop, StateStreaming)
	} else {
		if resumed {
			// 停流途中断线，残留的排队帧随旧会话一起放弃
			c.scheduler.Abandon()
		}
		c.transition(stop, StateListening)
	}

	log.Printf("session %d established with %s (server version %s)",
		id, sess.RemoteAddr(), sess.ServerVersion())
	return true
}

// runLoop 会话主循环。返回 nil 表示收到停止请求，
// 返回错误表示传输失败，交给恢复逻辑。
func (c *Client) runLoop(stop chan struct{}, sess *transport.Session) error {
	heartbeat := time.NewTicker(c.config.HeartbeatInterval)
	defer heartbeat.Stop()

	lastPeerHeartbeat := time.Now()

	for {
		select {
		case <-stop:
			return nil

		case err := <-sess.ReadErrors():
			return err

		case packet := <-sess.Incoming():
			if err := c.handlePacket(packet, &lastPeerHeartbeat); err != nil {
				return err
			}

		case cmd := <-c.commands:
			if err := c.handleCommand(sess, cmd); err != nil {
				return err
			}

		case <-heartbeat.C:
			if err := c.sendControl(sess, protocol.OpHeartbeat, &protocol.Heartbeat{
				TimestampMs: protocol.NowMillis(),
			}); err != nil {
				return err
			}
			if time.Since(lastPeerHeartbeat) > c.config.HeartbeatTimeout {
				return NewError(CodeHeartbeatTimeout,
					fmt.Sprintf("no peer heartbeat for %v", c.config.HeartbeatTimeout))
			}

		case <-c.scheduler.Ready():
			if err := c.flushFrames(sess); err != nil {
				return err
			}
		}
	}
}

// handleCommand 在会话协程上执行控制面入队的命令
func (c *Client) handleCommand(sess *transport.Session, cmd workerCommand) error {
	switch cmd {
	case cmdStartStream:
		return c.sendControl(sess, protocol.OpStartStream, &protocol.StartStream{
			StreamID: fmt.Sprintf("stream_%d", c.activeSession.Load()),
		})
	case cmdStopStream:
		return c.finishStop(sess)
	}
	return nil
}

// finishStop 给已排队的帧一段宽限时间完成发送，之后放弃剩余帧，
// 最后通知对端流结束
func (c *Client) finishStop(sess *transport.Session) error {
	deadline := time.Now().Add(c.config.StopGrace)
	for c.scheduler.QueueLen() > 0 {
		if time.Now().After(deadline) {
			log.Printf("stop stream: queued frames abandoned after %v grace", c.config.StopGrace)
			if !c.scheduler.Active() {
				c.scheduler.Abandon()
			}
			break
		}
		if err := c.flushFrames(sess); err != nil {
			return err
		}
	}
	return c.sendControl(sess, protocol.OpStopStream, &protocol.StopStream{Reason: "user_stop"})
}

// handlePacket 处理服务端下行消息
func (c *Client) handlePacket(packet *protocol.Packet, lastPeerHeartbeat *time.Time) error {
	switch packet.Opcode {
	case protocol.OpHeartbeat:
		*lastPeerHeartbeat = time.Now()
		var hb protocol.Heartbeat
		if err := protocol.DecodeControl(packet.Payload, &hb); err == nil {
			c.targetWidth.Store(int64(hb.TargetWidth))
			c.targetHeight.Store(int64(hb.TargetHeight))
		}

	case protocol.OpAck:
		var ack protocol.Ack
		if err := protocol.DecodeControl(packet.Payload, &ack); err == nil {
			c.ackInflight(ack.Seq)
		}

	case protocol.OpError:
		var msg protocol.ErrorMessage
		if err := protocol.DecodeControl(packet.Payload, &msg); err != nil {
			return NewError(CodeServerError, "undecodable server error")
		}
		return NewError(CodeServerError,
			fmt.Sprintf("Sutu runtime error %s: %s", msg.Code, msg.Message))

	default:
		log.Printf("ignoring unexpected packet %s", protocol.OpcodeToString(packet.Opcode))
	}
	return nil
}

// flushFrames 把队列里的帧全部编码发出，保持捕获序号顺序
func (c *Client) flushFrames(sess *transport.Session) error {
	for {
		frame, ok := c.scheduler.TryNext()
		if !ok {
			return nil
		}

		encoded, err := c.encoder.Encode(frame)
		if err != nil {
			// 编码失败只影响这一帧，不是传输故障
			log.Printf("encode frame %d failed: %v", frame.Seq, err)
			continue
		}
		if c.encoder.FellBack() {
			c.scheduler.NoteFallback()
		}

		c.dumper.DumpFrameBytes(frame.Seq, dump.StagePayload, encoded.Payload, map[string]interface{}{
			"compressed":   encoded.Compressed,
			"rawBytes":     encoded.RawBytes,
			"payloadBytes": encoded.DataBytes,
		})

		seq, wireLen, err := sess.SendPacket(protocol.OpFrame, encoded.Flags(), encoded.Payload)
		if err != nil {
			return err
		}

		c.scheduler.RecordSent(encoded.RawBytes, encoded.DataBytes, wireLen)
		c.registerInflight(frame.Seq)
		c.dumpWireBytes(frame.Seq, seq, encoded)
	}
}

// dumpWireBytes 重建并落盘实际写入 socket 的字节，仅在转储开启时付出代价
func (c *Client) dumpWireBytes(frameSeq, packetSeq uint64, encoded *codec.Encoded) {
	if !c.dumper.Enabled() {
		return
	}
	wire := protocol.EncodePacket(&protocol.Packet{
		Opcode:  protocol.OpFrame,
		Flags:   encoded.Flags(),
		Seq:     packetSeq,
		Payload: encoded.Payload,
	})
	c.dumper.DumpFrameBytes(frameSeq, dump.StageWirePacket, wire, map[string]interface{}{
		"packetSeq":  packetSeq,
		"framedSize": len(wire),
	})
}

// recoverSession 有界重试的自动重连。成功返回新会话；
// 失败（重试耗尽或致命错误）时进入 Error 状态。
func (c *Client) recoverSession(stop chan struct{}, cause error) (*transport.Session, bool) {
	cleanClose := errors.Is(cause, transport.ErrPeerClosed)
	if !cleanClose {
		c.storeError(Classify(cause))
		log.Printf("transport failure, recovering: %v", cause)
	}

	if !c.transition(stop, StateRecovering) {
		return nil, false
	}

	if cleanClose {
		// 对端正常收尾的关闭：立即重连一次，不等退避；
		// 失败再落入常规退避流程
		if s, berr := c.establish(stop); berr == nil {
			c.reconnects.Add(1)
			return s, true
		}
		// establish 途中已切到握手中，退避等待期间要回到重连中
		c.transition(stop, StateRecovering)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.ReconnectInterval
	bo.MaxElapsedTime = 0

	var sess *transport.Session
	attempt := func() error {
		select {
		case <-stop:
			return backoff.Permanent(errStopRequested)
		default:
		}

		s, berr := c.establish(stop)
		if berr != nil {
			c.transition(stop, StateRecovering)
			if berr.Code == CodeVersionMismatch {
				// 版本不匹配重试不会好转
				return backoff.Permanent(berr)
			}
			return berr
		}
		sess = s
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithMaxRetries(bo, uint64(c.config.MaxReconnectTries)))
	if err != nil {
		if errors.Is(err, errStopRequested) {
			return nil, false
		}
		c.fail(stop, Classify(err))
		return nil, false
	}

	c.reconnects.Add(1)
	return sess, true
}

// sendControl 序列化并发送控制消息
func (c *Client) sendControl(sess *transport.Session, opcode uint16, message interface{}) error {
	payload, err := protocol.EncodeControl(message)
	if err != nil {
		return err
	}
	_, _, err = sess.SendPacket(opcode, 0, payload)
	return err
}

// ---- 状态与在途帧管理 ----

func (c *Client) currentSession() *transport.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// enqueueCommand 非阻塞入队；队列满说明会话协程早已失联，丢弃即可
func (c *Client) enqueueCommand(cmd workerCommand) {
	select {
	case c.commands <- cmd:
	default:
		log.Printf("command queue full, dropping command %d", cmd)
	}
}

// drainCommands 丢弃上一个会话遗留的命令
func (c *Client) drainCommands() {
	for {
		select {
		case <-c.commands:
		default:
			return
		}
	}
}

// setState 无条件切换状态并分发事件，重复状态合并
func (c *Client) setState(newState State) {
	oldState := State(c.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}

	c.mu.RLock()
	handler := c.onState
	c.mu.RUnlock()
	if handler != nil {
		handler(oldState, newState)
	}
}

// transition 仅在会话协程仍是当前协程时切换状态，
// 避免 Disconnect 之后的迟到迁移覆盖 Disabled
func (c *Client) transition(stop chan struct{}, newState State) bool {
	c.mu.RLock()
	active := c.stopChan == stop
	c.mu.RUnlock()
	if !active {
		return false
	}
	c.setState(newState)
	return true
}

// transitionLive 控制面方法使用：会话存活时切换状态
func (c *Client) transitionLive(newState State) {
	c.mu.RLock()
	alive := c.stopChan != nil
	c.mu.RUnlock()
	if alive {
		c.setState(newState)
	}
}

func (c *Client) storeError(berr *BridgeError) {
	c.mu.Lock()
	c.lastErr = berr
	c.mu.Unlock()
}

// fail 进入 Error 终态，保留原因供 UI 查询
func (c *Client) fail(stop chan struct{}, berr *BridgeError) {
	select {
	case <-stop:
		return // 停止期间的失败不上报
	default:
	}

	c.storeError(berr)
	c.scheduler.Abandon()
	log.Printf("session failed: %v", berr)
	c.transition(stop, StateError)
}

// deactivate 会话协程退出时清理登记。只有仍是当前协程时才清理，
// 换代后的迟到退出不得动新协程登记的会话
func (c *Client) deactivate(stop chan struct{}) {
	c.mu.Lock()
	var sess *transport.Session
	if c.stopChan == stop {
		c.stopChan = nil
		sess = c.session
		c.session = nil
	}
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

func (c *Client) registerInflight(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inflight) >= c.config.MaxInflightFrames {
		dropped := c.inflight[0]
		copy(c.inflight, c.inflight[1:])
		c.inflight = c.inflight[:len(c.inflight)-1]
		log.Printf("drop stale inflight frame %d", dropped)
	}
	c.inflight = append(c.inflight, seq)
}

func (c *Client) ackInflight(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, pending := range c.inflight {
		if pending == seq {
			c.inflight = append(c.inflight[:i], c.inflight[i+1:]...)
			return
		}
	}
}

// Reconnects 成功重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

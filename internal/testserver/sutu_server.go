// Package testserver 提供模拟的 Sutu 消费端：原生 TCP + 长度前缀分帧，
// 行为可配置（接受/拒绝握手、版本、心跳、确认），用于集成测试与本地联调。
package testserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"SutuBridge/internal/protocol"
)

// ServerConfig 模拟服务器配置
type ServerConfig struct {
	Addr string

	AcceptHandshake bool          // 是否接受握手
	ServerVersion   string        // 握手应答携带的版本
	RejectReason    string        // 拒绝握手时的原因
	HandshakeDelay  time.Duration // 推迟握手应答，制造恢复窗口

	EnableHeartbeat   bool          // 是否主动发送心跳
	HeartbeatInterval time.Duration // 心跳间隔
	TargetWidth       int           // 心跳携带的目标宽度提示
	TargetHeight      int           // 心跳携带的目标高度提示

	SendAcks       bool // 收到帧后是否回确认
	MaxConnections int
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		AcceptHandshake:   true,
		ServerVersion:     protocol.ProtocolVersion,
		EnableHeartbeat:   true,
		HeartbeatInterval: 500 * time.Millisecond,
		SendAcks:          true,
		MaxConnections:    16,
	}
}

// ReceivedFrame 服务器收到的一帧
type ReceivedFrame struct {
	PacketSeq  uint64
	Compressed bool
	WireBytes  int
	Envelope   *protocol.FrameEnvelope
	ReceivedAt time.Time
}

// Connection 表示一个桥接连接
type Connection struct {
	ID   string
	Conn net.Conn

	writeMu   sync.Mutex
	stopChan  chan struct{}
	closeOnce sync.Once

	handshaken atomic.Bool
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Server 模拟的Sutu消费端服务器
type Server struct {
	config   *ServerConfig
	listener net.Listener

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	stopCh chan struct{}

	// 收到的数据
	framesMu     sync.Mutex
	frames       []ReceivedFrame
	streamActive atomic.Bool
	lastStreamID atomic.Value // string

	handshakeDelay atomic.Int64

	// 统计信息
	totalConnections atomic.Uint64
	totalPackets     atomic.Uint64
	startTime        time.Time

	isRunning atomic.Bool
}

// New 创建模拟服务器
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig("127.0.0.1:0")
	}
	s := &Server{
		config:    config,
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}
	s.handshakeDelay.Store(int64(config.HandshakeDelay))
	return s
}

// SetHandshakeDelay 运行期调整握手应答延迟，对之后收到的 hello 生效
func (s *Server) SetHandshakeDelay(d time.Duration) {
	s.handshakeDelay.Store(int64(d))
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return err
	}
	s.listener = ln

	log.Printf("Starting mock Sutu server on %s", ln.Addr())

	s.connWg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr 实际监听地址，Addr 配置为 :0 时由系统分配端口
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Port 实际监听端口
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down mock Sutu server...")
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceDisconnectAll 强制断开所有连接，模拟 Sutu 崩溃/退出
func (s *Server) ForceDisconnectAll() {
	log.Printf("Force disconnecting all connections")
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Force disconnect")
		return true
	})
}

func (s *Server) acceptLoop() {
	defer s.connWg.Done()

	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Printf("Accept failed: %v", err)
				return
			}
		}

		if s.connCount.Load() >= int32(s.config.MaxConnections) {
			netConn.Close()
			continue
		}

		connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
		conn := &Connection{
			ID:       connID,
			Conn:     netConn,
			stopChan: make(chan struct{}),
		}
		s.connections.Store(connID, conn)
		s.connCount.Add(1)

		log.Printf("New connection: %s from %s", connID, netConn.RemoteAddr())

		s.connWg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection 处理单个连接的生命周期
func (s *Server) handleConnection(conn *Connection) {
	defer func() {
		s.closeConnection(conn, "Connection ended")
		s.connWg.Done()
	}()

	s.connWg.Add(1)
	go s.heartbeatLoop(conn)

	decoder := protocol.NewPacketDecoder(protocol.MaxFrameBytes)
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-conn.stopChan:
			return
		default:
		}

		packet, err := decoder.Next()
		if err != nil {
			log.Printf("Decode error from %s: %v", conn.ID, err)
			return
		}
		if packet != nil {
			s.totalPackets.Add(1)
			if !s.handlePacket(conn, packet) {
				return
			}
			continue
		}

		conn.Conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := conn.Conn.Read(buf)
		if err != nil {
			return
		}
		decoder.Feed(buf[:n])
	}
}

// handlePacket 处理一个上行包，返回 false 表示应断开连接
func (s *Server) handlePacket(conn *Connection, packet *protocol.Packet) bool {
	switch packet.Opcode {
	case protocol.OpHello:
		return s.handleHello(conn, packet)

	case protocol.OpHeartbeat:
		// 桥接端的心跳只确认活性，不需要应答

	case protocol.OpStartStream:
		var start protocol.StartStream
		if err := protocol.DecodeControl(packet.Payload, &start); err == nil {
			s.lastStreamID.Store(start.StreamID)
		}
		s.streamActive.Store(true)
		log.Printf("Stream started on %s", conn.ID)

	case protocol.OpStopStream:
		s.streamActive.Store(false)
		log.Printf("Stream stopped on %s", conn.ID)

	case protocol.OpFrame:
		s.handleFrame(conn, packet)

	default:
		log.Printf("Unexpected opcode %s from %s",
			protocol.OpcodeToString(packet.Opcode), conn.ID)
	}
	return true
}

func (s *Server) handleHello(conn *Connection, packet *protocol.Packet) bool {
	var hello protocol.Hello
	if err := protocol.DecodeControl(packet.Payload, &hello); err != nil {
		log.Printf("Bad hello from %s: %v", conn.ID, err)
		return false
	}
	if hello.Magic != protocol.ProtocolMagic {
		log.Printf("Wrong magic from %s: %q", conn.ID, hello.Magic)
		return false
	}

	if d := time.Duration(s.handshakeDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-conn.stopChan:
			return false
		case <-s.stopCh:
			return false
		}
	}

	ack := &protocol.HelloAck{
		Accepted:      s.config.AcceptHandshake,
		ServerVersion: s.config.ServerVersion,
		Reason:        s.config.RejectReason,
	}
	if err := s.sendMessage(conn, protocol.OpHelloAck, ack); err != nil {
		return false
	}
	if !s.config.AcceptHandshake {
		return false // 拒绝后关闭连接
	}

	conn.handshaken.Store(true)
	log.Printf("Handshake accepted: %s (client %s/%s)", conn.ID, hello.ClientName, hello.ClientVersion)
	return true
}

func (s *Server) handleFrame(conn *Connection, packet *protocol.Packet) {
	compressed := packet.Flags&protocol.FlagCompressed != 0

	frame := ReceivedFrame{
		PacketSeq:  packet.Seq,
		Compressed: compressed,
		WireBytes:  protocol.PacketHeaderSize + len(packet.Payload),
		ReceivedAt: time.Now(),
	}
	// 信封本身始终是 msgpack，压缩只作用于其中的像素数据
	if envelope, err := protocol.DecodeFramePayload(packet.Payload); err == nil {
		frame.Envelope = envelope
	}

	s.framesMu.Lock()
	s.frames = append(s.frames, frame)
	s.framesMu.Unlock()

	if s.config.SendAcks {
		s.sendMessage(conn, protocol.OpAck, &protocol.Ack{Seq: packet.Seq})
	}
}

// heartbeatLoop 周期性向桥接端发送心跳，携带目标分辨率提示
func (s *Server) heartbeatLoop(conn *Connection) {
	defer s.connWg.Done()

	if !s.config.EnableHeartbeat {
		return
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stopChan:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !conn.handshaken.Load() {
				continue
			}
			hb := &protocol.Heartbeat{
				TimestampMs:  protocol.NowMillis(),
				TargetWidth:  s.config.TargetWidth,
				TargetHeight: s.config.TargetHeight,
			}
			if err := s.sendMessage(conn, protocol.OpHeartbeat, hb); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendMessage(conn *Connection, opcode uint16, message interface{}) error {
	payload, err := protocol.EncodeControl(message)
	if err != nil {
		return err
	}
	wire := protocol.EncodePacket(&protocol.Packet{
		Opcode:  opcode,
		Payload: payload,
	})

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Conn.Write(wire)
	return err
}

func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); !loaded {
		return
	}

	conn.safeClose()
	conn.Conn.Close()
	s.connCount.Add(-1)
	log.Printf("Connection closed: %s (%s)", conn.ID, reason)
}

// ---- 测试辅助 ----

// ReceivedFrames 收到的帧快照
func (s *Server) ReceivedFrames() []ReceivedFrame {
	s.framesMu.Lock()
	defer s.framesMu.Unlock()
	out := make([]ReceivedFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// FrameCount 收到的帧数
func (s *Server) FrameCount() int {
	s.framesMu.Lock()
	defer s.framesMu.Unlock()
	return len(s.frames)
}

// WaitForFrames 阻塞等待至少收到 n 帧
func (s *Server) WaitForFrames(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.FrameCount() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.FrameCount() >= n
}

// StreamActive 对端宣告的流是否处于开启状态
func (s *Server) StreamActive() bool {
	return s.streamActive.Load()
}

// LastStreamID 最近一次 start_stream 宣告的流标识
func (s *Server) LastStreamID() string {
	if v := s.lastStreamID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// ConnectionCount 当前连接数
func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

// GetStats 服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_connections": s.totalConnections.Load(),
		"total_packets":     s.totalPackets.Load(),
		"active_conns":      s.connCount.Load(),
		"frames_received":   s.FrameCount(),
		"stream_active":     s.streamActive.Load(),
		"uptime_sec":        int(time.Since(s.startTime).Seconds()),
	}
}

// Package transport 持有 TCP socket，实现握手子协议与底层收发分帧。
// 一个 Session 对应一次成功或失败的连接尝试，不可复用。
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"SutuBridge/internal/protocol"
)

var (
	ErrConnectTimeout   = errors.New("connect timed out")
	ErrConnectRefused   = errors.New("connect refused")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrProtocol         = errors.New("protocol violation")
	ErrWrite            = errors.New("transport write failed")
	ErrRead             = errors.New("transport read failed")
	ErrPeerClosed       = errors.New("peer closed connection")
	ErrClosed           = errors.New("session closed")
)

// Config 传输会话配置
type Config struct {
	Host             string
	Port             int
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ClientName       string
	ClientVersion    string
}

// DefaultConfig 返回默认配置（本机 Sutu）
func DefaultConfig() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             protocol.DefaultPort,
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ClientName:       "sutu-bridge",
		ClientVersion:    "0.2.0",
	}
}

// Session TCP 传输会话。读取由唯一的泵协程驱动；
// 写入通过 writeMu 串行化，整包原子写出。
type Session struct {
	cfg  *Config
	conn net.Conn

	writeMu sync.Mutex
	seq     atomic.Uint64

	decoder  *protocol.PacketDecoder
	incoming chan *protocol.Packet
	readErrs chan error
	pumpOnce sync.Once

	closed    atomic.Bool
	closeOnce sync.Once

	serverVersion string
}

// Open 建立 TCP 连接，失败按连接超时/拒绝分类
func Open(cfg *Config) (*Session, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, addr)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectRefused, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	return &Session{
		cfg:      cfg,
		conn:     conn,
		decoder:  protocol.NewPacketDecoder(protocol.MaxFrameBytes),
		incoming: make(chan *protocol.Packet, 32),
		readErrs: make(chan error, 1),
	}, nil
}

// Handshake 发送版本/身份消息并在限时内等待应答。
// 版本兼容规则：主版本号必须完全一致。
func (s *Session) Handshake() error {
	hello := protocol.NewHello(s.cfg.ClientName, s.cfg.ClientVersion)
	payload, err := protocol.EncodeControl(hello)
	if err != nil {
		return err
	}
	if _, _, err := s.SendPacket(protocol.OpHello, 0, payload); err != nil {
		return err
	}

	packet, err := s.readPacketDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w after %v", ErrHandshakeTimeout, s.cfg.HandshakeTimeout)
		}
		return err
	}
	if packet.Opcode != protocol.OpHelloAck {
		return fmt.Errorf("%w: expected HELLO_ACK, got %s",
			ErrProtocol, protocol.OpcodeToString(packet.Opcode))
	}

	var ack protocol.HelloAck
	if err := protocol.DecodeControl(packet.Payload, &ack); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !ack.Accepted {
		reason := ack.Reason
		if reason == "" {
			reason = "server rejected handshake"
		}
		return fmt.Errorf("%w: %s (server version %q)", ErrVersionMismatch, reason, ack.ServerVersion)
	}
	if !protocol.VersionCompatible(protocol.ProtocolVersion, ack.ServerVersion) {
		return fmt.Errorf("%w: client %s, server %s",
			ErrVersionMismatch, protocol.ProtocolVersion, ack.ServerVersion)
	}

	s.serverVersion = ack.ServerVersion
	return nil
}

// readPacketDeadline 握手阶段的同步读，泵未启动时使用
func (s *Session) readPacketDeadline(deadline time.Time) (*protocol.Packet, error) {
	buf := make([]byte, 4096)
	for {
		if packet, err := s.decoder.Next(); err != nil {
			return nil, err
		} else if packet != nil {
			return packet, nil
		}

		s.conn.SetReadDeadline(deadline)
		n, err := s.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		s.decoder.Feed(buf[:n])
	}
}

// StartReadPump 启动读取泵。握手成功后调用一次；
// 泵退出前会向 ReadErrors 投递失败原因。
func (s *Session) StartReadPump() {
	s.pumpOnce.Do(func() {
		go s.readPump()
	})
}

func (s *Session) readPump() {
	buf := make([]byte, 64*1024)
	s.conn.SetReadDeadline(time.Time{})

	for {
		packet, err := s.decoder.Next()
		if err != nil {
			s.reportReadError(fmt.Errorf("%w: %v", ErrRead, err))
			return
		}
		if packet != nil {
			select {
			case s.incoming <- packet:
			default:
				// 控制消息消费过慢时丢弃最旧的，读取泵不能被阻塞
				select {
				case <-s.incoming:
				default:
				}
				s.incoming <- packet
			}
			continue
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.reportReadError(ErrPeerClosed)
			} else {
				s.reportReadError(fmt.Errorf("%w: %v", ErrRead, err))
			}
			return
		}
		s.decoder.Feed(buf[:n])
	}
}

func (s *Session) reportReadError(err error) {
	select {
	case s.readErrs <- err:
	default:
	}
}

// Incoming 接收到的包
func (s *Session) Incoming() <-chan *protocol.Packet {
	return s.incoming
}

// ReadErrors 读取泵的失败原因，最多一条
func (s *Session) ReadErrors() <-chan error {
	return s.readErrs
}

// SendPacket 分配序列号并整包写出，使用默认写超时
func (s *Session) SendPacket(opcode uint16, flags byte, payload []byte) (uint64, int, error) {
	return s.SendPacketTimeout(opcode, flags, payload, s.cfg.WriteTimeout)
}

// SendPacketTimeout 同 SendPacket，但使用指定的发送看门狗超时。
// 写出被 writeMu 串行化；底层短写会在超时窗口内持续重试直到写完或出错。
func (s *Session) SendPacketTimeout(opcode uint16, flags byte, payload []byte, timeout time.Duration) (uint64, int, error) {
	if s.closed.Load() {
		return 0, 0, ErrClosed
	}

	seq := s.seq.Add(1)
	wire := protocol.EncodePacket(&protocol.Packet{
		Opcode:  opcode,
		Flags:   flags,
		Seq:     seq,
		Payload: payload,
	})

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	remaining := wire
	for len(remaining) > 0 {
		n, err := s.conn.Write(remaining)
		if err != nil {
			return seq, 0, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		remaining = remaining[n:]
	}
	return seq, len(wire), nil
}

// LastSeq 本会话已分配的最大序列号
func (s *Session) LastSeq() uint64 {
	return s.seq.Load()
}

// ServerVersion 握手成功后服务端上报的版本
func (s *Session) ServerVersion() string {
	return s.serverVersion
}

// RemoteAddr 对端地址
func (s *Session) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Close 释放 socket，多次调用安全
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

package bridge

import (
	"fmt"
	"time"

	"SutuBridge/internal/dump"
	"SutuBridge/internal/protocol"
	"SutuBridge/internal/stream"
	"SutuBridge/internal/transport"
)

// Config 桥接客户端配置
type Config struct {
	Host          string
	Port          int
	ClientName    string
	ClientVersion string

	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration // 单包发送看门狗
	SingleFrameTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ReconnectInterval time.Duration // 重连退避的初始间隔
	MaxReconnectTries int

	QueueDepth        int
	StopGrace         time.Duration
	MaxInflightFrames int

	EnableCompression bool
	Dump              dump.Config
}

// DefaultConfig 返回默认配置（连接本机 Sutu）
func DefaultConfig() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               protocol.DefaultPort,
		ClientName:         "sutu-bridge",
		ClientVersion:      "0.2.0",
		ConnectTimeout:     2 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		SingleFrameTimeout: 10 * time.Second,
		HeartbeatInterval:  time.Second,
		HeartbeatTimeout:   5 * time.Second,
		ReconnectInterval:  500 * time.Millisecond,
		MaxReconnectTries:  5,
		QueueDepth:         stream.DefaultQueueDepth,
		StopGrace:          500 * time.Millisecond,
		MaxInflightFrames:  3,
		EnableCompression:  true,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return NewError(CodePortInvalid,
			fmt.Sprintf("port must be within 1024-65535, got %d", c.Port))
	}
	if c.Host == "" {
		return NewError(CodePortInvalid, "host must not be empty")
	}
	return nil
}

func (c *Config) transportConfig() *transport.Config {
	return &transport.Config{
		Host:             c.Host,
		Port:             c.Port,
		ConnectTimeout:   c.ConnectTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		ClientName:       c.ClientName,
		ClientVersion:    c.ClientVersion,
	}
}

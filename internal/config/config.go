// Package config 基于 Viper 的统一配置：文件 + 环境变量 + 默认值三层合并，
// 产出桥接客户端、调试转储与仪表盘的运行配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"SutuBridge/internal/bridge"
	"SutuBridge/internal/dump"
)

// FileConfig 配置文件的完整结构（configs/bridge.yaml）
type FileConfig struct {
	Meta      MetaConfig      `mapstructure:"meta"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Dump      DumpConfig      `mapstructure:"dump"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type MetaConfig struct {
	Project       string `mapstructure:"project"`
	ConfigVersion string `mapstructure:"config_version"`
}

// BridgeConfig 连接相关配置
type BridgeConfig struct {
	Enable        bool   `mapstructure:"enable"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ClientName    string `mapstructure:"client_name"`
	ClientVersion string `mapstructure:"client_version"`

	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	SingleFrameTimeout time.Duration `mapstructure:"single_frame_timeout"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectTries int           `mapstructure:"max_reconnect_tries"`
}

// StreamConfig 推流调度配置
type StreamConfig struct {
	QueueDepth        int           `mapstructure:"queue_depth"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	MaxInflightFrames int           `mapstructure:"max_inflight_frames"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	// AutoInstallLZ4 宿主插件侧的依赖自装开关；二进制已内置编解码器，
	// 此处只接受并透传配置位
	AutoInstallLZ4 bool `mapstructure:"auto_install_lz4"`
}

// DumpConfig 调试转储配置
type DumpConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	MaxFrames int    `mapstructure:"max_frames"`
	Dir       string `mapstructure:"dir"`
}

// DashboardConfig 本地调试仪表盘配置
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 加载配置：configs/bridge.yaml（可缺省）+ SUTU_BRIDGE_* 环境变量 + 默认值
func Load() (*FileConfig, *viper.Viper, error) {
	v := viper.New()

	v.SetConfigName("bridge")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// 环境变量覆盖，沿用宿主插件约定的变量名
	v.SetEnvPrefix("SUTU_BRIDGE")
	v.AutomaticEnv()
	v.BindEnv("bridge.enable", "SUTU_BRIDGE_ENABLE")
	v.BindEnv("bridge.host", "SUTU_BRIDGE_HOST")
	v.BindEnv("bridge.port", "SUTU_BRIDGE_PORT")
	v.BindEnv("dump.enabled", "SUTU_BRIDGE_DUMP")
	v.BindEnv("dump.max_frames", "SUTU_BRIDGE_DUMP_MAX_FRAMES")
	v.BindEnv("dump.dir", "SUTU_BRIDGE_DUMP_DIR")

	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺省是正常情况，走默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config file: %v", err)
		}
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("meta.project", "SutuBridge")
	v.SetDefault("meta.config_version", "1.0.0")

	v.SetDefault("bridge.enable", true)
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 30121)
	v.SetDefault("bridge.client_name", "sutu-bridge")
	v.SetDefault("bridge.client_version", "0.2.0")
	v.SetDefault("bridge.connect_timeout", "2s")
	v.SetDefault("bridge.handshake_timeout", "5s")
	v.SetDefault("bridge.write_timeout", "5s")
	v.SetDefault("bridge.single_frame_timeout", "10s")
	v.SetDefault("bridge.heartbeat_interval", "1s")
	v.SetDefault("bridge.heartbeat_timeout", "5s")
	v.SetDefault("bridge.reconnect_interval", "500ms")
	v.SetDefault("bridge.max_reconnect_tries", 5)

	v.SetDefault("stream.queue_depth", 2)
	v.SetDefault("stream.stop_grace", "500ms")
	v.SetDefault("stream.max_inflight_frames", 3)
	v.SetDefault("stream.enable_compression", true)
	v.SetDefault("stream.auto_install_lz4", false)

	v.SetDefault("dump.enabled", false)
	v.SetDefault("dump.max_frames", 3)
	v.SetDefault("dump.dir", "")

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", ":18090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate 校验配置
func (c *FileConfig) Validate() error {
	if c.Bridge.Port < 1024 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be within 1024-65535, got %d", c.Bridge.Port)
	}
	if c.Bridge.Host == "" {
		return fmt.Errorf("bridge.host must not be empty")
	}
	if c.Stream.QueueDepth < 1 {
		return fmt.Errorf("stream.queue_depth must be >= 1, got %d", c.Stream.QueueDepth)
	}
	if c.Bridge.HeartbeatInterval <= 0 || c.Bridge.HeartbeatTimeout <= c.Bridge.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%v) must exceed interval (%v)",
			c.Bridge.HeartbeatTimeout, c.Bridge.HeartbeatInterval)
	}
	return nil
}

// ClientConfig 转换为桥接客户端配置
func (c *FileConfig) ClientConfig() *bridge.Config {
	return &bridge.Config{
		Host:               c.Bridge.Host,
		Port:               c.Bridge.Port,
		ClientName:         c.Bridge.ClientName,
		ClientVersion:      c.Bridge.ClientVersion,
		ConnectTimeout:     c.Bridge.ConnectTimeout,
		HandshakeTimeout:   c.Bridge.HandshakeTimeout,
		WriteTimeout:       c.Bridge.WriteTimeout,
		SingleFrameTimeout: c.Bridge.SingleFrameTimeout,
		HeartbeatInterval:  c.Bridge.HeartbeatInterval,
		HeartbeatTimeout:   c.Bridge.HeartbeatTimeout,
		ReconnectInterval:  c.Bridge.ReconnectInterval,
		MaxReconnectTries:  c.Bridge.MaxReconnectTries,
		QueueDepth:         c.Stream.QueueDepth,
		StopGrace:          c.Stream.StopGrace,
		MaxInflightFrames:  c.Stream.MaxInflightFrames,
		EnableCompression:  c.Stream.EnableCompression,
		Dump: dump.Config{
			Enabled:   c.Dump.Enabled,
			MaxFrames: c.Dump.MaxFrames,
			Dir:       c.Dump.Dir,
		},
	}
}

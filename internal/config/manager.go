package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 配置管理器：缓存已加载的配置，支持文件变化热重载
type Manager struct {
	mu           sync.RWMutex
	current      *FileConfig
	viper        *viper.Viper
	watchEnabled bool
	onReload     []func(*FileConfig)
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置并按需启动文件监控
func (m *Manager) Load() (*FileConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	cfg, v, err := Load()
	if err != nil {
		return nil, fmt.Errorf("加载桥接配置失败: %w", err)
	}
	m.current = cfg
	m.viper = v

	if m.watchEnabled {
		m.watchLocked()
	}
	return cfg, nil
}

// Get 获取配置（如果未加载则自动加载）
func (m *Manager) Get() (*FileConfig, error) {
	m.mu.RLock()
	if m.current != nil {
		defer m.mu.RUnlock()
		return m.current, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// OnReload 注册热重载回调，配置文件变化且重新解析成功后触发
func (m *Manager) OnReload(fn func(*FileConfig)) {
	m.mu.Lock()
	m.onReload = append(m.onReload, fn)
	m.mu.Unlock()
}

// Reload 强制重新加载配置
func (m *Manager) Reload() error {
	cfg, v, err := Load()
	if err != nil {
		return fmt.Errorf("重新加载桥接配置失败: %w", err)
	}

	m.mu.Lock()
	m.current = cfg
	m.viper = v
	handlers := append([]func(*FileConfig){}, m.onReload...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(cfg)
	}
	return nil
}

// watchLocked 监控配置文件变化
func (m *Manager) watchLocked() {
	if m.viper == nil {
		return
	}

	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("config file changed: %s", e.Name)
		if err := m.Reload(); err != nil {
			// 热重载失败保留旧配置
			log.Printf("config reload failed, keeping previous: %v", err)
		}
	})
}

// 全局配置管理器实例
var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetGlobalManager 获取全局配置管理器
func GetGlobalManager() *Manager {
	managerOnce.Do(func() {
		globalManager = NewManager(WithWatchEnabled(true))
	})
	return globalManager
}

// GetGlobalConfig 获取全局配置
func GetGlobalConfig() (*FileConfig, error) {
	return GetGlobalManager().Get()
}

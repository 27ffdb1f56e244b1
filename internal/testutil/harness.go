// Package testutil 为集成测试提供桥接测试夹具：模拟服务器 + 客户端 +
// 状态事件记录，封装等待与断言的样板代码。
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"SutuBridge/internal/bridge"
	"SutuBridge/internal/source"
	"SutuBridge/internal/testserver"
)

// StateChange 一次状态迁移记录
type StateChange struct {
	From bridge.State
	To   bridge.State
	At   time.Time
}

// Harness 集成测试夹具
type Harness struct {
	t      *testing.T
	Server *testserver.Server
	Client *bridge.Client
	Config *bridge.Config

	mu      sync.Mutex
	changes []StateChange
}

// NewHarness 启动模拟服务器并创建指向它的客户端（不自动连接）。
// 服务器端口由系统分配，互不冲突，可并行跑多个夹具。
func NewHarness(t *testing.T, serverCfg *testserver.ServerConfig, clientCfg *bridge.Config, opts ...bridge.Option) *Harness {
	t.Helper()

	if serverCfg == nil {
		serverCfg = testserver.DefaultServerConfig("127.0.0.1:0")
	}
	server := testserver.New(serverCfg)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	if clientCfg == nil {
		clientCfg = bridge.DefaultConfig()
		clientCfg.ConnectTimeout = 2 * time.Second
		clientCfg.ReconnectInterval = 100 * time.Millisecond
	}
	clientCfg.Port = server.Port()

	h := &Harness{
		t:      t,
		Server: server,
		Config: clientCfg,
	}

	h.Client = bridge.New(clientCfg, opts...)
	h.Client.SetSource(source.NewSynthetic(32, 32))
	h.Client.SetStateChangeHandler(func(oldState, newState bridge.State) {
		h.mu.Lock()
		h.changes = append(h.changes, StateChange{From: oldState, To: newState, At: time.Now()})
		h.mu.Unlock()
	})
	t.Cleanup(func() { h.Client.Disconnect() })

	return h
}

// ConnectAndWait 连接并等待会话建立
func (h *Harness) ConnectAndWait() {
	h.t.Helper()
	require.NoError(h.t, h.Client.Connect())
	h.WaitForState(bridge.StateListening, 5*time.Second)
}

// WaitForState 等待客户端进入目标状态
func (h *Harness) WaitForState(want bridge.State, timeout time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.Client.CurrentState() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for state %s, current: %s", want, h.Client.CurrentState())
}

// WaitForStateVisited 等待状态事件序列中出现过目标状态（可能是瞬态）
func (h *Harness) WaitForStateVisited(want bridge.State, timeout time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, c := range h.StateChanges() {
			if c.To == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("state %s never visited, current: %s", want, h.Client.CurrentState())
}

// StateChanges 状态迁移记录快照
func (h *Harness) StateChanges() []StateChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StateChange, len(h.changes))
	copy(out, h.changes)
	return out
}

// VisitedStates 按发生顺序去重的状态轨迹
func (h *Harness) VisitedStates() []bridge.State {
	var states []bridge.State
	for _, c := range h.StateChanges() {
		states = append(states, c.To)
	}
	return states
}

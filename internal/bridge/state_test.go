package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestStateString 状态名与标签
func TestStateString(t *testing.T) {
	assert.Equal(t, "DISABLED", StateDisabled.String())
	assert.Equal(t, "LISTENING", StateListening.String())
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "RECOVERING", StateRecovering.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "UNKNOWN", State(99).String())

	assert.Equal(t, "推流中", StateStreaming.Label())
	assert.Equal(t, "未启用", StateDisabled.Label())
}

// TestStateConnected 只有空闲与推流算已连接
func TestStateConnected(t *testing.T) {
	assert.True(t, StateListening.Connected())
	assert.True(t, StateStreaming.Connected())
	assert.False(t, StateDisabled.Connected())
	assert.False(t, StateConnecting.Connected())
	assert.False(t, StateHandshaking.Connected())
	assert.False(t, StateRecovering.Connected())
	assert.False(t, StateError.Connected())
}

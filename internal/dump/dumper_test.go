package dump

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDumpDisabledWritesNothing 未开启时不产生任何文件
func TestDumpDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	d := New(Config{Enabled: false, Dir: dir})
	d.StartSession()

	d.DumpFrameBytes(1, StageRawPixels, []byte("data"), nil)

	assert.Empty(t, d.SessionDir())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestDumpWritesBinAndSidecar 落盘字节文件与 JSON 元信息
func TestDumpWritesBinAndSidecar(t *testing.T) {
	dir := t.TempDir()
	d := New(Config{Enabled: true, MaxFrames: 3, Dir: dir})
	d.StartSession()

	payload := []byte("raw pixel bytes")
	d.DumpFrameBytes(7, StagePayload, payload, map[string]interface{}{
		"compressed": true,
	})

	sessionDir := d.SessionDir()
	require.NotEmpty(t, sessionDir)

	binData, err := os.ReadFile(filepath.Join(sessionDir, "frame_000007_payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, binData)

	metaData, err := os.ReadFile(filepath.Join(sessionDir, "frame_000007_payload.json"))
	require.NoError(t, err)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(metaData, &meta))

	digest := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(digest[:]), meta["sha256"])
	assert.Equal(t, float64(len(payload)), meta["byteLength"])
	assert.Equal(t, "payload", meta["stage"])
	assert.Equal(t, true, meta["compressed"])
}

// TestDumpBoundedPerSession 超过帧数上限的新帧被忽略，同一帧的多阶段共享名额
func TestDumpBoundedPerSession(t *testing.T) {
	dir := t.TempDir()
	d := New(Config{Enabled: true, MaxFrames: 2, Dir: dir})
	d.StartSession()

	d.DumpFrameBytes(1, StageRawPixels, []byte("a"), nil)
	d.DumpFrameBytes(1, StagePayload, []byte("b"), nil) // 同帧不同阶段，不占新名额
	d.DumpFrameBytes(2, StageRawPixels, []byte("c"), nil)
	d.DumpFrameBytes(3, StageRawPixels, []byte("d"), nil) // 超限，忽略

	entries, err := os.ReadDir(d.SessionDir())
	require.NoError(t, err)

	var bins []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bin" {
			bins = append(bins, e.Name())
		}
	}
	assert.Len(t, bins, 3)
	assert.NotContains(t, bins, "frame_000003_rgba_raw.bin")
}

// TestDumpNewSessionResetsQuota 新会话重置帧计数并使用新目录
func TestDumpNewSessionResetsQuota(t *testing.T) {
	dir := t.TempDir()
	d := New(Config{Enabled: true, MaxFrames: 1, Dir: dir})

	d.StartSession()
	d.DumpFrameBytes(1, StageRawPixels, []byte("a"), nil)
	firstDir := d.SessionDir()
	require.NotEmpty(t, firstDir)

	d.StartSession()
	assert.Empty(t, d.SessionDir()) // 目录延迟创建
	d.DumpFrameBytes(9, StageRawPixels, []byte("b"), nil)
	require.NotEmpty(t, d.SessionDir())
	// 同一进程内紧接着创建的会话目录可能同名，至少要重新可写
	_, err := os.Stat(filepath.Join(d.SessionDir(), "frame_000009_rgba_raw.bin"))
	assert.NoError(t, err)
}

// TestConfigureToggle 运行期更新配置
func TestConfigureToggle(t *testing.T) {
	d := New(Config{Enabled: false})
	assert.False(t, d.Enabled())

	d.Configure(Config{Enabled: true, MaxFrames: 5, Dir: t.TempDir()})
	assert.True(t, d.Enabled())
}

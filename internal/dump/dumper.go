// Package dump 将捕获的帧与实际发出的字节落盘，用于诊断捕获/传输不一致问题。
// 纯旁观者：写入尽力而为，失败只记日志，永远不影响流式路径。
package dump

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// 帧处理阶段标识，作为落盘文件名的一部分
const (
	StageRawPixels  = "rgba_raw"   // 捕获到的原始像素
	StagePayload    = "payload"    // 编码（可能压缩）后的帧载荷
	StageWirePacket = "wire_bytes" // 实际写入 socket 的完整包
)

// Config 转储配置
type Config struct {
	Enabled   bool
	MaxFrames int    // 每个会话最多转储的帧数
	Dir       string // 输出根目录，空则使用系统临时目录
}

// Dumper 调试转储器
type Dumper struct {
	mu         sync.Mutex
	enabled    bool
	maxFrames  int
	root       string
	sessionDir string
	dumped     map[uint64]struct{}
	announced  bool
}

// New 创建转储器
func New(cfg Config) *Dumper {
	d := &Dumper{dumped: make(map[uint64]struct{})}
	d.Configure(cfg)
	return d
}

// Configure 更新转储配置，可在运行期调用
func (d *Dumper) Configure(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.enabled = cfg.Enabled
	d.maxFrames = cfg.MaxFrames
	if d.maxFrames < 1 {
		d.maxFrames = 3
	}
	d.root = cfg.Dir
}

// StartSession 开启新的转储会话，重置帧计数并延迟创建会话目录
func (d *Dumper) StartSession() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dumped = make(map[uint64]struct{})
	d.sessionDir = ""
	d.announced = false
}

// Enabled 转储是否开启
func (d *Dumper) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SessionDir 返回当前会话目录，尚未写入任何帧时为空
func (d *Dumper) SessionDir() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionDir
}

// DumpFrameBytes 落盘一段帧相关字节及其元信息。
// 超出每会话帧数上限的新帧直接忽略；任何写入失败只记日志。
func (d *Dumper) DumpFrameBytes(seq uint64, stage string, payload []byte, meta map[string]interface{}) {
	d.mu.Lock()
	if !d.enabled || !d.reserveLocked(seq) {
		d.mu.Unlock()
		return
	}
	sessionDir, err := d.ensureSessionDirLocked()
	d.mu.Unlock()
	if err != nil {
		log.Printf("dump: create session dir failed: %v", err)
		return
	}

	base := fmt.Sprintf("frame_%06d_%s", seq, stage)
	binPath := filepath.Join(sessionDir, base+".bin")
	if err := os.WriteFile(binPath, payload, 0o644); err != nil {
		log.Printf("dump: write %s failed: %v", binPath, err)
		return
	}

	digest := sha256.Sum256(payload)
	record := map[string]interface{}{
		"seq":         seq,
		"stage":       stage,
		"byteLength":  len(payload),
		"sha256":      hex.EncodeToString(digest[:]),
		"previewHex":  hex.EncodeToString(payload[:min(len(payload), 32)]),
		"writtenAtMs": time.Now().UnixMilli(),
	}
	for k, v := range meta {
		record[k] = v
	}

	encoded, err := json.MarshalIndent(record, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(sessionDir, base+".json"), encoded, 0o644)
	}
	if err != nil {
		log.Printf("dump: write meta for %s failed: %v", base, err)
	}
}

// reserveLocked 判断该帧是否允许转储；同一帧的多个阶段共享名额
func (d *Dumper) reserveLocked(seq uint64) bool {
	if _, ok := d.dumped[seq]; ok {
		return true
	}
	if len(d.dumped) >= d.maxFrames {
		return false
	}
	d.dumped[seq] = struct{}{}
	return true
}

func (d *Dumper) ensureSessionDirLocked() (string, error) {
	if d.sessionDir != "" {
		return d.sessionDir, nil
	}

	root := d.root
	if root == "" {
		root = filepath.Join(os.TempDir(), "sutu_bridge_dump")
	}
	name := fmt.Sprintf("session_%s_%d", time.Now().Format("20060102_150405"), os.Getpid())
	sessionDir := filepath.Join(root, name)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", err
	}

	d.sessionDir = sessionDir
	if !d.announced {
		log.Printf("dump enabled, session dir: %s", sessionDir)
		d.announced = true
	}
	return sessionDir, nil
}

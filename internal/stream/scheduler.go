// Package stream 实现流式调度：捕获与发送之间的有界队列、背压丢帧策略
// 与每个流会话的计数统计。
package stream

import (
	"sync"
	"sync/atomic"

	"SutuBridge/internal/source"
)

// DefaultQueueDepth 捕获队列默认深度。队列满时丢弃最旧的未发送帧，
// 保证观看端总能尽快看到最新画面，而不是积压旧帧。
const DefaultQueueDepth = 2

// Stats 每个流会话的计数器，进入流状态时清零，对 UI 只读
type Stats struct {
	FramesCaptured      uint64  `json:"frames_captured"`
	FramesSent          uint64  `json:"frames_sent"`
	FramesDropped       uint64  `json:"frames_dropped"`
	BytesSent           uint64  `json:"bytes_sent"`
	RawBytes            uint64  `json:"raw_bytes"`
	PayloadBytes        uint64  `json:"payload_bytes"`
	CompressionRatio    float64 `json:"compression_ratio"`
	CompressionFallback bool    `json:"compression_fallback"`
	StreamActive        bool    `json:"stream_active"`
}

// Scheduler 流式调度器。生产者是宿主应用的事件线程（Submit），
// 消费者是持有 socket 的传输协程（TryNext），队列是两者之间唯一共享的结构。
type Scheduler struct {
	mu    sync.Mutex
	queue []*source.Frame
	depth int

	accepting bool
	notify    chan struct{}

	captureSeq atomic.Uint64

	framesCaptured atomic.Uint64
	framesSent     atomic.Uint64
	framesDropped  atomic.Uint64
	bytesSent      atomic.Uint64
	rawBytes       atomic.Uint64
	payloadBytes   atomic.Uint64
	fallback       atomic.Bool
}

// New 创建调度器
func New(depth int) *Scheduler {
	if depth < 1 {
		depth = DefaultQueueDepth
	}
	return &Scheduler{
		depth:  depth,
		queue:  make([]*source.Frame, 0, depth),
		notify: make(chan struct{}, 1),
	}
}

// ResetSession 新传输会话建立时调用，捕获序号从头开始
func (s *Scheduler) ResetSession() {
	s.captureSeq.Store(0)
}

// NextSeq 分配下一个捕获序号（单帧发送也占用序号空间）
func (s *Scheduler) NextSeq() uint64 {
	return s.captureSeq.Add(1)
}

// StartStream 开始接收捕获，清空统计
func (s *Scheduler) StartStream() {
	s.mu.Lock()
	s.accepting = true
	s.queue = s.queue[:0]
	s.mu.Unlock()

	s.framesCaptured.Store(0)
	s.framesSent.Store(0)
	s.framesDropped.Store(0)
	s.bytesSent.Store(0)
	s.rawBytes.Store(0)
	s.payloadBytes.Store(0)
	s.fallback.Store(false)
}

// Active 流是否处于活动状态
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// Submit 提交一帧捕获。队列满时丢弃最旧帧并计数（最新帧优先）。
// 返回分配的捕获序号；流未激活时返回 ok=false 且不占用序号。
func (s *Scheduler) Submit(frame *source.Frame) (uint64, bool) {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return 0, false
	}

	frame.Seq = s.captureSeq.Add(1)
	if len(s.queue) >= s.depth {
		// 丢最旧的未发送帧
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.framesDropped.Add(1)
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	s.framesCaptured.Add(1)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return frame.Seq, true
}

// Ready 队列有帧待发时可读
func (s *Scheduler) Ready() <-chan struct{} {
	return s.notify
}

// TryNext 取出最早的待发帧
func (s *Scheduler) TryNext() (*source.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	frame := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue = s.queue[:len(s.queue)-1]
	return frame, true
}

// BeginStop 停止接收新捕获并立即返回；已排队的帧保留，交给发送协程
// 在宽限期内收尾。返回调用前流是否处于活动状态。
func (s *Scheduler) BeginStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.accepting
	s.accepting = false
	return was
}

// Abandon 立即丢弃所有排队帧（断开连接时调用，不计入丢帧统计）
func (s *Scheduler) Abandon() {
	s.mu.Lock()
	s.accepting = false
	s.queue = s.queue[:0]
	s.mu.Unlock()
}

// RecordSent 记录一次成功的帧发送
func (s *Scheduler) RecordSent(rawBytes, payloadBytes, wireBytes int) {
	s.framesSent.Add(1)
	s.rawBytes.Add(uint64(rawBytes))
	s.payloadBytes.Add(uint64(payloadBytes))
	s.bytesSent.Add(uint64(wireBytes))
}

// NoteFallback 记录压缩退化
func (s *Scheduler) NoteFallback() {
	s.fallback.Store(true)
}

// QueueLen 当前排队帧数
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Snapshot 读取当前统计
func (s *Scheduler) Snapshot() Stats {
	stats := Stats{
		FramesCaptured:      s.framesCaptured.Load(),
		FramesSent:          s.framesSent.Load(),
		FramesDropped:       s.framesDropped.Load(),
		BytesSent:           s.bytesSent.Load(),
		RawBytes:            s.rawBytes.Load(),
		PayloadBytes:        s.payloadBytes.Load(),
		CompressionFallback: s.fallback.Load(),
		StreamActive:        s.Active(),
	}
	if stats.RawBytes > 0 {
		stats.CompressionRatio = float64(stats.PayloadBytes) / float64(stats.RawBytes)
	}
	return stats
}

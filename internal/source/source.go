// Package source 定义帧来源适配器：由宿主 3D 应用实现，向核心按需提供原始像素缓冲。
package source

import (
	"errors"
	"time"
)

// Origin 帧的来源
type Origin string

const (
	OriginViewport Origin = "viewport"
	OriginRender   Origin = "render"
)

// ErrNoFrame 宿主应用当前无法提供帧（视口未就绪、渲染结果不存在等）
var ErrNoFrame = errors.New("no frame available from host application")

// Frame 一帧捕获的图像。编码发送后即释放，不会被核心长期持有。
type Frame struct {
	Origin      Origin
	Width       int
	Height      int
	Stride      int // 每行字节数，0 表示 Width*4
	PixelFormat string
	Data        []byte
	CapturedAt  time.Time
	Seq         uint64 // 会话内捕获序号，由调度器分配
}

// RowStride 返回有效的行字节数
func (f *Frame) RowStride() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.Width * 4
}

// CaptureRequest 单次捕获请求
type CaptureRequest struct {
	Origin Origin
	// UseExistingRender 为 true 时复用宿主已有的渲染结果，而不是触发新渲染
	UseExistingRender bool
	// TargetWidth/TargetHeight 服务端心跳携带的分辨率提示，0 表示不限制
	TargetWidth  int
	TargetHeight int
}

// Source 帧来源适配器。实现方在宿主应用的事件线程上被调用，
// 必须快速返回；无法供帧时返回 ErrNoFrame。
type Source interface {
	Capture(req CaptureRequest) (*Frame, error)
}

// Func 便捷的函数式适配器
type Func func(req CaptureRequest) (*Frame, error)

func (fn Func) Capture(req CaptureRequest) (*Frame, error) {
	return fn(req)
}

package source

import (
	"sync/atomic"
	"time"
)

// Synthetic 生成渐变测试帧的来源，用于演示程序和测试
type Synthetic struct {
	Width  int
	Height int

	counter atomic.Uint64
}

// NewSynthetic 创建合成帧来源
func NewSynthetic(width, height int) *Synthetic {
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 64
	}
	return &Synthetic{Width: width, Height: height}
}

// Capture 生成一帧随帧号滚动的 RGBA 渐变图
func (s *Synthetic) Capture(req CaptureRequest) (*Frame, error) {
	n := s.counter.Add(1)

	width, height := s.Width, s.Height
	if req.TargetWidth > 0 && req.TargetWidth < width {
		width = req.TargetWidth
	}
	if req.TargetHeight > 0 && req.TargetHeight < height {
		height = req.TargetHeight
	}

	data := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 4
			data[i] = byte(x + int(n))
			data[i+1] = byte(y + int(n))
			data[i+2] = byte(int(n))
			data[i+3] = 0xFF
		}
	}

	return &Frame{
		Origin:      req.Origin,
		Width:       width,
		Height:      height,
		Stride:      width * 4,
		PixelFormat: "rgba8",
		Data:        data,
		CapturedAt:  time.Now(),
	}, nil
}

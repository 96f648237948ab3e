package iface

import (
	"time"

	"gocv.io/x/gocv"
)

// Frame is one BGR image owned by a single processing cycle.
type Frame struct {
	Mat   gocv.Mat
	Seq   uint64
	Stamp time.Time
}

func (f *Frame) Empty() bool {
	return f == nil || f.Mat.Empty()
}

func (f *Frame) Width() int {
	if f.Empty() {
		return 0
	}
	return f.Mat.Cols()
}

func (f *Frame) Height() int {
	if f.Empty() {
		return 0
	}
	return f.Mat.Rows()
}

func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	return f.Mat.Close()
}

type Keypoint struct {
	Part       int
	X          float64
	Y          float64
	Confidence float64
}

type Person struct {
	Keypoints []Keypoint
}

// HeatMaps holds the optional auxiliary channels emitted by the engine, laid
// out channel-major: parts, then background, then PAFs.
type HeatMaps struct {
	Types    []HeatMapType
	Channels int
	Width    int
	Height   int
	Data     []float32
}

// Channel returns the plane for channel c, or nil if out of range.
func (h *HeatMaps) Channel(c int) []float32 {
	if h == nil || c < 0 || c >= h.Channels {
		return nil
	}
	plane := h.Width * h.Height
	if len(h.Data) < (c+1)*plane {
		return nil
	}
	return h.Data[c*plane : (c+1)*plane]
}

// DetectionBatch is the result of one engine invocation.
type DetectionBatch struct {
	Input    uint64
	People   []Person
	Output   *Frame
	HeatMaps *HeatMaps
}

func (b *DetectionBatch) Empty() bool {
	return b == nil || len(b.People) == 0
}

func (b *DetectionBatch) Close() error {
	if b == nil || b.Output == nil {
		return nil
	}
	err := b.Output.Close()
	b.Output = nil
	return err
}

type Size struct {
	Width  int
	Height int
}

// EngineConfig is built once at startup and never mutated afterwards.
type EngineConfig struct {
	ModelFolder   string
	Model         PoseModel
	NetInputSize  Size
	OutputSize    Size
	ScaleMode     ScaleMode
	NumGPU        int
	GPUStart      int
	NumScales     int
	ScaleGap      float64
	HeatMapTypes  []HeatMapType
	HeatMapScale  ScaleMode
	RenderOutput  bool
	PartToShow    int
	BlendOriginal bool
	AlphaPose     float64
	AlphaHeatMap  float64
}

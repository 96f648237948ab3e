package engine

import (
	iface "PoseBridge/interface"
	"context"
	"errors"
	"image"

	"gocv.io/x/gocv"
)

func init() {
	Register("passthrough", NewPassthrough)
}

// Passthrough reports no persons and returns the input resized to the output
// size. It exercises the port wiring without an estimation service.
type Passthrough struct {
	cfg iface.EngineConfig
}

func NewPassthrough(cfg iface.EngineConfig, _ Options, _ int) (Backend, error) {
	return &Passthrough{cfg: cfg}, nil
}

func (p *Passthrough) Estimate(ctx context.Context, in *iface.Frame) (*iface.DetectionBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Empty() {
		return nil, errors.New("passthrough backend: empty frame")
	}
	batch := &iface.DetectionBatch{}
	if !p.cfg.RenderOutput {
		return batch, nil
	}
	out := gocv.NewMat()
	size := p.cfg.OutputSize
	if size.Width > 0 && size.Height > 0 {
		gocv.Resize(in.Mat, &out, image.Pt(size.Width, size.Height), 0, 0, gocv.InterpolationLinear)
	} else {
		in.Mat.CopyTo(&out)
	}
	batch.Output = &iface.Frame{Mat: out, Seq: in.Seq, Stamp: in.Stamp}
	return batch, nil
}

func (p *Passthrough) Close() error {
	return nil
}

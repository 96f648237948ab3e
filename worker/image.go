package worker

import (
	iface "PoseBridge/interface"
	"PoseBridge/logger"
	"PoseBridge/monitor"
	"PoseBridge/port"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// AnnotatedFramePublisher writes the rendered frame of every batch to the
// outbound image port as RGB.
type AnnotatedFramePublisher struct {
	out port.OutPort
	log *zap.Logger

	// rgb is reused between frames, reallocated only when the size changes
	rgb gocv.Mat

	published atomic.Uint64
	once      sync.Once
}

func NewAnnotatedFramePublisher(out port.OutPort, log *zap.Logger) *AnnotatedFramePublisher {
	return &AnnotatedFramePublisher{
		out: out,
		log: logger.Or(log).With(zap.String("port", out.Name())),
		rgb: gocv.NewMat(),
	}
}

func (p *AnnotatedFramePublisher) Consume(b *iface.DetectionBatch) {
	if b == nil || b.Output.Empty() {
		p.log.Warn("nullptr or empty batch")
		return
	}
	gocv.CvtColor(b.Output.Mat, &p.rgb, gocv.ColorBGRToRGB)
	payload, err := port.EncodeImage(p.rgb)
	if err != nil {
		p.log.Error("annotated frame could not be encoded", zap.Error(err))
		return
	}
	if err := p.out.Write(payload); err != nil {
		p.log.Warn("annotated frame not written", zap.Error(err))
		return
	}
	p.published.Add(1)
	monitor.Published.WithLabelValues(p.out.Name()).Inc()
}

func (p *AnnotatedFramePublisher) Published() uint64 {
	return p.published.Load()
}

func (p *AnnotatedFramePublisher) Close() error {
	var err error
	p.once.Do(func() {
		err = p.out.Close()
		_ = p.rgb.Close()
	})
	return err
}

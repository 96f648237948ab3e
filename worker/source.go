package worker

import (
	iface "PoseBridge/interface"
	"PoseBridge/logger"
	"PoseBridge/monitor"
	"PoseBridge/port"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// FrameSource reads one image per call from the inbound image port. The
// first empty or undecodable image ends the stream for good.
type FrameSource struct {
	in  port.InPort
	log *zap.Logger

	seq         uint64
	finished    bool
	interrupted atomic.Bool
	once        sync.Once
}

func NewFrameSource(in port.InPort, log *zap.Logger) *FrameSource {
	return &FrameSource{in: in, log: logger.Or(log).With(zap.String("port", in.Name()))}
}

// Produce blocks until an image arrives. It returns false once the stream
// ended and never reads again afterwards.
func (s *FrameSource) Produce() (*iface.Frame, bool) {
	if s.finished {
		return nil, false
	}
	payload, ok := s.in.Read()
	if !ok {
		s.finished = true
		if !s.interrupted.Load() {
			s.log.Info("image port closed", zap.Uint64("frames", s.seq))
		}
		return nil, false
	}
	rgb, err := port.DecodeImage(payload)
	if err != nil {
		_ = rgb.Close()
		s.finished = true
		s.log.Info("empty frame detected", zap.Uint64("frames", s.seq), zap.Error(err))
		return nil, false
	}
	bgr := gocv.NewMat()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)
	_ = rgb.Close()

	s.seq++
	monitor.FramesTotal.Inc()
	return &iface.Frame{Mat: bgr, Seq: s.seq, Stamp: time.Now()}, true
}

func (s *FrameSource) Finished() bool {
	return s.finished
}

// Interrupt unblocks a pending Produce. Safe from any goroutine.
func (s *FrameSource) Interrupt() {
	s.interrupted.Store(true)
	s.in.Interrupt()
}

func (s *FrameSource) Close() error {
	var err error
	s.once.Do(func() {
		err = s.in.Close()
	})
	return err
}

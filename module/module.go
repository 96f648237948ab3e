package module

import (
	"PoseBridge/config"
	iface "PoseBridge/interface"
	"PoseBridge/logger"
	"PoseBridge/monitor"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type State int32

const (
	Configuring State = iota
	Running
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const DefaultPeriod = 100 * time.Millisecond

type Producer interface {
	// Produce returns false once the stream ended or was interrupted.
	Produce() (*iface.Frame, bool)
	Interrupt()
	Close() error
}

type Engine interface {
	Submit(f *iface.Frame) bool
	Retrieve() (*iface.DetectionBatch, bool)
	Stop()
	Closed() bool
}

type Processor interface {
	Process(b *iface.DetectionBatch)
	Close() error
}

type Consumer interface {
	Consume(b *iface.DetectionBatch)
	Close() error
}

// Parts are the components driven by the module. The engine must already be
// started.
type Parts struct {
	Producer  Producer
	Engine    Engine
	Processor Processor
	Consumer  Consumer
	Log       *zap.Logger
	// OnTransition, when set, observes every state change.
	OnTransition func(from, to State)
}

// Module runs one estimation cycle per period until it is asked to quit.
type Module struct {
	cfg   *config.Config
	parts Parts
	log   *zap.Logger

	period    time.Duration
	quitOnEOS bool

	state   atomic.Int32
	closing atomic.Bool
	eos     atomic.Bool
	cycles  atomic.Uint64
	failed  atomic.Uint64

	quit      chan struct{}
	quitOnce  sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once

	control *rpcHandler
}

func New(cfg *config.Config, parts Parts) *Module {
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Module{
		cfg:       cfg,
		parts:     parts,
		log:       logger.Or(parts.Log).With(zap.String("module", cfg.Name)),
		period:    period,
		quitOnEOS: cfg.QuitOnEOS,
		quit:      make(chan struct{}),
	}
}

func (m *Module) State() State {
	return State(m.state.Load())
}

func (m *Module) transition(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.log.Info("module state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if m.parts.OnTransition != nil {
		m.parts.OnTransition(from, to)
	}
}

// Run drives the cycles until Quit, ctx cancellation or the engine closing
// by itself, then releases every part. It returns once the module is Closed.
func (m *Module) Run(ctx context.Context) error {
	if m.State() != Configuring {
		return errors.New("module already ran")
	}
	m.transition(Running)
	if m.control != nil {
		go m.control.serve()
	}
	stop := context.AfterFunc(ctx, m.Quit)
	defer stop()

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for !m.closing.Load() {
		m.cycle()
		if m.parts.Engine.Closed() && !m.closing.Load() {
			m.log.Warn("estimation pipeline closed, shutting down")
			m.closing.Store(true)
			break
		}
		select {
		case <-ticker.C:
		case <-m.quit:
		}
	}

	m.transition(Closing)
	m.stopEngine()
	m.transition(Closed)
	m.closeParts()
	return nil
}

func (m *Module) cycle() {
	start := time.Now()
	m.cycles.Add(1)
	monitor.CyclesTotal.Inc()
	defer func() { monitor.CycleLatency.Observe(time.Since(start).Seconds()) }()

	frame, ok := m.parts.Producer.Produce()
	if !ok {
		if m.closing.Load() {
			return
		}
		if !m.eos.Swap(true) {
			m.log.Info("image stream ended, idling")
			if m.quitOnEOS {
				m.Quit()
			}
		}
		return
	}
	defer frame.Close()

	if !m.parts.Engine.Submit(frame) {
		m.emplaceFailed(frame)
		return
	}
	batch, ok := m.parts.Engine.Retrieve()
	if !ok {
		m.emplaceFailed(frame)
		return
	}
	defer batch.Close()

	m.parts.Consumer.Consume(batch)
	m.parts.Processor.Process(batch)
}

func (m *Module) emplaceFailed(f *iface.Frame) {
	m.failed.Add(1)
	monitor.EmplaceFailures.Inc()
	m.log.Error("processed datum could not be emplaced", zap.Uint64("seq", f.Seq))
}

// Quit requests the module to close. Safe from any goroutine and more than
// once.
func (m *Module) Quit() {
	m.closing.Store(true)
	m.quitOnce.Do(func() {
		close(m.quit)
		m.log.Info("quit requested")
		m.parts.Producer.Interrupt()
		// releases a cycle blocked on the engine
		go m.stopEngine()
	})
}

func (m *Module) stopEngine() {
	m.stopOnce.Do(m.parts.Engine.Stop)
}

func (m *Module) closeParts() {
	m.closeOnce.Do(func() {
		if m.control != nil {
			m.control.close()
		}
		if err := m.parts.Producer.Close(); err != nil {
			m.log.Warn("producer close failed", zap.Error(err))
		}
		if err := m.parts.Processor.Close(); err != nil {
			m.log.Warn("processor close failed", zap.Error(err))
		}
		if err := m.parts.Consumer.Close(); err != nil {
			m.log.Warn("consumer close failed", zap.Error(err))
		}
	})
}

// Snapshot is the effective configuration.
func (m *Module) Snapshot() map[string]any {
	return m.cfg.Snapshot()
}

func (m *Module) Status() map[string]any {
	return map[string]any{
		"state":            m.State().String(),
		"cycles":           m.cycles.Load(),
		"emplace_failures": m.failed.Load(),
		"end_of_stream":    m.eos.Load(),
		"engine_closed":    m.parts.Engine.Closed(),
	}
}

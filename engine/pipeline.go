package engine

import (
	iface "PoseBridge/interface"
	"PoseBridge/logger"
	"PoseBridge/monitor"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultRestartDelay = time.Second

type device struct {
	id      int
	backend Backend
}

type result struct {
	batch *iface.DetectionBatch
	ok    bool
}

// Pipeline fronts the estimation engine with a one-slot submit queue and a
// one-slot result queue served by one worker per device.
type Pipeline struct {
	cfg     iface.EngineConfig
	table   iface.BodyPartTable
	factory Factory
	opts    Options
	log     *zap.Logger

	RestartDelay time.Duration

	input  chan *iface.Frame
	output chan result

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	doneOnce sync.Once
	stopOnce sync.Once
	wg       sync.WaitGroup
	alive    atomic.Int32
	closed   atomic.Bool
	started  atomic.Bool
	devices  []device
}

func NewPipeline(cfg iface.EngineConfig, factory Factory, opts Options) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:          cfg,
		table:        iface.BodyParts(cfg.Model),
		factory:      factory,
		opts:         opts,
		log:          logger.Or(opts.Log),
		RestartDelay: DefaultRestartDelay,
		input:        make(chan *iface.Frame, 1),
		output:       make(chan result, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Start creates one backend per device. Devices whose backend cannot be built
// are skipped; Start fails only when none could.
func (p *Pipeline) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline already started")
	}
	var errs []error
	for i := 0; i < p.cfg.NumGPU; i++ {
		id := p.cfg.GPUStart + i
		b, err := p.factory(p.cfg, p.opts, id)
		if err != nil {
			p.log.Error("backend could not be created", zap.Int("device", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("device %d: %w", id, err))
			continue
		}
		p.devices = append(p.devices, device{id: id, backend: b})
	}
	if len(p.devices) == 0 {
		p.markClosed()
		return fmt.Errorf("no estimation backend available: %w", errors.Join(errs...))
	}
	for i, d := range p.devices {
		p.wg.Add(1)
		p.alive.Add(1)
		go p.runWorker(i, d)
	}
	p.log.Info("estimation pipeline started",
		zap.Int("workers", len(p.devices)),
		zap.String("model", p.cfg.Model.String()),
		zap.Int("net_width", p.cfg.NetInputSize.Width),
		zap.Int("net_height", p.cfg.NetInputSize.Height))
	return nil
}

// Submit hands the frame to a worker. It blocks while the slot is occupied and
// returns false once the pipeline is stopped.
func (p *Pipeline) Submit(f *iface.Frame) bool {
	if f.Empty() || p.closed.Load() {
		return false
	}
	select {
	case p.input <- f:
		return true
	case <-p.done:
		return false
	}
}

// Retrieve waits for the next result. It reports false for a failed
// estimation and once the pipeline is stopped.
func (p *Pipeline) Retrieve() (*iface.DetectionBatch, bool) {
	select {
	case r := <-p.output:
		return r.batch, r.ok
	case <-p.done:
		return nil, false
	}
}

// Stop discards in-flight work, waits for the workers and releases the
// backends. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		// callers blocked in Submit or Retrieve are released only once no
		// worker can touch their frame anymore
		p.wg.Wait()
		p.markClosed()
		for _, d := range p.devices {
			if err := d.backend.Close(); err != nil {
				p.log.Warn("backend close failed", zap.Int("device", d.id), zap.Error(err))
			}
		}
		// drain so no rendered frame outlives the pipeline
		select {
		case r := <-p.output:
			_ = r.batch.Close()
		default:
		}
		p.log.Info("estimation pipeline stopped")
	})
}

// Closed reports whether the pipeline stopped, either through Stop or because
// every worker gave up.
func (p *Pipeline) Closed() bool {
	return p.closed.Load()
}

func (p *Pipeline) markClosed() {
	p.closed.Store(true)
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Pipeline) runWorker(id int, d device) {
	defer p.wg.Done()
	defer func() {
		if p.alive.Add(-1) == 0 {
			p.markClosed()
		}
	}()
	// engine contexts are bound to the thread that created them
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.log.Info("engine worker created", zap.Int("worker", id), zap.Int("device", d.id))
	for {
		panicked, err := p.serve(id, d.backend)
		if err != nil {
			p.log.Error("engine worker exited", zap.Int("worker", id), zap.Error(err))
			return
		}
		if !panicked {
			return
		}
		monitor.WorkerRestarts.Inc()
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.RestartDelay):
		}
		p.log.Warn("engine worker restarted", zap.Int("worker", id))
	}
}

func (p *Pipeline) serve(id int, b Backend) (panicked bool, err error) {
	var inflight *iface.Frame
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("engine worker panic", zap.Int("worker", id), zap.Any("panic", r))
			panicked = true
			if inflight != nil {
				p.emit(result{})
			}
		}
	}()
	for {
		select {
		case <-p.ctx.Done():
			return false, nil
		case f := <-p.input:
			inflight = f
			if err := p.handle(b, f); err != nil {
				p.emit(result{})
				return false, err
			}
			inflight = nil
		}
	}
}

// handle runs one estimation and emits its result. Only fatal backend errors
// are returned.
func (p *Pipeline) handle(b Backend, f *iface.Frame) error {
	start := time.Now()
	batch, err := b.Estimate(p.ctx, f)
	monitor.EstimateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrFatal) {
			return err
		}
		if p.ctx.Err() == nil {
			p.log.Warn("estimation failed", zap.Uint64("seq", f.Seq), zap.Error(err))
		}
		p.emit(result{})
		return nil
	}
	if err := p.validate(batch); err != nil {
		p.log.Error("malformed detection batch", zap.Uint64("seq", f.Seq), zap.Error(err))
		_ = batch.Close()
		p.emit(result{})
		return nil
	}
	batch.Input = f.Seq
	p.emit(result{batch: batch, ok: true})
	return nil
}

func (p *Pipeline) validate(b *iface.DetectionBatch) error {
	if b == nil {
		return errors.New("nil batch")
	}
	want := p.table.Len()
	for i, person := range b.People {
		if len(person.Keypoints) != want {
			return fmt.Errorf("person %d has %d parts, model %s has %d", i, len(person.Keypoints), p.cfg.Model, want)
		}
		for j, k := range person.Keypoints {
			if k.Part != j {
				return fmt.Errorf("person %d keypoint %d has part index %d", i, j, k.Part)
			}
		}
	}
	return nil
}

func (p *Pipeline) emit(r result) {
	select {
	case p.output <- r:
	case <-p.ctx.Done():
		_ = r.batch.Close()
	case <-p.done:
		_ = r.batch.Close()
	}
}

package module

import (
	"PoseBridge/config"
	"PoseBridge/engine"
	"PoseBridge/logger"
	"PoseBridge/port"
	"PoseBridge/worker"
	"fmt"
	"io"

	"go.uber.org/zap"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Configure validates cfg, opens the module ports on network and starts the
// estimation pipeline. On error everything opened so far is released.
func Configure(cfg *config.Config, network port.Network, log *zap.Logger) (_ *Module, err error) {
	log = logger.Or(log)
	engineCfg, err := cfg.Build(log)
	if err != nil {
		return nil, err
	}
	factory, err := engine.Lookup(cfg.Backend)
	if err != nil {
		return nil, err
	}

	var opened []io.Closer
	defer func() {
		if err == nil {
			return
		}
		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i].Close()
		}
	}()

	imageIn, err := network.OpenIn(cfg.ImageInPort())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.ImageInPort(), err)
	}
	opened = append(opened, imageIn)
	target, err := network.OpenOut(cfg.TargetPort())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.TargetPort(), err)
	}
	opened = append(opened, target)
	imageOut, err := network.OpenOut(cfg.ImageOutPort())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.ImageOutPort(), err)
	}
	opened = append(opened, imageOut)
	rpcIn, err := network.OpenIn(cfg.RPCInPort())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.RPCInPort(), err)
	}
	opened = append(opened, rpcIn)
	rpcOut, err := network.OpenOut(cfg.RPCOutPort())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.RPCOutPort(), err)
	}
	opened = append(opened, rpcOut)

	pipeline := engine.NewPipeline(engineCfg, factory, engine.Options{
		URL:     cfg.EngineURL,
		Timeout: cfg.EngineTimeout,
		Log:     log,
	})
	if err = pipeline.Start(); err != nil {
		return nil, err
	}
	opened = append(opened, closerFunc(func() error { pipeline.Stop(); return nil }))

	m := New(cfg, Parts{
		Producer:  worker.NewFrameSource(imageIn, log),
		Engine:    pipeline,
		Processor: worker.NewResultPublisher(target, engineCfg.Model, log),
		Consumer:  worker.NewAnnotatedFramePublisher(imageOut, log),
		Log:       log,
	})
	m.control = newRPCHandler(rpcIn, rpcOut, m, log)
	log.Info("module configured",
		zap.String("name", cfg.Name),
		zap.String("backend", cfg.Backend),
		zap.String("model", engineCfg.Model.String()),
		zap.Stringer("scale_mode", engineCfg.ScaleMode),
		zap.Duration("period", m.period))
	return m, nil
}

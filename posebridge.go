package main

import (
	adhoc "PoseBridge/Adhoc"
	"PoseBridge/config"
	backend "PoseBridge/gRPC"
	"PoseBridge/logger"
	"PoseBridge/module"
	"PoseBridge/monitor"
	"PoseBridge/port"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogFormat, cfg.LogLevel); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()
	log.Info("starting module",
		zap.String("name", cfg.Name),
		zap.String("backend", cfg.Backend),
		zap.String("broker", cfg.Broker),
		zap.Int("num_gpu", cfg.NumGPU),
		zap.Int("cpu_cores", runtime.NumCPU()))

	network := port.NewMQTTNetwork(port.MQTTConfig{
		Broker:    cfg.Broker,
		ClientID:  cfg.Name + "-" + uuid.NewString(),
		QueueSize: cfg.QueueSize,
		Log:       log,
	})
	defer network.Close()
	if err := network.Check(cmd.Context()); err != nil {
		log.Error("transport unavailable", zap.String("broker", cfg.Broker), zap.Error(err))
		return fmt.Errorf("transport unavailable: %w", err)
	}

	m, err := module.Configure(cfg, network, log)
	if err != nil {
		log.Error("configuration failed", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	if cfg.RPCPort > 0 {
		server, err := backend.StartGRPCServer(cfg.RPCPort, m, log)
		if err != nil {
			log.Error("gRPC control server disabled", zap.Error(err))
		} else {
			defer server.GracefulStop()
		}
	}
	if cfg.HTTPPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := monitor.StartMon(svcCtx, monitor.Options{
				Port:       cfg.HTTPPort,
				Controller: m,
				Network:    network,
				TargetPort: cfg.TargetPort(),
				ImagePort:  cfg.ImageOutPort(),
				Log:        log,
			})
			if err != nil {
				log.Error("HTTP control server disabled", zap.Error(err))
			}
		}()
	}
	if cfg.Registry.Enabled {
		startHeartbeat(svcCtx, cfg, log, &wg)
	} else {
		log.Info("registry disabled, skipping registration")
	}

	err = m.Run(ctx)
	cancel()
	wg.Wait()
	log.Info("safely exited", zap.String("state", m.State().String()))
	return err
}

func startHeartbeat(ctx context.Context, cfg *config.Config, log *zap.Logger, wg *sync.WaitGroup) {
	ip, err := adhoc.GetOutboundIP()
	if err != nil {
		log.Warn("failed to get outbound IP, announcing loopback", zap.Error(err))
		ip = "127.0.0.1"
	}
	var server adhoc.RegServerConfig
	server.SetAddress(cfg.Registry.Host, cfg.Registry.Port)
	hb := adhoc.NewHeartbeat(server, adhoc.RegisterRequest{
		Name:     cfg.Name,
		IP:       ip,
		Port:     cfg.RPCPort,
		HTTPPort: cfg.HTTPPort,
		Ports:    []string{cfg.ImageInPort(), cfg.TargetPort(), cfg.ImageOutPort(), cfg.RPCInPort(), cfg.RPCOutPort()},
	}, log)
	log.Info("registering with name registry", zap.String("url", server.URL()), zap.String("id", hb.ID()))
	wg.Add(1)
	go hb.SendAliveMessage(ctx, wg)
}

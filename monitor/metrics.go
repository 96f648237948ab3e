package monitor

import (
	"math"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

const namespace = "posebridge"

var (
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Total number of module cycles run",
	})
	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Total number of frames read from the image port",
	})
	EmplaceFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emplace_failures_total",
		Help:      "Frames that could not be submitted or whose result could not be retrieved",
	})
	Published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_total",
		Help:      "Messages written per outbound port",
	}, []string{"port"})
	PersonsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persons_detected_total",
		Help:      "Persons reported by the estimation engine",
	})
	WorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_worker_restarts_total",
		Help:      "Engine workers restarted after a panic",
	})
	CycleLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one module cycle",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	EstimateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "estimate_duration_seconds",
		Help:      "Duration of one backend estimation",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	ControlRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_requests_total",
		Help:      "Control requests per surface",
	}, []string{"surface"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		memUsage, cpuUsage,
		CyclesTotal, FramesTotal, EmplaceFailures, Published, PersonsDetected,
		WorkerRestarts, CycleLatency, EstimateLatency, ControlRequests,
	}
}

// NewRegistry returns a registry holding every PoseBridge collector.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors()...)
	return registry
}

type processSampler struct {
	proc *process.Process
}

func newProcessSampler() (*processSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &processSampler{proc: proc}, nil
}

func (s *processSampler) sample() {
	if memInfo, err := s.proc.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := s.proc.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

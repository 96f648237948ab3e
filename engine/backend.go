package engine

import (
	iface "PoseBridge/interface"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrFatal marks a backend failure after which the worker cannot continue.
	ErrFatal = errors.New("fatal backend error")
)

// Backend wraps one estimation engine context bound to a device.
type Backend interface {
	// Estimate returns the persons found in the frame with keypoints in the
	// configured scale convention, plus the rendered frame when rendering is on.
	Estimate(ctx context.Context, in *iface.Frame) (*iface.DetectionBatch, error)
	Close() error
}

type Options struct {
	URL     string
	Timeout time.Duration
	Log     *zap.Logger
}

type Factory func(cfg iface.EngineConfig, opts Options, device int) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available by name. Registering a name twice
// replaces the previous factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q, available: %v", ErrUnknownBackend, name, backendsLocked())
	}
	return f, nil
}

func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendsLocked()
}

func backendsLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

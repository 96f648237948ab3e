package module

import (
	"PoseBridge/config"
	iface "PoseBridge/interface"
	"PoseBridge/port"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gocv.io/x/gocv"
)

type fakeProducer struct {
	mu          sync.Mutex
	frames      int
	produced    int
	interrupted atomic.Bool
	closes      atomic.Int32
}

func (p *fakeProducer) Produce() (*iface.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interrupted.Load() || p.produced >= p.frames {
		return nil, false
	}
	p.produced++
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 4, 4, gocv.MatTypeCV8UC3)
	return &iface.Frame{Mat: mat, Seq: uint64(p.produced)}, true
}

func (p *fakeProducer) Interrupt()   { p.interrupted.Store(true) }
func (p *fakeProducer) Close() error { p.closes.Add(1); return nil }

type fakeEngine struct {
	reject  bool
	pending atomic.Int32
	stops   atomic.Int32
	closed  atomic.Bool
}

func (e *fakeEngine) Submit(*iface.Frame) bool {
	if e.reject || e.closed.Load() {
		return false
	}
	e.pending.Add(1)
	return true
}

func (e *fakeEngine) Retrieve() (*iface.DetectionBatch, bool) {
	if e.pending.Add(-1) < 0 {
		return nil, false
	}
	p := iface.Person{Keypoints: make([]iface.Keypoint, 19)}
	for i := range p.Keypoints {
		p.Keypoints[i].Part = i
	}
	out := &iface.Frame{Mat: gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 4, 4, gocv.MatTypeCV8UC3)}
	return &iface.DetectionBatch{People: []iface.Person{p}, Output: out}, true
}

func (e *fakeEngine) Stop() {
	e.stops.Add(1)
	e.closed.Store(true)
}

func (e *fakeEngine) Closed() bool { return e.closed.Load() }

type counter struct {
	calls  atomic.Int32
	people atomic.Int32
	closes atomic.Int32
}

func (c *counter) Process(b *iface.DetectionBatch) {
	c.calls.Add(1)
	c.people.Add(int32(len(b.People)))
}

func (c *counter) Consume(b *iface.DetectionBatch) {
	c.calls.Add(1)
}

func (c *counter) Close() error { c.closes.Add(1); return nil }

type transitions struct {
	mu   sync.Mutex
	seen []State
}

func (t *transitions) record(_, to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = append(t.seen, to)
}

func (t *transitions) get() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.seen...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Name = "test"
	cfg.Period = 5 * time.Millisecond
	return cfg
}

func runAsync(m *Module) chan error {
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	return done
}

func waitRun(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("module did not close")
	}
}

func TestModuleScenario(t *testing.T) {
	producer := &fakeProducer{frames: 3}
	eng := &fakeEngine{}
	processor, consumer := &counter{}, &counter{}
	var tr transitions
	m := New(testConfig(t), Parts{
		Producer:     producer,
		Engine:       eng,
		Processor:    processor,
		Consumer:     consumer,
		Log:          zap.NewNop(),
		OnTransition: tr.record,
	})
	assert.Equal(t, Configuring, m.State())

	done := runAsync(m)
	require.Eventually(t, func() bool { return processor.calls.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, Running, m.State(), "module idles after the stream ended")
	assert.Equal(t, int32(3), processor.calls.Load())
	assert.Equal(t, int32(3), processor.people.Load())
	assert.Equal(t, int32(3), consumer.calls.Load())
	assert.Equal(t, true, m.Status()["end_of_stream"])

	m.Quit()
	m.Quit()
	waitRun(t, done)

	assert.Equal(t, Closed, m.State())
	assert.Equal(t, []State{Running, Closing, Closed}, tr.get())
	assert.Equal(t, int32(1), eng.stops.Load())
	assert.Equal(t, int32(1), producer.closes.Load())
	assert.Equal(t, int32(1), processor.closes.Load())
	assert.Equal(t, int32(1), consumer.closes.Load())
	assert.Error(t, m.Run(context.Background()))
}

func TestModuleSubmitRejected(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	producer := &fakeProducer{frames: 1}
	processor, consumer := &counter{}, &counter{}
	m := New(testConfig(t), Parts{
		Producer:  producer,
		Engine:    &fakeEngine{reject: true},
		Processor: processor,
		Consumer:  consumer,
		Log:       zap.New(core),
	})
	done := runAsync(m)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("processed datum could not be emplaced").Len() == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	m.Quit()
	waitRun(t, done)

	assert.Equal(t, 1, logs.FilterMessage("processed datum could not be emplaced").Len())
	assert.Equal(t, int32(0), processor.calls.Load())
	assert.Equal(t, int32(0), consumer.calls.Load())
}

func TestModuleQuitOnEOS(t *testing.T) {
	cfg := testConfig(t)
	cfg.QuitOnEOS = true
	eng := &fakeEngine{}
	m := New(cfg, Parts{
		Producer:  &fakeProducer{frames: 2},
		Engine:    eng,
		Processor: &counter{},
		Consumer:  &counter{},
		Log:       zap.NewNop(),
	})
	waitRun(t, runAsync(m))
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, int32(1), eng.stops.Load())
}

func TestModuleClosesWhenEngineCloses(t *testing.T) {
	eng := &fakeEngine{}
	m := New(testConfig(t), Parts{
		Producer:  &fakeProducer{frames: 1000},
		Engine:    eng,
		Processor: &counter{},
		Consumer:  &counter{},
		Log:       zap.NewNop(),
	})
	done := runAsync(m)
	time.Sleep(20 * time.Millisecond)
	eng.closed.Store(true)
	waitRun(t, done)
	assert.Equal(t, Closed, m.State())
}

func TestModuleContextCancel(t *testing.T) {
	m := New(testConfig(t), Parts{
		Producer:  &fakeProducer{},
		Engine:    &fakeEngine{},
		Processor: &counter{},
		Consumer:  &counter{},
		Log:       zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	waitRun(t, done)
	assert.Equal(t, Closed, m.State())
}

func TestRespond(t *testing.T) {
	eng := &fakeEngine{}
	m := New(testConfig(t), Parts{
		Producer:  &fakeProducer{},
		Engine:    eng,
		Processor: &counter{},
		Consumer:  &counter{},
		Log:       zap.NewNop(),
	})
	assert.Equal(t, "configuring", m.Respond("state"))
	assert.Equal(t, helpText, m.Respond("help"))
	assert.Equal(t, "unknown command: jump", m.Respond("jump now"))
	assert.Equal(t, "unknown command", m.Respond("  "))

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal([]byte(m.Respond("get_config")), &snapshot))
	assert.Equal(t, "test", snapshot["name"])
	assert.Equal(t, "COCO", snapshot["model_name"])

	assert.Equal(t, "bye", m.Respond("quit"))
	assert.Eventually(t, func() bool { return eng.stops.Load() == 1 }, time.Second, time.Millisecond)
}

type readResult struct {
	payload []byte
	ok      bool
}

// readWithin returns the next payload on in, or false if nothing arrives
// within d. The port is interrupted on timeout.
func readWithin(in port.InPort, d time.Duration) ([]byte, bool) {
	ch := make(chan readResult, 1)
	go func() {
		p, ok := in.Read()
		ch <- readResult{p, ok}
	}()
	select {
	case r := <-ch:
		return r.payload, r.ok
	case <-time.After(d):
		in.Interrupt()
		r := <-ch
		return r.payload, r.ok
	}
}

func rgbImage(t *testing.T) []byte {
	t.Helper()
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 2, 3, 0), 24, 32, gocv.MatTypeCV8UC3)
	defer mat.Close()
	payload, err := port.EncodeImage(mat)
	require.NoError(t, err)
	return payload
}

func TestConfigureEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "passthrough"
	cfg.ImgResolution = "16x12"

	net := port.NewLocalNetwork(8)
	images, _ := net.OpenIn(cfg.ImageOutPort())
	targets, _ := net.OpenIn(cfg.TargetPort())
	replies, _ := net.OpenIn(cfg.RPCOutPort())

	m, err := Configure(cfg, net, zap.NewNop())
	require.NoError(t, err)
	done := runAsync(m)

	feed, _ := net.OpenOut(cfg.ImageInPort())
	rpc, _ := net.OpenOut(cfg.RPCInPort())
	require.NoError(t, feed.Write(rgbImage(t)))
	require.NoError(t, feed.Write(rgbImage(t)))

	for i := 0; i < 2; i++ {
		payload, ok := images.Read()
		require.True(t, ok)
		rgb, err := port.DecodeImage(payload)
		require.NoError(t, err)
		assert.Equal(t, 16, rgb.Cols())
		assert.Equal(t, 12, rgb.Rows())
		_ = rgb.Close()
	}

	require.NoError(t, rpc.Write([]byte("quit")))
	reply, ok := replies.Read()
	require.True(t, ok)
	assert.Equal(t, "bye", string(reply))
	waitRun(t, done)

	_, ok = readWithin(targets, 50*time.Millisecond)
	assert.False(t, ok, "passthrough reports no persons")
}

func TestConfigureFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "tensorrt"
	_, err := Configure(cfg, port.NewLocalNetwork(1), zap.NewNop())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.NetResolution = "abc"
	_, err = Configure(cfg, port.NewLocalNetwork(1), zap.NewNop())
	assert.ErrorIs(t, err, config.ErrResolution)

	net := port.NewLocalNetwork(1)
	require.NoError(t, net.Close())
	_, err = Configure(testConfig(t), net, zap.NewNop())
	assert.ErrorIs(t, err, port.ErrClosed)
}

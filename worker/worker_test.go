package worker

import (
	iface "PoseBridge/interface"
	"PoseBridge/port"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gocv.io/x/gocv"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
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

func rgbPayload(t *testing.T, w, h int, r, g, b float64) []byte {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(r, g, b, 0), h, w, gocv.MatTypeCV8UC3)
	defer m.Close()
	payload, err := port.EncodeImage(m)
	require.NoError(t, err)
	return payload
}

func cocoPerson() iface.Person {
	p := iface.Person{Keypoints: make([]iface.Keypoint, 19)}
	for i := range p.Keypoints {
		p.Keypoints[i] = iface.Keypoint{Part: i, X: float64(i), Y: float64(2 * i), Confidence: 0.5}
	}
	return p
}

func TestFrameSource(t *testing.T) {
	net := port.NewLocalNetwork(4)
	in, err := net.OpenIn("/m/image:i")
	require.NoError(t, err)
	out, _ := net.OpenOut("/m/image:i")

	log, logs := observed()
	src := NewFrameSource(in, log)

	require.NoError(t, out.Write(rgbPayload(t, 6, 4, 10, 20, 30)))
	require.NoError(t, out.Write(rgbPayload(t, 6, 4, 10, 20, 30)))
	require.NoError(t, out.Write(nil))
	require.NoError(t, out.Write(rgbPayload(t, 6, 4, 10, 20, 30)))

	for seq := uint64(1); seq <= 2; seq++ {
		f, ok := src.Produce()
		require.True(t, ok)
		assert.Equal(t, seq, f.Seq)
		assert.Equal(t, 6, f.Width())
		assert.Equal(t, 4, f.Height())
		px := f.Mat.GetVecbAt(0, 0)
		assert.Equal(t, []uint8{30, 20, 10}, []uint8{px[0], px[1], px[2]}, "frames are BGR")
		require.NoError(t, f.Close())
	}

	_, ok := src.Produce()
	assert.False(t, ok)
	assert.True(t, src.Finished())
	_, ok = src.Produce()
	assert.False(t, ok, "stream stays finished")
	assert.Equal(t, 1, logs.FilterMessage("empty frame detected").Len())

	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())
}

func TestFrameSourceInterrupt(t *testing.T) {
	net := port.NewLocalNetwork(1)
	in, _ := net.OpenIn("/m/image:i")
	log, logs := observed()
	src := NewFrameSource(in, log)

	done := make(chan bool)
	go func() {
		_, ok := src.Produce()
		done <- ok
	}()
	src.Interrupt()
	assert.False(t, <-done)
	assert.True(t, src.Finished())
	assert.Equal(t, 0, logs.FilterMessage("empty frame detected").Len(), "an interrupted read is not an empty frame")
	assert.Equal(t, 0, logs.FilterMessage("image port closed").Len())
}

func TestFrameSourcePortClosed(t *testing.T) {
	net := port.NewLocalNetwork(1)
	in, _ := net.OpenIn("/m/image:i")
	log, logs := observed()
	src := NewFrameSource(in, log)

	require.NoError(t, net.Close())
	_, ok := src.Produce()
	assert.False(t, ok)
	assert.Equal(t, 0, logs.FilterMessage("empty frame detected").Len())
	assert.Equal(t, 1, logs.FilterMessage("image port closed").Len())
}

func TestResultPublisher(t *testing.T) {
	net := port.NewLocalNetwork(4)
	tap, _ := net.OpenIn("/m/target:o")
	out, _ := net.OpenOut("/m/target:o")
	pub := NewResultPublisher(out, iface.COCO18, zap.NewNop())

	pub.Process(&iface.DetectionBatch{People: []iface.Person{cocoPerson(), cocoPerson()}})
	payload, ok := tap.Read()
	require.True(t, ok)

	msg, err := port.DecodeTarget(payload)
	require.NoError(t, err)
	require.Len(t, msg, 2)
	table := iface.BodyParts(iface.COCO18)
	for _, records := range msg {
		require.Len(t, records, 19)
		for i, r := range records {
			assert.Equal(t, table.Name(i), r.Name)
			assert.InDelta(t, float64(i), r.X, 1e-9)
			assert.InDelta(t, float64(2*i), r.Y, 1e-9)
		}
	}
	assert.Equal(t, uint64(1), pub.Published())
}

func TestResultPublisherSkipsEmptyBatch(t *testing.T) {
	net := port.NewLocalNetwork(4)
	tap, _ := net.OpenIn("/m/target:o")
	control, _ := net.OpenIn("/m/target:o")
	out, _ := net.OpenOut("/m/target:o")
	pub := NewResultPublisher(out, iface.COCO18, zap.NewNop())

	pub.Process(nil)
	pub.Process(&iface.DetectionBatch{})
	assert.Equal(t, uint64(0), pub.Published())

	_, ok := readWithin(tap, 50*time.Millisecond)
	assert.False(t, ok, "nothing is written for an empty batch")

	pub.Process(&iface.DetectionBatch{People: []iface.Person{cocoPerson()}})
	_, ok = readWithin(control, time.Second)
	assert.True(t, ok, "the same tap setup sees a non-empty batch")
}

func TestRecordsPanicsOutOfRange(t *testing.T) {
	p := iface.Person{Keypoints: []iface.Keypoint{{Part: 16}}}
	assert.Panics(t, func() { Records([]iface.Person{p}, iface.BodyParts(iface.MPI15)) })
}

func TestAnnotatedFramePublisher(t *testing.T) {
	net := port.NewLocalNetwork(4)
	tap, _ := net.OpenIn("/m/image:o")
	out, _ := net.OpenOut("/m/image:o")
	log, logs := observed()
	pub := NewAnnotatedFramePublisher(out, log)
	defer pub.Close()

	frame := &iface.Frame{Mat: gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 20, 10, 0), 4, 6, gocv.MatTypeCV8UC3)}
	batch := &iface.DetectionBatch{Output: frame}
	defer batch.Close()

	pub.Consume(batch)
	payload, ok := tap.Read()
	require.True(t, ok)
	rgb, err := port.DecodeImage(payload)
	require.NoError(t, err)
	defer rgb.Close()
	px := rgb.GetVecbAt(0, 0)
	assert.Equal(t, []uint8{10, 20, 30}, []uint8{px[0], px[1], px[2]}, "wire images are RGB")
	assert.Equal(t, uint64(1), pub.Published())
	assert.Equal(t, 0, logs.Len())
}

func TestAnnotatedFramePublisherAbsentFrame(t *testing.T) {
	net := port.NewLocalNetwork(4)
	out, _ := net.OpenOut("/m/image:o")
	log, logs := observed()
	pub := NewAnnotatedFramePublisher(out, log)
	defer pub.Close()

	pub.Consume(nil)
	pub.Consume(&iface.DetectionBatch{People: []iface.Person{cocoPerson()}})
	assert.Equal(t, 2, logs.FilterMessage("nullptr or empty batch").Len())
	assert.Equal(t, uint64(0), pub.Published())
}

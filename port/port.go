package port

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("port closed")

// InPort delivers payloads written to a named port.
type InPort interface {
	Name() string
	// Read blocks until a payload arrives; false once the port is
	// interrupted or closed.
	Read() ([]byte, bool)
	// Interrupt unblocks pending and future reads without releasing the port.
	Interrupt()
	Close() error
}

type OutPort interface {
	Name() string
	Write(payload []byte) error
	Close() error
}

// Network opens named ports on a messaging transport.
type Network interface {
	// Check reports whether the transport is reachable.
	Check(ctx context.Context) error
	OpenIn(name string) (InPort, error)
	OpenOut(name string) (OutPort, error)
	Close() error
}

// inbox is a bounded queue that drops the oldest payload when full, so a
// slow reader always sees the most recent data.
type inbox struct {
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped uint64
}

func newInbox(size int) *inbox {
	if size < 1 {
		size = 1
	}
	return &inbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

func (b *inbox) push(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case <-b.done:
			return
		case b.ch <- p:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped++
		default:
		}
	}
}

func (b *inbox) read() ([]byte, bool) {
	select {
	case <-b.done:
		return nil, false
	default:
	}
	select {
	case p := <-b.ch:
		return p, true
	case <-b.done:
		return nil, false
	}
}

func (b *inbox) interrupt() {
	b.once.Do(func() { close(b.done) })
}

func (b *inbox) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// fanout hands every payload for a name to each inbox open on it.
type fanout struct {
	mu      sync.Mutex
	readers map[string][]*inbox
}

func newFanout() *fanout {
	return &fanout{readers: make(map[string][]*inbox)}
}

func (f *fanout) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readers[name])
}

func (f *fanout) add(name string, b *inbox) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readers[name] = append(f.readers[name], b)
}

// remove returns the number of readers left on name.
func (f *fanout) remove(name string, b *inbox) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.readers[name]
	for i, r := range list {
		if r == b {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(f.readers, name)
		return 0
	}
	f.readers[name] = list
	return len(list)
}

func (f *fanout) deliver(name string, payload []byte) {
	f.mu.Lock()
	list := append([]*inbox(nil), f.readers[name]...)
	f.mu.Unlock()
	for _, b := range list {
		b.push(append([]byte(nil), payload...))
	}
}

// reset interrupts and forgets every reader.
func (f *fanout) reset() {
	f.mu.Lock()
	readers := f.readers
	f.readers = make(map[string][]*inbox)
	f.mu.Unlock()
	for _, list := range readers {
		for _, b := range list {
			b.interrupt()
		}
	}
}

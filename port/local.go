package port

import (
	"context"
	"sync"
)

// LocalNetwork routes ports inside the process. Writers fan out to every
// reader currently open on the same name.
type LocalNetwork struct {
	mu        sync.Mutex
	readers   *fanout
	queueSize int
	closed    bool
}

func NewLocalNetwork(queueSize int) *LocalNetwork {
	return &LocalNetwork{
		readers:   newFanout(),
		queueSize: queueSize,
	}
}

func (n *LocalNetwork) Check(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (n *LocalNetwork) OpenIn(name string) (InPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	p := &localIn{name: name, net: n, box: newInbox(n.queueSize)}
	n.readers.add(name, p.box)
	return p, nil
}

func (n *LocalNetwork) OpenOut(name string) (OutPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	return &localOut{name: name, net: n}, nil
}

func (n *LocalNetwork) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.readers.reset()
	return nil
}

type localIn struct {
	name string
	net  *LocalNetwork
	box  *inbox
	once sync.Once
}

func (p *localIn) Name() string         { return p.name }
func (p *localIn) Read() ([]byte, bool) { return p.box.read() }
func (p *localIn) Interrupt()           { p.box.interrupt() }
func (p *localIn) Dropped() uint64      { return p.box.Dropped() }

func (p *localIn) Close() error {
	p.once.Do(func() {
		p.box.interrupt()
		p.net.readers.remove(p.name, p.box)
	})
	return nil
}

type localOut struct {
	name   string
	net    *LocalNetwork
	mu     sync.Mutex
	closed bool
}

func (p *localOut) Name() string { return p.name }

func (p *localOut) Write(payload []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	p.net.readers.deliver(p.name, payload)
	return nil
}

func (p *localOut) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

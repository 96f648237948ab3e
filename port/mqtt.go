package port

import (
	"PoseBridge/logger"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	quiesceMillis  = 250
)

type MQTTConfig struct {
	Broker    string
	ClientID  string
	QueueSize int
	QoS       byte
	Log       *zap.Logger
}

// MQTTNetwork maps every port name onto a topic of the same name. Each topic
// is subscribed once and fanned out to every reader open on it.
type MQTTNetwork struct {
	cfg     MQTTConfig
	client  mqtt.Client
	log     *zap.Logger
	readers *fanout
	// subMu serializes subscribe and unsubscribe calls
	subMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func NewMQTTNetwork(cfg MQTTConfig) *MQTTNetwork {
	n := &MQTTNetwork{
		cfg:       cfg,
		log:       logger.Or(cfg.Log),
		readers:   newFanout(),
		published: make(map[string]uint64),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)
	opts.OnConnect = func(c mqtt.Client) {
		n.setConnected(true)
		n.log.Info("transport connection established", zap.String("broker", cfg.Broker), zap.String("client_id", cfg.ClientID))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		n.setConnected(false)
		n.log.Warn("transport connection lost, will auto-reconnect", zap.String("broker", cfg.Broker), zap.Error(err))
	}
	n.client = mqtt.NewClient(opts)
	return n
}

// Check connects to the broker; an unreachable broker is a startup failure.
func (n *MQTTNetwork) Check(ctx context.Context) error {
	if n.client.IsConnected() {
		return nil
	}
	token := n.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("transport connection to %s timed out", n.cfg.Broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport connection to %s failed: %w", n.cfg.Broker, err)
	}
	n.setConnected(true)
	return nil
}

func (n *MQTTNetwork) OpenIn(name string) (InPort, error) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	if n.readers.count(name) == 0 {
		token := n.client.Subscribe(name, n.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			n.readers.deliver(name, msg.Payload())
		})
		if !token.WaitTimeout(connectTimeout) {
			return nil, fmt.Errorf("subscribe %s: timeout", name)
		}
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	p := &mqttIn{name: name, net: n, box: newInbox(n.cfg.QueueSize)}
	n.readers.add(name, p.box)
	n.log.Info("port opened", zap.String("port", name), zap.String("direction", "in"))
	return p, nil
}

// release drops one reader and unsubscribes the topic with the last one.
func (n *MQTTNetwork) release(p *mqttIn) error {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	if n.readers.remove(p.name, p.box) > 0 || !n.client.IsConnected() {
		return nil
	}
	token := n.client.Unsubscribe(p.name)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", p.name)
	}
	return token.Error()
}

func (n *MQTTNetwork) OpenOut(name string) (OutPort, error) {
	n.log.Info("port opened", zap.String("port", name), zap.String("direction", "out"))
	return &mqttOut{name: name, net: n}, nil
}

func (n *MQTTNetwork) Close() error {
	if n.client.IsConnected() {
		n.client.Disconnect(quiesceMillis)
		n.log.Info("transport disconnected")
	}
	n.setConnected(false)
	n.readers.reset()
	return nil
}

type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (n *MQTTNetwork) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	published := make(map[string]uint64, len(n.published))
	for k, v := range n.published {
		published[k] = v
	}
	return Stats{Connected: n.connected, Published: published, Errors: n.errors}
}

func (n *MQTTNetwork) publish(topic string, payload []byte) error {
	if !n.isConnected() {
		n.countError()
		return errors.New("transport not connected")
	}
	token := n.client.Publish(topic, n.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		n.countError()
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		n.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	n.mu.Lock()
	n.published[topic]++
	n.mu.Unlock()
	return nil
}

func (n *MQTTNetwork) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *MQTTNetwork) isConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

func (n *MQTTNetwork) countError() {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
}

type mqttIn struct {
	name string
	net  *MQTTNetwork
	box  *inbox
	once sync.Once
}

func (p *mqttIn) Name() string         { return p.name }
func (p *mqttIn) Read() ([]byte, bool) { return p.box.read() }
func (p *mqttIn) Interrupt()           { p.box.interrupt() }

func (p *mqttIn) Close() error {
	var err error
	p.once.Do(func() {
		p.box.interrupt()
		err = p.net.release(p)
	})
	return err
}

type mqttOut struct {
	name   string
	net    *MQTTNetwork
	mu     sync.Mutex
	closed bool
}

func (p *mqttOut) Name() string { return p.name }

func (p *mqttOut) Write(payload []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.net.publish(p.name, payload)
}

func (p *mqttOut) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

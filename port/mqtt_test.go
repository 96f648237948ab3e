package port

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeBroker keeps one handler per topic, like a paho client does.
type fakeBroker struct {
	mqtt.Client
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	subscribes   int
	unsubscribes int
}

func (c *fakeBroker) IsConnected() bool { return true }
func (c *fakeBroker) Disconnect(uint)   {}

func (c *fakeBroker) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	c.subscribes++
	return doneToken{}
}

func (c *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	c.unsubscribes++
	return doneToken{}
}

func (c *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h != nil {
		h(c, fakeMessage{topic: topic, payload: payload.([]byte)})
	}
	return doneToken{}
}

func (c *fakeBroker) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes, c.unsubscribes
}

func brokerNetwork(queueSize int) (*MQTTNetwork, *fakeBroker) {
	broker := &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
	n := NewMQTTNetwork(MQTTConfig{Broker: "tcp://127.0.0.1:1883", ClientID: "test", QueueSize: queueSize, Log: zap.NewNop()})
	n.client = broker
	n.setConnected(true)
	return n, broker
}

func TestMQTTReadersShareTopic(t *testing.T) {
	n, broker := brokerNetwork(4)
	first, err := n.OpenIn("/m/target:o")
	require.NoError(t, err)
	second, err := n.OpenIn("/m/target:o")
	require.NoError(t, err)
	out, err := n.OpenOut("/m/target:o")
	require.NoError(t, err)

	subs, _ := broker.counts()
	assert.Equal(t, 1, subs, "one subscription per topic")

	require.NoError(t, out.Write([]byte("a")))
	for _, in := range []InPort{first, second} {
		got, ok := in.Read()
		require.True(t, ok)
		assert.Equal(t, []byte("a"), got)
	}

	require.NoError(t, first.Close())
	_, unsubs := broker.counts()
	assert.Equal(t, 0, unsubs, "the topic stays subscribed while a reader remains")
	_, ok := first.Read()
	assert.False(t, ok)

	require.NoError(t, out.Write([]byte("b")))
	got, ok := second.Read()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), got)

	require.NoError(t, second.Close())
	_, unsubs = broker.counts()
	assert.Equal(t, 1, unsubs)

	third, err := n.OpenIn("/m/target:o")
	require.NoError(t, err)
	subs, _ = broker.counts()
	assert.Equal(t, 2, subs)
	assert.Equal(t, uint64(2), n.Stats().Published["/m/target:o"])

	require.NoError(t, n.Close())
	_, ok = third.Read()
	assert.False(t, ok, "closing the network releases readers")
}

func TestMQTTReadersGetOwnCopies(t *testing.T) {
	n, _ := brokerNetwork(1)
	first, _ := n.OpenIn("/m/image:o")
	second, _ := n.OpenIn("/m/image:o")
	out, _ := n.OpenOut("/m/image:o")

	require.NoError(t, out.Write([]byte("xy")))
	a, _ := first.Read()
	b, _ := second.Read()
	a[0] = 'z'
	assert.Equal(t, []byte("xy"), b)
}

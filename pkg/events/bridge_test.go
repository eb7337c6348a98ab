package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeMQTT records subscriptions and lets tests fire handlers directly.
type fakeMQTT struct {
	mu           sync.Mutex
	connected    bool
	subscribeErr error
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeMQTT) IsConnected() bool      { return f.connected }
func (f *fakeMQTT) IsConnectionOpen() bool { return f.connected }
func (f *fakeMQTT) Connect() mqtt.Token    { return &fakeToken{} }
func (f *fakeMQTT) Disconnect(uint)        {}

func (f *fakeMQTT) Publish(string, byte, bool, interface{}) mqtt.Token { return &fakeToken{} }

func (f *fakeMQTT) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return &fakeToken{err: f.subscribeErr}
	}
	f.handlers[topic] = callback
	return &fakeToken{}
}

func (f *fakeMQTT) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (f *fakeMQTT) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
		f.unsubscribed = append(f.unsubscribed, t)
	}
	return &fakeToken{}
}

func (f *fakeMQTT) AddRoute(string, mqtt.MessageHandler)    {}
func (f *fakeMQTT) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver fires the registered handler for topic from the caller's goroutine,
// like the real client does from its network loop.
func (f *fakeMQTT) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()

	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	require.True(t, ok, "no handler registered for %s", topic)

	h(f, &fakeMessage{topic: topic, payload: payload})
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestBridgeWatchForwardsEvents(t *testing.T) {
	client := newFakeMQTT()
	stream := NewStream(0, testLogger())
	b := NewBridge(client, stream, "starbridge", testLogger())
	defer b.Close()

	require.NoError(t, b.Watch("telescope_1"))
	client.deliver(t, "starbridge/telescope_1/events", []byte(`{"Event": "MountEvent", "tracking": true}`))

	require.Eventually(t, func() bool {
		return len(stream.Events("telescope_1", time.Time{}, nil, 0).Events) == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap := stream.Events("telescope_1", time.Time{}, nil, 0)
	assert.Equal(t, "MountEvent", snap.Events[0].Type)
	assert.Equal(t, true, snap.Events[0].Payload["tracking"])
}

func TestBridgeWatchRequiresConnection(t *testing.T) {
	client := newFakeMQTT()
	client.connected = false

	b := NewBridge(client, NewStream(0, testLogger()), "starbridge", testLogger())
	defer b.Close()

	assert.Error(t, b.Watch("telescope_1"))
}

func TestBridgeWatchIdempotent(t *testing.T) {
	client := newFakeMQTT()
	b := NewBridge(client, NewStream(0, testLogger()), "starbridge", testLogger())
	defer b.Close()

	require.NoError(t, b.Watch("telescope_1"))
	require.NoError(t, b.Watch("telescope_1"))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.handlers, 1)
}

func TestBridgeWatchSubscribeFailure(t *testing.T) {
	client := newFakeMQTT()
	client.subscribeErr = fmt.Errorf("broker rejected")

	b := NewBridge(client, NewStream(0, testLogger()), "starbridge", testLogger())
	defer b.Close()

	require.Error(t, b.Watch("telescope_1"))

	// The failed watch left no tracking behind: a retry subscribes again.
	client.subscribeErr = nil
	require.NoError(t, b.Watch("telescope_1"))
}

func TestBridgeUnwatch(t *testing.T) {
	client := newFakeMQTT()
	b := NewBridge(client, NewStream(0, testLogger()), "starbridge", testLogger())
	defer b.Close()

	require.NoError(t, b.Watch("telescope_1"))
	b.Unwatch("telescope_1")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"starbridge/telescope_1/events"}, client.unsubscribed)
	assert.Empty(t, client.handlers)
}

func TestBridgeUnwatchUnknownIsNoop(t *testing.T) {
	client := newFakeMQTT()
	b := NewBridge(client, NewStream(0, testLogger()), "starbridge", testLogger())
	defer b.Close()

	b.Unwatch("telescope_9")
	assert.Empty(t, client.unsubscribed)
}

func TestBridgeDropsMalformedPayload(t *testing.T) {
	client := newFakeMQTT()
	stream := NewStream(0, testLogger())
	b := NewBridge(client, stream, "starbridge", testLogger())
	defer b.Close()

	require.NoError(t, b.Watch("telescope_1"))
	client.deliver(t, "starbridge/telescope_1/events", []byte(`{broken`))
	client.deliver(t, "starbridge/telescope_1/events", []byte(`{"Event": "PiStatus"}`))

	require.Eventually(t, func() bool {
		return len(stream.Events("telescope_1", time.Time{}, nil, 0).Events) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBridgeCloseFlushesQueue(t *testing.T) {
	client := newFakeMQTT()
	stream := NewStream(0, testLogger())
	b := NewBridge(client, stream, "starbridge", testLogger())

	require.NoError(t, b.Watch("telescope_1"))
	for i := 0; i < 20; i++ {
		client.deliver(t, "starbridge/telescope_1/events", []byte(`{"Event": "Stack"}`))
	}

	b.Close()

	// Close unsubscribed everything and drained the queue.
	assert.Len(t, stream.Events("telescope_1", time.Time{}, nil, 0).Events, 20)
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.handlers)
}

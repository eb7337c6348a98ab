package events

import (
	"encoding/json"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const bridgeQueueSize = 256

type bridgeMsg struct {
	deviceID string
	payload  map[string]any
}

// Bridge adapts a synchronous, callback-driven event source into the stream.
// MQTT message handlers run on the client's own goroutines; they enqueue into
// a bounded channel and a single drain goroutine forwards into the Stream, so
// producer callbacks never touch shared stream state directly.
type Bridge struct {
	client mqtt.Client
	stream *Stream
	root   string
	logger log.FieldLogger

	ch   chan bridgeMsg
	quit chan struct{}
	done chan struct{}

	mu     sync.Mutex
	topics map[string]string // deviceID -> subscribed topic
}

// NewBridge builds a bridge over a connected MQTT client and starts its
// drain goroutine. root is the topic prefix; per-device events arrive on
// "<root>/<deviceID>/events".
func NewBridge(client mqtt.Client, stream *Stream, root string, logger log.FieldLogger) *Bridge {
	b := &Bridge{
		client: client,
		stream: stream,
		root:   root,
		logger: logger,
		ch:     make(chan bridgeMsg, bridgeQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		topics: make(map[string]string),
	}

	go b.drain()
	return b
}

// Watch subscribes to a device's event topic.
func (b *Bridge) Watch(deviceID string) error {
	if !b.client.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	topic := b.root + "/" + deviceID + "/events"

	b.mu.Lock()
	if _, ok := b.topics[deviceID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.topics[deviceID] = topic
	b.mu.Unlock()

	handler := func(client mqtt.Client, msg mqtt.Message) {
		var payload map[string]any
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			b.logger.Debugf("Dropping unparseable MQTT event on %s: %v", msg.Topic(), err)
			return
		}

		// Non-blocking handoff: a full queue drops the event rather than
		// stalling the client's callback goroutine.
		select {
		case b.ch <- bridgeMsg{deviceID: deviceID, payload: payload}:
		default:
			b.logger.Warnf("Bridge queue full, dropping event for %s", deviceID)
		}
	}

	if token := b.client.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
		b.mu.Lock()
		delete(b.topics, deviceID)
		b.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %v", topic, token.Error())
	}

	b.logger.Infof("Watching MQTT events for %s on %s", deviceID, topic)
	return nil
}

// Unwatch unsubscribes from a device's event topic.
func (b *Bridge) Unwatch(deviceID string) {
	b.mu.Lock()
	topic, ok := b.topics[deviceID]
	if ok {
		delete(b.topics, deviceID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	if token := b.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		b.logger.Warnf("Failed to unsubscribe from %s: %v", topic, token.Error())
	}
}

// Close unsubscribes everything and stops the drain goroutine after the
// queued events have been forwarded.
func (b *Bridge) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.topics))
	for id := range b.topics {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Unwatch(id)
	}

	close(b.quit)
	<-b.done
}

func (b *Bridge) drain() {
	defer close(b.done)

	for {
		select {
		case m := <-b.ch:
			b.stream.AddEvent(m.deviceID, m.payload)
		case <-b.quit:
			// Flush whatever is already queued.
			for {
				select {
				case m := <-b.ch:
					b.stream.AddEvent(m.deviceID, m.payload)
				default:
					return
				}
			}
		}
	}
}

// Package events is the telemetry pipeline: a per-device ring buffer with
// live subscriber fan-out, fed by the SSE consumer and the MQTT bridge.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// EventTypes catalogs the telemetry tags the remote feed is known to emit.
// The tag field is free-form; this map is documentation for callers, not a
// filter.
var EventTypes = map[string]string{
	"PiStatus":      "System status updates (battery, temperature)",
	"GotoComplete":  "Telescope movement completed",
	"BalanceSensor": "Balance sensor updates",
	"EqModePA":      "Polar alignment status",
	"Stack":         "Image stacking progress",
	"ViewChanged":   "View state changes",
	"MountEvent":    "Mount status changes",
}

// Event is one telemetry notification. Immutable once stored.
type Event struct {
	DeviceID  string         `json:"device_id"`
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"data"`
}

// Subscriber receives live events on a bounded channel. Delivery is
// best-effort: a full channel drops the event for this subscriber only.
type Subscriber struct {
	id uuid.UUID
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// C is the subscriber's receive channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Snapshot is the historical view returned by Events.
type Snapshot struct {
	DeviceID       string         `json:"device_id"`
	Status         string         `json:"status"`
	Events         []Event        `json:"events"`
	BufferSize     int            `json:"buffer_size"`
	AvailableTypes []string       `json:"available_types,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Stream manages per-device event history and live fan-out. One lock keeps
// ring-buffer append and subscriber delivery atomic relative to concurrent
// subscribe/unsubscribe.
type Stream struct {
	mu        sync.Mutex
	buffers   map[string][]Event
	subs      map[string]map[uuid.UUID]*Subscriber
	meta      map[string]map[string]any
	capacity  int
	queueSize int
	journal   *Journal
	logger    log.FieldLogger
}

const (
	defaultCapacity  = 100
	defaultQueueSize = 100
)

// NewStream builds a stream manager. capacity <= 0 selects the default ring
// size of 100 events per device.
func NewStream(capacity int, logger log.FieldLogger) *Stream {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	return &Stream{
		buffers:   make(map[string][]Event),
		subs:      make(map[string]map[uuid.UUID]*Subscriber),
		meta:      make(map[string]map[string]any),
		capacity:  capacity,
		queueSize: defaultQueueSize,
		logger:    logger,
	}
}

// AttachJournal enables durable write-through of every event. Journal
// failures are logged and never block the pipeline.
func (s *Stream) AttachJournal(j *Journal) {
	s.mu.Lock()
	s.journal = j
	s.mu.Unlock()
}

// AddEvent appends a payload to the device's ring buffer and fans it out to
// live subscribers. Insertion order is arrival order; beyond capacity the
// oldest event is evicted silently.
func (s *Stream) AddEvent(deviceID string, payload map[string]any) {
	eventType := "Unknown"
	if t, ok := payload["Event"].(string); ok && t != "" {
		eventType = t
	}

	e := Event{
		DeviceID:  deviceID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	s.mu.Lock()

	buf := s.buffers[deviceID]
	if len(buf) == s.capacity {
		copy(buf, buf[1:])
		buf[len(buf)-1] = e
	} else {
		buf = append(buf, e)
	}
	s.buffers[deviceID] = buf

	journal := s.journal

	for id, sub := range s.subs[deviceID] {
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			delete(s.subs[deviceID], id)
			continue
		}

		select {
		case sub.ch <- e:
		default:
			s.logger.Warnf("Subscriber queue full for device %s, dropping %s event", deviceID, e.Type)
		}
	}

	s.mu.Unlock()

	if journal != nil {
		if err := journal.Append(e); err != nil {
			s.logger.Warnf("Event journal write failed for %s: %v", deviceID, err)
		}
	}

	s.logger.Debugf("Added %s event for %s", e.Type, deviceID)
}

// Events returns a filtered snapshot of the device's buffered history.
// since bounds events to those after the given time, types filters by tag,
// and limit keeps only the most recent n.
func (s *Stream) Events(deviceID string, since time.Time, types []string, limit int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[deviceID]
	if !ok {
		return Snapshot{
			DeviceID: deviceID,
			Status:   "no_events",
			Events:   []Event{},
			Metadata: s.meta[deviceID],
		}
	}

	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	available := make(map[string]struct{})
	events := make([]Event, 0, len(buf))
	for _, e := range buf {
		available[e.Type] = struct{}{}
		if !since.IsZero() && !e.Timestamp.After(since) {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[e.Type]; !ok {
				continue
			}
		}
		events = append(events, e)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	availableTypes := make([]string, 0, len(available))
	for t := range available {
		availableTypes = append(availableTypes, t)
	}

	return Snapshot{
		DeviceID:       deviceID,
		Status:         "active",
		Events:         events,
		BufferSize:     len(buf),
		AvailableTypes: availableTypes,
		Metadata:       s.meta[deviceID],
	}
}

// Subscribe registers a live subscriber for a device's events.
func (s *Stream) Subscribe(deviceID string) *Subscriber {
	sub := &Subscriber{
		id: uuid.New(),
		ch: make(chan Event, s.queueSize),
	}

	s.mu.Lock()
	if s.subs[deviceID] == nil {
		s.subs[deviceID] = make(map[uuid.UUID]*Subscriber)
	}
	s.subs[deviceID][sub.id] = sub
	s.mu.Unlock()

	s.logger.Infof("New event subscriber for device %s", deviceID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (s *Stream) Unsubscribe(deviceID string, sub *Subscriber) {
	if sub == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub.mu.Lock()
	alreadyClosed := sub.closed
	sub.closed = true
	sub.mu.Unlock()

	if set, ok := s.subs[deviceID]; ok {
		delete(set, sub.id)
	}
	if !alreadyClosed {
		close(sub.ch)
		s.logger.Infof("Removed event subscriber for device %s", deviceID)
	}
}

// SetMetadata attaches descriptive metadata to a device's stream.
func (s *Stream) SetMetadata(deviceID string, meta map[string]any) {
	s.mu.Lock()
	s.meta[deviceID] = meta
	s.mu.Unlock()
}

// Clear drops the device's buffered history. Subscribers are unaffected.
func (s *Stream) Clear(deviceID string) {
	s.mu.Lock()
	delete(s.buffers, deviceID)
	s.mu.Unlock()

	s.logger.Infof("Cleared events for device %s", deviceID)
}

package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// The remote feed wraps each JSON payload in an HTML envelope:
// <pre>2025-08-01 10:06:55.8: {"Event": "PiStatus", ...}</pre>
var preEnvelope = regexp.MustCompile(`<pre>[^{]*(\{.*\})</pre>`)

const reconnectDelay = 5 * time.Second

// SSEConsumer runs one long-lived goroutine per device, ingesting the
// device's Server-Sent-Events feed and forwarding parsed events into the
// stream. The remote is a long-lived peer: on any transport failure the
// consumer reconnects after a fixed delay, forever, until stopped.
type SSEConsumer struct {
	stream *Stream
	client *http.Client
	logger log.FieldLogger

	mu    sync.Mutex
	tasks map[string]*consumerTask

	// Overridable in tests.
	retryDelay time.Duration
}

type consumerTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSSEConsumer builds a consumer feeding the given stream.
func NewSSEConsumer(stream *Stream, logger log.FieldLogger) *SSEConsumer {
	return &SSEConsumer{
		stream: stream,
		// No client timeout: the stream is intentionally unbounded.
		client:     &http.Client{},
		logger:     logger,
		tasks:      make(map[string]*consumerTask),
		retryDelay: reconnectDelay,
	}
}

// Start launches the consumer goroutine for a device. Starting an already
// consumed device is a no-op.
func (c *SSEConsumer) Start(deviceID, host string, port, deviceNum int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tasks[deviceID]; ok {
		c.logger.Debugf("Already consuming events for %s", deviceID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &consumerTask{cancel: cancel, done: make(chan struct{})}
	c.tasks[deviceID] = task

	url := fmt.Sprintf("http://%s:%d/%d/events", host, port, deviceNum)
	go func() {
		defer close(task.done)
		c.consume(ctx, deviceID, url)
	}()

	c.logger.Infof("Started SSE consumer for %s (%s)", deviceID, url)
}

// Stop cancels the device's consumer and waits for the goroutine to exit.
// No events are forwarded after Stop returns.
func (c *SSEConsumer) Stop(deviceID string) {
	c.mu.Lock()
	task, ok := c.tasks[deviceID]
	if ok {
		delete(c.tasks, deviceID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	task.cancel()
	<-task.done
	c.logger.Infof("Stopped SSE consumer for %s", deviceID)
}

// StopAll stops every running consumer.
func (c *SSEConsumer) StopAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Stop(id)
	}
}

// consume is the per-device state machine: connecting -> streaming ->
// (disconnected -> connecting)* until the context is cancelled.
func (c *SSEConsumer) consume(ctx context.Context, deviceID, url string) {
	for {
		if err := c.streamOnce(ctx, deviceID, url); err != nil {
			if ctx.Err() != nil {
				c.logger.Debugf("SSE consumer cancelled for %s", deviceID)
				return
			}
			c.logger.Errorf("SSE connection error for %s: %v", deviceID, err)
		}

		select {
		case <-ctx.Done():
			c.logger.Debugf("SSE consumer cancelled for %s", deviceID)
			return
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *SSEConsumer) streamOnce(ctx context.Context, deviceID, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	c.logger.Infof("SSE stream connected for %s", deviceID)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload, ok := c.parseEventData(line[len("data: "):])
		if !ok {
			continue
		}
		c.stream.AddEvent(deviceID, payload)
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by remote")
}

// parseEventData extracts the JSON payload from a data frame. Malformed
// input is dropped, never fatal to the stream.
func (c *SSEConsumer) parseEventData(data string) (map[string]any, bool) {
	jsonStr := data
	if m := preEnvelope.FindStringSubmatch(data); m != nil {
		jsonStr = m[1]
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		c.logger.Debugf("Dropping unparseable event data %.100q: %v", data, err)
		return nil, false
	}
	return payload, true
}

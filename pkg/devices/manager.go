package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"starbridge/pkg/alpaca"
)

// KnownDevice is a configured endpoint that does not answer UDP discovery.
type KnownDevice struct {
	Host string
	Port int
	Name string
}

// SimulatorDevice is a configured simulator endpoint probed by raw TCP.
type SimulatorDevice struct {
	Host string
	Port int
}

// Options is the configuration surface the core consumes. It is filled by an
// external config loader and passed in at construction.
type Options struct {
	DiscoveryTimeout time.Duration
	SkipUDP          bool
	KnownDevices     []KnownDevice
	Simulators       []SimulatorDevice
	DirectDevices    []string
	StaleAge         time.Duration
}

// ClientFactory builds the wire client for a resolved device. Swappable in
// tests.
type ClientFactory func(t alpaca.DeviceType, host string, port, number int) alpaca.Client

// Handle wraps a connected device: its descriptor plus the live client. The
// manager owns every handle; callers only borrow references.
type Handle struct {
	Descriptor  Descriptor
	Client      alpaca.Client
	ConnectedAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

// Touch records an access.
func (h *Handle) Touch() {
	h.mu.Lock()
	h.lastUsed = time.Now().UTC()
	h.mu.Unlock()
}

// LastUsed reports the time of the most recent access.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// Manager owns the available and connected device tables and guards
// exclusive connect/disconnect per device id.
type Manager struct {
	mu        sync.RWMutex // guards the two tables
	available map[string]Descriptor
	connected map[string]*Handle

	// Serializes the whole resolve-construct-register sequence: one connect
	// or disconnect in flight system-wide.
	connMu sync.Mutex

	opts      Options
	persist   *Persistence
	hooks     hooks
	newClient ClientFactory
	logger    log.FieldLogger

	// Construct-and-activate retry policy.
	connectAttempts uint64
	retryInitial    time.Duration
	retryMax        time.Duration
}

// NewManager builds a manager instance. One instance per process, passed by
// reference to every consumer.
func NewManager(opts Options, persist *Persistence, logger log.FieldLogger) *Manager {
	if opts.StaleAge <= 0 {
		opts.StaleAge = DefaultStaleAge
	}

	return &Manager{
		available: make(map[string]Descriptor),
		connected: make(map[string]*Handle),
		opts:      opts,
		persist:   persist,
		newClient: alpaca.NewClient,
		logger:    logger,

		connectAttempts: 3,
		retryInitial:    2 * time.Second,
		retryMax:        10 * time.Second,
	}
}

// OnDeviceConnected registers a callback fired after each successful connect.
func (m *Manager) OnDeviceConnected(fn ConnectedHook) {
	m.hooks.addConnected(fn)
}

// OnDeviceDisconnected registers a callback fired after each disconnect.
func (m *Manager) OnDeviceDisconnected(fn DisconnectedHook) {
	m.hooks.addDisconnected(fn)
}

// Connect resolves device_id, builds the typed client and activates it.
// Calling Connect on an already-connected id returns the existing handle
// without touching the device.
func (m *Manager) Connect(ctx context.Context, deviceID string) (*Handle, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if h := m.handle(deviceID); h != nil {
		m.logger.Infof("Device %s already connected", deviceID)
		return h, nil
	}

	desc, err := m.resolve(deviceID)
	if err != nil {
		return nil, err
	}

	devType, err := alpaca.ParseDeviceType(desc.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDevice, err)
	}

	m.logger.Infof("Connecting to %s", desc)
	client := m.newClient(devType, desc.Host, desc.Port, desc.Number)

	if err := m.activate(ctx, deviceID, client); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, deviceID, err)
	}

	now := time.Now().UTC()
	h := &Handle{
		Descriptor:  desc,
		Client:      client,
		ConnectedAt: now,
		lastUsed:    now,
	}

	m.mu.Lock()
	m.connected[desc.ID] = h
	if _, ok := m.available[desc.ID]; !ok {
		m.available[desc.ID] = desc
	}
	m.mu.Unlock()

	m.flushState()

	for _, err := range m.hooks.connected(desc.ID, desc) {
		m.logger.Errorf("on_device_connected callback failed for %s: %v", desc.ID, err)
	}

	m.logger.Infof("Connected to %s", desc.Name)
	return h, nil
}

// activate turns the Connected property on, retrying transient failures with
// exponential backoff. Resolution errors never reach this point, so every
// failure here is a connection failure.
func (m *Manager) activate(ctx context.Context, deviceID string, client alpaca.Client) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retryInitial
	bo.MaxInterval = m.retryMax

	attempt := 0
	op := func() error {
		attempt++
		if err := client.Connect(ctx); err != nil {
			m.logger.Warnf("Connect attempt %d for %s failed: %v", attempt, deviceID, err)
			return err
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, m.connectAttempts-1), ctx))
}

// Disconnect deactivates the client best-effort and unconditionally removes
// the device from the connected table. Disconnecting an unknown id is a
// no-op success.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	h := m.handle(deviceID)
	if h == nil {
		m.logger.Debugf("Device %s not connected, nothing to do", deviceID)
		return nil
	}

	m.logger.Infof("Disconnecting from %s", h.Descriptor.Name)

	if err := h.Client.Disconnect(ctx); err != nil {
		m.logger.Errorf("Error deactivating %s: %v", deviceID, err)
	}

	m.mu.Lock()
	delete(m.connected, deviceID)
	m.mu.Unlock()

	for _, err := range m.hooks.disconnected(deviceID, h.Descriptor) {
		m.logger.Errorf("on_device_disconnected callback failed for %s: %v", deviceID, err)
	}

	return nil
}

// Connected returns the handle for a connected device and records the
// access.
func (m *Manager) Connected(deviceID string) (*Handle, error) {
	h := m.handle(deviceID)
	if h == nil {
		return nil, notConnectedErr(deviceID)
	}

	h.Touch()
	return h, nil
}

// Shutdown disconnects every connected device.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.connected))
	for id := range m.connected {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Disconnect(ctx, id); err != nil {
			m.logger.Errorf("Error disconnecting %s: %v", id, err)
		}
	}

	m.logger.Info("Device manager shutdown complete")
}

// AvailableDevices returns a snapshot of the available table, ordered by id.
func (m *Manager) AvailableDevices() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devs := make([]Descriptor, 0, len(m.available))
	for _, d := range m.available {
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
	return devs
}

// ConnectedDevices returns a snapshot of the connected table, ordered by id.
func (m *Manager) ConnectedDevices() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	handles := make([]*Handle, 0, len(m.connected))
	for _, h := range m.connected {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Descriptor.ID < handles[j].Descriptor.ID })
	return handles
}

func (m *Manager) handle(deviceID string) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected[deviceID]
}

// resolve walks the resolution chain for an id that is not yet connected:
// in-memory available table, persisted state, direct connection string,
// configured direct-device list, then known-device derived patterns. First
// match wins.
func (m *Manager) resolve(deviceID string) (Descriptor, error) {
	m.mu.RLock()
	desc, ok := m.available[deviceID]
	m.mu.RUnlock()
	if ok {
		return desc, nil
	}

	if m.persist != nil {
		for _, d := range m.persist.Load() {
			if d.ID == deviceID {
				m.logger.Infof("Resolved %s from persisted state", deviceID)
				return d, nil
			}
		}
	}

	if name, host, port, ok := ParseConnectionString(deviceID); ok {
		m.logger.Infof("Resolved %s as direct connection to %s:%d", deviceID, host, port)
		return DescriptorFromConnection(deviceID, name, host, port), nil
	}

	for _, raw := range m.opts.DirectDevices {
		if raw != deviceID {
			continue
		}
		if name, host, port, ok := ParseConnectionString(raw); ok {
			m.logger.Infof("Resolved %s from direct-device list", deviceID)
			return DescriptorFromConnection(raw, name, host, port), nil
		}
	}

	devType, number := ParseDeviceID(deviceID)
	if DeviceID(devType, number) == deviceID {
		for _, kd := range m.opts.KnownDevices {
			m.logger.Infof("Resolved %s from known-device list (%s:%d)", deviceID, kd.Host, kd.Port)
			return Descriptor{
				ID:           deviceID,
				Name:         kd.Name,
				Type:         devType,
				Number:       number,
				Host:         kd.Host,
				Port:         kd.Port,
				APIVersion:   1,
				DiscoveredAt: time.Now().UTC(),
			}, nil
		}
	}

	return Descriptor{}, notFoundErr(deviceID)
}

// flushState writes the merged available table through to the snapshot.
func (m *Manager) flushState() {
	if m.persist == nil {
		return
	}
	m.persist.Save(CleanupStale(Merge(m.persist.Load(), m.AvailableDevices()), m.opts.StaleAge))
}

// Table mutation helpers used by the discovery engine.

func (m *Manager) clearAvailable() {
	m.mu.Lock()
	m.available = make(map[string]Descriptor)
	m.mu.Unlock()
}

// addAvailable inserts a descriptor unless its id is already present.
// Reports whether the descriptor was added (first writer wins).
func (m *Manager) addAvailable(d Descriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.available[d.ID]; ok {
		return false
	}
	m.available[d.ID] = d
	return true
}

// restampDiscovered rewrites discovered_at for ids present in the merged
// snapshot, so the in-memory table reflects the preserved age.
func (m *Manager) restampDiscovered(merged []Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range merged {
		if cur, ok := m.available[d.ID]; ok {
			cur.DiscoveredAt = d.DiscoveredAt
			m.available[d.ID] = cur
		}
	}
}

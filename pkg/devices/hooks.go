package devices

import "sync"

// Hook function types for connection lifecycle events.
type (
	// ConnectedHook runs after a device connects. Errors are logged by the
	// manager and never fail the connect.
	ConnectedHook func(deviceID string, desc Descriptor) error

	// DisconnectedHook runs after a device is removed from the connected
	// table.
	DisconnectedHook func(deviceID string, desc Descriptor) error
)

// hooks manages lifecycle callbacks for the manager.
type hooks struct {
	mu             sync.RWMutex
	onConnected    []ConnectedHook
	onDisconnected []DisconnectedHook
}

func (h *hooks) addConnected(fn ConnectedHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnected = append(h.onConnected, fn)
}

func (h *hooks) addDisconnected(fn DisconnectedHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnected = append(h.onDisconnected, fn)
}

func (h *hooks) connected(deviceID string, desc Descriptor) []error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var errs []error
	for _, fn := range h.onConnected {
		if err := fn(deviceID, desc); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (h *hooks) disconnected(deviceID string, desc Descriptor) []error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var errs []error
	for _, fn := range h.onDisconnected {
		if err := fn(deviceID, desc); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

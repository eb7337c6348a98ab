package devices

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the calling layer. Each escalated error wraps one
// of these sentinels so callers can branch with errors.Is while the message
// tells a non-technical user what to try next.
var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrUnsupportedDevice  = errors.New("unsupported device type")
	ErrInvalidParameter   = errors.New("invalid parameter")
)

func notFoundErr(deviceID string) error {
	return fmt.Errorf("%w: %q matched no known device; run discovery, "+
		"connect directly with 'name@host:port', or configure a direct-device list",
		ErrDeviceNotFound, deviceID)
}

func notConnectedErr(deviceID string) error {
	return fmt.Errorf("%w: %q; connect it first", ErrDeviceNotConnected, deviceID)
}

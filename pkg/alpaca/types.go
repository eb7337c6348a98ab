package alpaca

import (
	"fmt"
	"strings"
)

// DeviceType identifies the kind of ASCOM device behind an Alpaca endpoint.
type DeviceType int

const (
	Telescope DeviceType = iota
	Camera
	Focuser
	FilterWheel
)

func (t DeviceType) String() string {
	switch t {
	case Telescope:
		return "Telescope"
	case Camera:
		return "Camera"
	case Focuser:
		return "Focuser"
	case FilterWheel:
		return "FilterWheel"
	default:
		return "Unknown"
	}
}

// ParseDeviceType maps an ASCOM device type string to a DeviceType.
// Matching is case-insensitive.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(s) {
	case "telescope":
		return Telescope, nil
	case "camera":
		return Camera, nil
	case "focuser":
		return Focuser, nil
	case "filterwheel":
		return FilterWheel, nil
	default:
		return 0, fmt.Errorf("unknown device type: %q", s)
	}
}

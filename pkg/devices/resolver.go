package devices

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// directPattern matches direct connection strings: "name@host:port" or
// "host:port".
var directPattern = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+):(\d+)$`)

// DirectName is the display name used when a connection string carries no
// name prefix.
const DirectName = "Direct Connection"

// ParseConnectionString parses "seestar@192.168.1.50:5555" style ids.
// Reports ok=false when the id is not a connection string at all.
func ParseConnectionString(deviceID string) (name, host string, port int, ok bool) {
	m := directPattern.FindStringSubmatch(deviceID)
	if m == nil {
		return "", "", 0, false
	}

	name = m[1]
	if name == "" {
		name = DirectName
	}

	port, err := strconv.Atoi(m[3])
	if err != nil || port < 1 || port > 65535 {
		return "", "", 0, false
	}

	return name, m[2], port, true
}

// ParseDeviceID extracts the device type and number from a canonical id like
// "telescope_1". Ids without the type_number shape fall back to Telescope/1.
func ParseDeviceID(deviceID string) (devType string, number int) {
	devType = "Telescope"
	number = 1

	i := strings.LastIndex(deviceID, "_")
	if i <= 0 {
		return devType, number
	}

	n, err := strconv.Atoi(deviceID[i+1:])
	if err != nil {
		return devType, number
	}

	return titleCase(deviceID[:i]), n
}

// DescriptorFromConnection synthesizes a Descriptor for an ad hoc device.
// The caller-supplied id is kept verbatim as the table key; type and number
// are derived from it when it has the type_number shape.
func DescriptorFromConnection(deviceID, name, host string, port int) Descriptor {
	devType, number := ParseDeviceID(deviceID)

	return Descriptor{
		ID:           deviceID,
		Name:         name,
		Type:         devType,
		Number:       number,
		UniqueID:     deviceID + "_" + host + "_" + strconv.Itoa(port),
		Host:         host,
		Port:         port,
		APIVersion:   1,
		DiscoveredAt: time.Now().UTC(),
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

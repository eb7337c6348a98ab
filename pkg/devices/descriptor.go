// Package devices holds the device tables and their lifecycle: discovery
// strategies populate an available table, the manager guards exclusive
// connections, and a JSON snapshot carries identity across restarts.
package devices

import (
	"fmt"
	"strings"
	"time"

	"starbridge/pkg/alpaca"
)

// Descriptor is the identity and network location of a discoverable device.
// The JSON tags define the persisted-state schema.
type Descriptor struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Number       int       `json:"number"`
	UniqueID     string    `json:"unique_id"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	APIVersion   int       `json:"api_version"`
	IsSimulator  bool      `json:"is_simulator,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DeviceID composes the canonical id for a device: lower(type)_number.
func DeviceID(devType string, number int) string {
	return fmt.Sprintf("%s_%d", strings.ToLower(devType), number)
}

// FromConfigured builds a Descriptor from a management-API record, stamping
// the host and port the record was fetched from.
func FromConfigured(rec alpaca.ConfiguredDevice, host string, port int) Descriptor {
	name := rec.Name
	if name == "" {
		name = "Unknown Device"
	}

	return Descriptor{
		ID:           DeviceID(rec.Type, rec.Number),
		Name:         name,
		Type:         rec.Type,
		Number:       rec.Number,
		UniqueID:     rec.UniqueID,
		Host:         host,
		Port:         port,
		APIVersion:   1,
		DiscoveredAt: time.Now().UTC(),
	}
}

// ConnectionURL is the device's Alpaca API base.
func (d Descriptor) ConnectionURL() string {
	return fmt.Sprintf("http://%s:%d/api/v%d", d.Host, d.Port, d.APIVersion)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s at %s:%d)", d.Name, d.Type, d.Host, d.Port)
}

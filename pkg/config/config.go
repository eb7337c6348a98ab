// Package config loads the starbridge configuration from an optional YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	State     StateConfig     `yaml:"state"`
	Events    EventsConfig    `yaml:"events"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// DiscoveryConfig controls the discovery strategies.
type DiscoveryConfig struct {
	TimeoutSeconds float64           `yaml:"timeout_seconds"`
	SkipUDP        bool              `yaml:"skip_udp"`
	KnownDevices   []KnownDevice     `yaml:"known_devices"`
	Simulators     []SimulatorDevice `yaml:"simulators"`
	DirectDevices  []string          `yaml:"direct_devices"`
}

// KnownDevice is a configured endpoint that does not answer UDP discovery.
type KnownDevice struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
}

// SimulatorDevice is a simulator endpoint probed by raw TCP reachability.
type SimulatorDevice struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StateConfig controls the persisted device snapshot.
type StateConfig struct {
	File         string `yaml:"file"`
	StaleAgeDays int    `yaml:"stale_age_days"`
}

// EventsConfig controls the telemetry pipeline.
type EventsConfig struct {
	BufferSize  int    `yaml:"buffer_size"`
	JournalFile string `yaml:"journal_file"`
}

// MQTTConfig controls the optional MQTT event bridge. An empty host leaves
// the bridge disabled.
type MQTTConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
}

// Timeout is the discovery timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Discovery.TimeoutSeconds * float64(time.Second))
}

// StaleAge is the snapshot retention window as a duration.
func (c *Config) StaleAge() time.Duration {
	return time.Duration(c.State.StaleAgeDays) * 24 * time.Hour
}

func defaults() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			TimeoutSeconds: 5.0,
		},
		State: StateConfig{
			StaleAgeDays: 30,
		},
		Events: EventsConfig{
			BufferSize: 100,
		},
		MQTT: MQTTConfig{
			Port:      1883,
			TopicRoot: "starbridge",
		},
	}
}

// Load reads configuration from path (optional; empty path skips the file),
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file: %v", err)
		}
	}

	cfg.applyEnv()

	if cfg.Discovery.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("discovery timeout must be positive")
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. The variable names
// follow the original ASCOM tool-server conventions.
func (c *Config) applyEnv() {
	if v := os.Getenv("ASCOM_DISCOVERY_TIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Discovery.TimeoutSeconds = f
		}
	}
	if v := os.Getenv("ASCOM_SKIP_UDP_DISCOVERY"); v != "" {
		c.Discovery.SkipUDP = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("ASCOM_KNOWN_DEVICES"); v != "" {
		c.Discovery.KnownDevices = parseKnownDevices(v)
	}
	if v := os.Getenv("ASCOM_SIMULATOR_DEVICES"); v != "" {
		c.Discovery.Simulators = parseSimulators(v)
	}
	if v := os.Getenv("ASCOM_DIRECT_DEVICES"); v != "" {
		c.Discovery.DirectDevices = splitList(v)
	}
	if v := os.Getenv("ASCOM_STATE_FILE"); v != "" {
		c.State.File = v
	}
}

// parseKnownDevices parses "host1:port1:name1,host2:port2:name2". The name
// is optional and defaults to "host:port".
func parseKnownDevices(s string) []KnownDevice {
	var devs []KnownDevice
	for _, entry := range splitList(s) {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			continue
		}

		port, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}

		name := parts[0] + ":" + parts[1]
		if len(parts) > 2 {
			name = parts[2]
		}
		devs = append(devs, KnownDevice{Host: parts[0], Port: port, Name: name})
	}
	return devs
}

// parseSimulators parses "host1:port1,host2:port2".
func parseSimulators(s string) []SimulatorDevice {
	var devs []SimulatorDevice
	for _, entry := range splitList(s) {
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			continue
		}

		port, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		devs = append(devs, SimulatorDevice{Host: parts[0], Port: port})
	}
	return devs
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

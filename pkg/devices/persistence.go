package devices

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

const stateVersion = "1.0"

// DefaultStaleAge is how long an unseen device stays in the snapshot.
const DefaultStaleAge = 30 * 24 * time.Hour

type persistedState struct {
	Version   string       `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
	Devices   []Descriptor `json:"devices"`
}

// Persistence is the durable snapshot of discovered devices. It is a cache,
// never authoritative: Load degrades to an empty list and Save swallows I/O
// errors, so the in-memory table stays the source of truth for the life of
// the process.
type Persistence struct {
	path   string
	logger log.FieldLogger
}

// NewPersistence creates a snapshot store at path. An empty path selects the
// per-user default location.
func NewPersistence(path string, logger log.FieldLogger) *Persistence {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Warnf("Cannot resolve home directory: %v", err)
			home = "."
		}
		path = filepath.Join(home, ".starbridge", "devices.json")
	}

	logger.Debugf("Using state file %s", path)
	return &Persistence{path: path, logger: logger}
}

// Load reads the snapshot. Any failure (missing file, malformed JSON) is
// logged and reported as zero devices.
func (p *Persistence) Load() []Descriptor {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warnf("Cannot read state file: %v", err)
		}
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		p.logger.Warnf("Malformed state file %s: %v", p.path, err)
		return nil
	}

	p.logger.Debugf("Loaded %d devices from state", len(state.Devices))
	return state.Devices
}

// Save writes the snapshot via a temp file and atomic rename so a crash can
// never leave a partial file behind. Errors are logged, not returned.
func (p *Persistence) Save(devs []Descriptor) {
	state := persistedState{
		Version:   stateVersion,
		UpdatedAt: time.Now().UTC(),
		Devices:   devs,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		p.logger.Errorf("Cannot marshal state: %v", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		p.logger.Warnf("Cannot create state directory: %v", err)
		return
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logger.Warnf("Cannot write state file: %v", err)
		return
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.logger.Warnf("Cannot replace state file: %v", err)
		return
	}

	p.logger.Debugf("Saved %d devices to state", len(devs))
}

// Merge combines device lists by id. Fields come from the newer entry, but
// discovered_at is kept from the existing one so rediscovery does not
// falsely refresh a device's age. Order is existing entries first, then new
// ids in their given order.
func Merge(existing, updates []Descriptor) []Descriptor {
	index := make(map[string]int, len(existing))
	merged := make([]Descriptor, len(existing))
	copy(merged, existing)
	for i, d := range existing {
		index[d.ID] = i
	}

	for _, d := range updates {
		if i, ok := index[d.ID]; ok {
			d.DiscoveredAt = merged[i].DiscoveredAt
			merged[i] = d
		} else {
			index[d.ID] = len(merged)
			merged = append(merged, d)
		}
	}

	return merged
}

// CleanupStale drops devices not seen within maxAge. Entries without a usable
// timestamp are kept.
func CleanupStale(devs []Descriptor, maxAge time.Duration) []Descriptor {
	cutoff := time.Now().Add(-maxAge)

	kept := devs[:0:0]
	for _, d := range devs {
		if d.DiscoveredAt.IsZero() || d.DiscoveredAt.After(cutoff) {
			kept = append(kept, d)
		}
	}
	return kept
}

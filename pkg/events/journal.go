package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Journal is an optional durable log of telemetry events, one bucket per
// device keyed by insertion sequence. Like the state snapshot it is a cache:
// the in-memory ring buffer stays authoritative while the process lives.
type Journal struct {
	db     *bolt.DB
	logger log.FieldLogger
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string, logger log.FieldLogger) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open event journal: %v", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Append stores an event under the device's bucket.
func (j *Journal) Append(e Event) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(e.DeviceID))
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Recent returns up to limit of the newest journaled events for a device,
// oldest first.
func (j *Journal) Recent(deviceID string, limit int) ([]Event, error) {
	var events []Event

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(deviceID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(events) < limit); k, v = c.Prev() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				j.logger.Warnf("Skipping corrupt journal entry for %s: %v", deviceID, err)
				continue
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walked newest-to-oldest; restore arrival order.
	for i, n := 0, len(events); i < n/2; i++ {
		events[i], events[n-1-i] = events[n-1-i], events[i]
	}
	return events, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

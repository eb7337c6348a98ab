package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := OpenJournal(filepath.Join(t.TempDir(), "events.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalAppendAndRecent(t *testing.T) {
	j := testJournal(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(Event{
			DeviceID:  "telescope_1",
			Type:      "PiStatus",
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"seq": float64(i)},
		}))
	}
	require.NoError(t, j.Append(Event{
		DeviceID: "camera_0",
		Type:     "Stack",
		Payload:  map[string]any{},
	}))

	events, err := j.Recent("telescope_1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest three, returned oldest first.
	assert.Equal(t, float64(2), events[0].Payload["seq"])
	assert.Equal(t, float64(4), events[2].Payload["seq"])

	all, err := j.Recent("telescope_1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestJournalRecentUnknownDevice(t *testing.T) {
	j := testJournal(t)

	events, err := j.Recent("focuser_0", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStreamWritesThroughJournal(t *testing.T) {
	j := testJournal(t)
	s := NewStream(0, testLogger())
	s.AttachJournal(j)

	s.AddEvent("telescope_1", map[string]any{"Event": "GotoComplete"})

	events, err := j.Recent("telescope_1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "GotoComplete", events[0].Type)
	assert.Equal(t, "telescope_1", events[0].DeviceID)
}

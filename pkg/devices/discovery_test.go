package devices

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starbridge/pkg/alpaca"
)

// managementServer serves a configureddevices endpoint for the given records.
func managementServer(t *testing.T, records string) (host string, port int) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/management/v1/configureddevices", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ClientTransactionID":0,"ServerTransactionID":1,"ErrorNumber":0,"ErrorMessage":"","Value":%s}`, records)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

// tcpListener opens an ephemeral listener standing in for a simulator.
func tcpListener(t *testing.T) (host string, port int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func newTestEngine(t *testing.T, opts Options, persist *Persistence) (*Engine, *Manager) {
	t.Helper()

	opts.SkipUDP = true
	m := NewManager(opts, persist, testLogger())
	m.retryInitial = time.Millisecond
	e := NewEngine(m, persist, testLogger())
	return e, m
}

func TestDiscoverSimulatorOnly(t *testing.T) {
	host, port := tcpListener(t)

	e, _ := newTestEngine(t, Options{
		Simulators: []SimulatorDevice{{Host: host, Port: port}},
	}, nil)

	found, err := e.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, found, 1)

	d := found[0]
	assert.True(t, d.IsSimulator)
	assert.Equal(t, "Telescope", d.Type)
	assert.Equal(t, 99, d.Number)
	assert.Equal(t, "telescope_99", d.ID)
	assert.Equal(t, host, d.Host)
	assert.Equal(t, port, d.Port)
}

func TestDiscoverUnreachableSimulatorIgnored(t *testing.T) {
	e, _ := newTestEngine(t, Options{
		Simulators: []SimulatorDevice{{Host: "127.0.0.1", Port: 1}},
	}, nil)

	found, err := e.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscoverStrategyIsolation(t *testing.T) {
	host, port := managementServer(t, `[{"DeviceName":"Seestar S50","DeviceType":"Telescope","DeviceNumber":1,"UniqueID":"abc-123"}]`)
	simHost, simPort := tcpListener(t)

	opts := Options{
		KnownDevices: []KnownDevice{{Host: host, Port: port, Name: "seestar_alp"}},
		Simulators:   []SimulatorDevice{{Host: simHost, Port: simPort}},
	}
	m := NewManager(opts, nil, testLogger())
	e := NewEngine(m, nil, testLogger())

	// Force the UDP strategy into the pass and make it blow up.
	e.opts.SkipUDP = false
	e.search = func(ctx context.Context, timeout time.Duration, logger log.FieldLogger) ([]alpaca.Endpoint, error) {
		return nil, fmt.Errorf("socket exploded")
	}

	found, err := e.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err, "a failing strategy must not fail the pass")
	require.Len(t, found, 2)

	byID := make(map[string]Descriptor)
	for _, d := range found {
		byID[d.ID] = d
	}

	scope, ok := byID["telescope_1"]
	require.True(t, ok)
	assert.Equal(t, "Seestar S50", scope.Name)
	assert.Equal(t, host, scope.Host)
	assert.Equal(t, port, scope.Port)

	_, ok = byID["telescope_99"]
	assert.True(t, ok)
}

func TestDiscoverFirstWriterWinsWithinPass(t *testing.T) {
	// Two strategies report the same id: the known host and the persisted
	// state. Exactly one entry may land in the table.
	host, port := managementServer(t, `[{"DeviceName":"Seestar S50","DeviceType":"Telescope","DeviceNumber":1,"UniqueID":"abc-123"}]`)

	path := filepath.Join(t.TempDir(), "devices.json")
	persist := NewPersistence(path, testLogger())
	persist.Save([]Descriptor{testDescriptor("telescope_1")})

	e, m := newTestEngine(t, Options{
		KnownDevices: []KnownDevice{{Host: host, Port: port, Name: "seestar_alp"}},
	}, persist)

	found, err := e.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)

	assert.Len(t, found, 1)
	assert.Len(t, m.AvailableDevices(), 1)
}

func TestDiscoverPreservesDiscoveredAtAcrossPasses(t *testing.T) {
	host, port := managementServer(t, `[{"DeviceName":"Seestar S50","DeviceType":"Telescope","DeviceNumber":1,"UniqueID":"abc-123"}]`)

	firstSeen := time.Now().Add(-24 * time.Hour).UTC().Truncate(time.Second)
	old := testDescriptor("telescope_1")
	old.Host = "10.0.0.9"
	old.DiscoveredAt = firstSeen

	path := filepath.Join(t.TempDir(), "devices.json")
	persist := NewPersistence(path, testLogger())
	persist.Save([]Descriptor{old})

	e, m := newTestEngine(t, Options{
		KnownDevices: []KnownDevice{{Host: host, Port: port, Name: "seestar_alp"}},
	}, persist)

	_, err := e.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)

	devs := m.AvailableDevices()
	require.Len(t, devs, 1)
	assert.Equal(t, firstSeen, devs[0].DiscoveredAt, "rediscovery must not refresh the device's age")

	saved := persist.Load()
	require.Len(t, saved, 1)
	assert.Equal(t, firstSeen, saved[0].DiscoveredAt)
}

func TestDiscoverClearsAvailableTable(t *testing.T) {
	e, m := newTestEngine(t, Options{}, nil)
	m.addAvailable(testDescriptor("telescope_7"))

	found, err := e.Discover(context.Background(), 100*time.Millisecond)
	require.NoError(t, err, "zero devices found is success, not an error")
	assert.Empty(t, found)
	assert.Empty(t, m.AvailableDevices())
}

func TestDiscoverDirectDevices(t *testing.T) {
	e, m := newTestEngine(t, Options{
		DirectDevices: []string{"seestar@192.168.1.50:5555", "garbage"},
	}, nil)

	found, err := e.Discover(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "seestar@192.168.1.50:5555", found[0].ID)
	assert.Equal(t, "192.168.1.50", found[0].Host)

	got, ok := func() (Descriptor, bool) {
		for _, d := range m.AvailableDevices() {
			if d.ID == "seestar@192.168.1.50:5555" {
				return d, true
			}
		}
		return Descriptor{}, false
	}()
	require.True(t, ok)
	assert.Equal(t, 5555, got.Port)
}

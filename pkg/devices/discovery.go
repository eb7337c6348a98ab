package devices

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"starbridge/pkg/alpaca"
)

const (
	// Per-host budget for the management and simulator probes.
	probeTimeout = 2 * time.Second

	// Identity synthesized for a reachable simulator endpoint.
	simulatorType   = "Telescope"
	simulatorNumber = 99
)

// searchFunc and configuredFunc are the network edges of discovery,
// swappable in tests.
type (
	searchFunc     func(ctx context.Context, timeout time.Duration, logger log.FieldLogger) ([]alpaca.Endpoint, error)
	configuredFunc func(ctx context.Context, host string, port int) ([]alpaca.ConfiguredDevice, error)
	dialFunc       func(network, address string, timeout time.Duration) (net.Conn, error)
)

// Engine runs the discovery strategies concurrently and merges their results
// into the manager's available table.
type Engine struct {
	mgr     *Manager
	persist *Persistence
	opts    Options
	logger  log.FieldLogger

	search     searchFunc
	configured configuredFunc
	dial       dialFunc

	// Serializes discovery passes.
	discoverMu sync.Mutex
}

// NewEngine builds the discovery engine over a manager's tables.
func NewEngine(mgr *Manager, persist *Persistence, logger log.FieldLogger) *Engine {
	return &Engine{
		mgr:        mgr,
		persist:    persist,
		opts:       mgr.opts,
		logger:     logger,
		search:     alpaca.Search,
		configured: alpaca.ConfiguredDevices,
		dial:       net.DialTimeout,
	}
}

type strategyResult struct {
	name string
	devs []Descriptor
	err  error
}

// Discover clears the available table and repopulates it from every strategy,
// merging first-writer-wins per id in strategy completion order. A failing
// strategy contributes zero devices; the call itself only fails on
// cancellation. Returns the descriptors newly added in this pass.
func (e *Engine) Discover(ctx context.Context, timeout time.Duration) ([]Descriptor, error) {
	e.discoverMu.Lock()
	defer e.discoverMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = e.opts.DiscoveryTimeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	e.logger.Infof("Starting device discovery (timeout %s)", timeout)
	e.mgr.clearAvailable()

	type strategy struct {
		name string
		run  func(ctx context.Context) ([]Descriptor, error)
	}

	strategies := []strategy{
		{"known-hosts", e.probeKnownHosts},
		{"simulators", e.probeSimulators},
		{"persisted-state", e.loadPersisted},
		{"direct-devices", e.parseDirect},
	}
	if !e.opts.SkipUDP {
		strategies = append([]strategy{{"udp-broadcast", func(ctx context.Context) ([]Descriptor, error) {
			return e.broadcastSearch(ctx, timeout)
		}}}, strategies...)
	}

	results := make(chan strategyResult, len(strategies))
	for _, s := range strategies {
		go func(s strategy) {
			devs, err := s.run(ctx)
			results <- strategyResult{name: s.name, devs: devs, err: err}
		}(s)
	}

	// Merge in completion order: the first strategy to report a given id
	// wins the table entry for this pass.
	var added []Descriptor
	for range strategies {
		res := <-results
		if res.err != nil {
			e.logger.Warnf("Discovery strategy %s failed: %v", res.name, res.err)
			continue
		}
		for _, d := range res.devs {
			if e.mgr.addAvailable(d) {
				added = append(added, d)
				e.logger.Infof("Discovered: %s", d)
			}
		}
	}

	// Persist the merged table, preserving the age of ids we already knew.
	if e.persist != nil {
		merged := CleanupStale(Merge(e.persist.Load(), e.mgr.AvailableDevices()), e.opts.StaleAge)
		e.persist.Save(merged)
		e.mgr.restampDiscovered(merged)
	}

	if len(added) == 0 {
		e.logger.Warn("No devices found; ensure devices are powered on and reachable")
	} else {
		e.logger.Infof("Discovery complete: %d devices", len(added))
	}

	return added, nil
}

// broadcastSearch runs the UDP probe with a hard ceiling of timeout+1s so a
// stuck socket cannot stall the pass.
func (e *Engine) broadcastSearch(ctx context.Context, timeout time.Duration) ([]Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	endpoints, err := e.search(ctx, timeout, e.logger)
	if err != nil {
		return nil, err
	}

	var devs []Descriptor
	for _, ep := range endpoints {
		records, err := e.probeHost(ctx, ep.Host, ep.Port)
		if err != nil {
			e.logger.Debugf("Management probe for %s:%d failed: %v", ep.Host, ep.Port, err)
			continue
		}
		devs = append(devs, records...)
	}
	return devs, nil
}

func (e *Engine) probeKnownHosts(ctx context.Context) ([]Descriptor, error) {
	var devs []Descriptor
	for _, kd := range e.opts.KnownDevices {
		records, err := e.probeHost(ctx, kd.Host, kd.Port)
		if err != nil {
			e.logger.Debugf("Known host %s (%s:%d) not reachable: %v", kd.Name, kd.Host, kd.Port, err)
			continue
		}
		devs = append(devs, records...)
	}
	return devs, nil
}

func (e *Engine) probeHost(ctx context.Context, host string, port int) ([]Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	records, err := e.configured(ctx, host, port)
	if err != nil {
		return nil, err
	}

	devs := make([]Descriptor, 0, len(records))
	for _, rec := range records {
		devs = append(devs, FromConfigured(rec, host, port))
	}
	return devs, nil
}

// probeSimulators checks raw TCP reachability of each configured simulator
// endpoint and synthesizes a descriptor for every one that answers.
func (e *Engine) probeSimulators(ctx context.Context) ([]Descriptor, error) {
	var devs []Descriptor
	for _, sim := range e.opts.Simulators {
		addr := fmt.Sprintf("%s:%d", sim.Host, sim.Port)

		conn, err := e.dial("tcp", addr, probeTimeout)
		if err != nil {
			e.logger.Debugf("Simulator %s not reachable: %v", addr, err)
			continue
		}
		conn.Close()

		devs = append(devs, Descriptor{
			ID:           DeviceID(simulatorType, simulatorNumber),
			Name:         "Alpaca Simulator",
			Type:         simulatorType,
			Number:       simulatorNumber,
			UniqueID:     "simulator_" + addr,
			Host:         sim.Host,
			Port:         sim.Port,
			APIVersion:   1,
			IsSimulator:  true,
			DiscoveredAt: time.Now().UTC(),
		})
	}
	return devs, nil
}

func (e *Engine) loadPersisted(ctx context.Context) ([]Descriptor, error) {
	if e.persist == nil {
		return nil, nil
	}
	return CleanupStale(e.persist.Load(), e.opts.StaleAge), nil
}

// parseDirect pre-populates ad hoc devices from the configured direct list.
// Pure parsing, no network I/O.
func (e *Engine) parseDirect(ctx context.Context) ([]Descriptor, error) {
	var devs []Descriptor
	for _, raw := range e.opts.DirectDevices {
		name, host, port, ok := ParseConnectionString(raw)
		if !ok {
			e.logger.Warnf("Ignoring malformed direct device %q", raw)
			continue
		}
		devs = append(devs, DescriptorFromConnection(raw, name, host, port))
	}
	return devs, nil
}

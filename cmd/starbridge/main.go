package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"starbridge/pkg/config"
	"starbridge/pkg/devices"
	"starbridge/pkg/events"
)

// core bundles the wired component instances. One core per process, built in
// setup and passed around explicitly.
type core struct {
	cfg     *config.Config
	manager *devices.Manager
	engine  *devices.Engine
	stream  *events.Stream
	sse     *events.SSEConsumer
	journal *events.Journal
	bridge  *events.Bridge
}

func setup(c *cli.Context) (*core, error) {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	opts := devices.Options{
		DiscoveryTimeout: cfg.Timeout(),
		SkipUDP:          cfg.Discovery.SkipUDP,
		DirectDevices:    cfg.Discovery.DirectDevices,
		StaleAge:         cfg.StaleAge(),
	}
	for _, kd := range cfg.Discovery.KnownDevices {
		opts.KnownDevices = append(opts.KnownDevices, devices.KnownDevice(kd))
	}
	for _, sim := range cfg.Discovery.Simulators {
		opts.Simulators = append(opts.Simulators, devices.SimulatorDevice(sim))
	}

	persist := devices.NewPersistence(cfg.State.File, log.WithField("component", "state"))
	manager := devices.NewManager(opts, persist, log.WithField("component", "manager"))
	engine := devices.NewEngine(manager, persist, log.WithField("component", "discovery"))
	stream := events.NewStream(cfg.Events.BufferSize, log.WithField("component", "events"))
	sse := events.NewSSEConsumer(stream, log.WithField("component", "sse"))

	co := &core{
		cfg:     cfg,
		manager: manager,
		engine:  engine,
		stream:  stream,
		sse:     sse,
	}

	if cfg.Events.JournalFile != "" {
		journal, err := events.OpenJournal(cfg.Events.JournalFile, log.WithField("component", "journal"))
		if err != nil {
			return nil, fmt.Errorf("failed to open event journal: %v", err)
		}
		stream.AttachJournal(journal)
		co.journal = journal
	}

	if cfg.MQTT.Host != "" {
		mqttOpts := mqtt.NewClientOptions().
			AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
			SetClientID("starbridge").
			SetUsername(cfg.MQTT.Username).
			SetPassword(cfg.MQTT.Password)

		client := mqtt.NewClient(mqttOpts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
		}
		co.bridge = events.NewBridge(client, stream, cfg.MQTT.TopicRoot, log.WithField("component", "bridge"))
	}

	// Each connected device gets its event feeds; each disconnect tears
	// them down.
	manager.OnDeviceConnected(func(deviceID string, desc devices.Descriptor) error {
		stream.SetMetadata(deviceID, map[string]any{
			"name":      desc.Name,
			"type":      desc.Type,
			"unique_id": desc.UniqueID,
		})
		sse.Start(deviceID, desc.Host, desc.Port, desc.Number)
		if co.bridge != nil {
			return co.bridge.Watch(deviceID)
		}
		return nil
	})
	manager.OnDeviceDisconnected(func(deviceID string, desc devices.Descriptor) error {
		sse.Stop(deviceID)
		if co.bridge != nil {
			co.bridge.Unwatch(deviceID)
		}
		return nil
	})

	return co, nil
}

// shutdown disconnects every device (stopping its consumers through the
// hooks) before releasing shared resources.
func (co *core) shutdown(ctx context.Context) {
	co.manager.Shutdown(ctx)
	co.sse.StopAll()
	if co.bridge != nil {
		co.bridge.Close()
	}
	if co.journal != nil {
		co.journal.Close()
	}
}

func runDiscover(c *cli.Context) error {
	co, err := setup(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer co.shutdown(context.Background())

	timeout := time.Duration(c.Float64("timeout") * float64(time.Second))
	found, err := co.engine.Discover(ctx, timeout)
	if err != nil {
		return err
	}

	fmt.Printf("Found %d device(s)\n", len(found))
	for _, d := range found {
		fmt.Printf("  %-24s %s\n", d.ID, d)
	}
	return nil
}

func runDevices(c *cli.Context) error {
	co, err := setup(c)
	if err != nil {
		return err
	}
	defer co.shutdown(context.Background())

	persist := devices.NewPersistence(co.cfg.State.File, log.WithField("component", "state"))
	fmt.Println("Persisted devices:")
	for _, d := range persist.Load() {
		fmt.Printf("  %-24s %s (seen %s)\n", d.ID, d, d.DiscoveredAt.Format(time.RFC3339))
	}
	return nil
}

func runConnect(c *cli.Context) error {
	deviceID := c.Args().First()
	if deviceID == "" {
		return fmt.Errorf("usage: connect <device-id>")
	}

	co, err := setup(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer co.shutdown(context.Background())

	handle, err := co.manager.Connect(ctx, deviceID)
	if err != nil {
		return err
	}

	fmt.Printf("Connected to %s\n", handle.Descriptor)
	if !c.Bool("tail") {
		return nil
	}

	return tailEvents(ctx, co, handle.Descriptor.ID)
}

func runEvents(c *cli.Context) error {
	deviceID := c.Args().First()
	if deviceID == "" {
		return fmt.Errorf("usage: events <device-id>")
	}

	co, err := setup(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer co.shutdown(context.Background())

	handle, err := co.manager.Connect(ctx, deviceID)
	if err != nil {
		return err
	}

	return tailEvents(ctx, co, handle.Descriptor.ID)
}

func tailEvents(ctx context.Context, co *core, deviceID string) error {
	sub := co.stream.Subscribe(deviceID)
	defer co.stream.Unsubscribe(deviceID, sub)

	log.Infof("Streaming events for %s, press Ctrl-C to stop", deviceID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			fmt.Printf("%s  %-16s %v\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Payload)
		}
	}
}

func main() {
	app := cli.App{
		Name:  "starbridge",
		Usage: "Discover, connect and stream events from Alpaca devices",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				EnvVars: []string{"STARBRIDGE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "discover",
				Usage: "Run a discovery pass and print the devices found",
				Flags: []cli.Flag{
					&cli.Float64Flag{
						Name:    "timeout",
						Aliases: []string{"t"},
						Usage:   "Discovery timeout in seconds",
						Value:   5.0,
					},
				},
				Action: runDiscover,
			},
			{
				Name:   "devices",
				Usage:  "List known devices",
				Action: runDevices,
			},
			{
				Name:  "connect",
				Usage: "Connect to a device by id or name@host:port",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "tail",
						Usage: "Stay connected and print telemetry events",
					},
				},
				Action: runConnect,
			},
			{
				Name:   "events",
				Usage:  "Connect to a device and stream its telemetry events",
				Action: runEvents,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Spatial-NVR/plategate/internal/api"
	"github.com/Spatial-NVR/plategate/internal/config"
	"github.com/Spatial-NVR/plategate/internal/database"
	"github.com/Spatial-NVR/plategate/internal/device"
	"github.com/Spatial-NVR/plategate/internal/events"
	"github.com/Spatial-NVR/plategate/internal/kafka"
	"github.com/Spatial-NVR/plategate/internal/logging"
	"github.com/Spatial-NVR/plategate/internal/mqtt"
	"github.com/Spatial-NVR/plategate/internal/ports"
	"github.com/Spatial-NVR/plategate/internal/supervisor"
	"github.com/Spatial-NVR/plategate/internal/transport"
)

// App owns every long-lived part of the orchestrator. Start brings them up
// in dependency order and Shutdown tears them down in reverse.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	logs   *logging.RingBuffer

	ports    *ports.Manager
	db       *database.DB
	events   *events.Service
	sinks    []io.Closer
	hub      *api.Hub
	channel  *transport.Channel
	registry *device.Registry
	server   *http.Server
	listener net.Listener

	eventsPort int
	hubCancel  context.CancelFunc
	hubDone    chan struct{}
}

// NewApp wires the orchestrator from cfg. Nothing listens until Start.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, logs *logging.RingBuffer) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		logs:    logs,
		ports:   ports.NewManager(),
		hubDone: make(chan struct{}),
	}

	if err := os.MkdirAll(cfg.System.DataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Events.Store {
		dbCfg := database.DefaultConfig(cfg.System.DataPath)
		dbCfg.Logger = logger
		db, err := database.Open(dbCfg)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		if applied, err := database.NewMigrator(db).Status(ctx); err == nil {
			logger.Info("Event store ready", "path", db.Path(), "migrations", len(applied))
		}
		a.db = db
	}

	a.events = events.NewService(a.db, logger)
	a.hub = api.NewHub(logger)
	a.events.AddSink(a.hub)

	if err := a.connectSinks(); err != nil {
		a.closeSinks()
		if a.db != nil {
			a.db.Close()
		}
		return nil, err
	}

	port, err := a.ports.ReserveOrFind(cfg.Events.Port, "events")
	if err != nil {
		return nil, fmt.Errorf("failed to allocate event port: %w", err)
	}
	a.eventsPort = port

	a.channel = transport.NewChannel(nil, logger)
	a.channel.SetPollTimeout(cfg.Transport.PollTimeout)

	requestTimeout := cfg.Transport.RequestTimeout
	a.registry = device.NewRegistry(device.Options{
		Launcher: device.Launcher{
			Spawner:         supervisor.NewExecSpawner(logger),
			Binary:          cfg.Worker.Binary,
			Args:            cfg.Worker.Args,
			GracefulTimeout: cfg.Worker.GracefulTimeout,
			Detector:        cfg.Worker.Detector,
			LogLevel:        cfg.System.Logging.Level,
			LogFormat:       cfg.System.Logging.Format,
		},
		CallbackAddress: cfg.Events.CallbackAddress,
		EventsPort:      port,
		NewCommander: func() device.Commander {
			c := transport.NewClient(logger)
			c.SetTimeout(requestTimeout)
			return c
		},
		Ports:    a.ports,
		OnChange: a.hub.DeviceChanged,
		Logger:   logger,
	})

	// A nil *DB must not become a non-nil interface
	var health api.HealthChecker
	if a.db != nil {
		health = a.db
	}

	a.server = &http.Server{
		Addr: net.JoinHostPort(cfg.API.Address, strconv.Itoa(cfg.API.Port)),
		Handler: api.NewRouter(api.RouterOptions{
			Registry: a.registry,
			Events:   a.events,
			Database: health,
			Logs:     logs,
			Hub:      a.hub,
			Logger:   logger,
		}),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /ws and /logs/stream stay open
		IdleTimeout: 60 * time.Second,
	}

	return a, nil
}

func (a *App) connectSinks() error {
	ev := a.cfg.Events

	if ev.MQTT.Enabled {
		pub, err := mqtt.Connect(mqtt.Config{
			Broker:      ev.MQTT.Broker,
			ClientID:    ev.MQTT.ClientID,
			Username:    ev.MQTT.Username,
			Password:    ev.MQTT.Password,
			TopicPrefix: ev.MQTT.TopicPrefix,
			QoS:         byte(ev.MQTT.QoS),
			Retain:      ev.MQTT.Retain,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect MQTT sink: %w", err)
		}
		a.events.AddSink(pub)
		a.sinks = append(a.sinks, pub)
	}

	if ev.Kafka.Enabled {
		producer, err := kafka.NewProducer(kafka.Config{
			Brokers:  ev.Kafka.Brokers,
			Topic:    ev.Kafka.Topic,
			ClientID: ev.Kafka.ClientID,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create Kafka sink: %w", err)
		}
		a.events.AddSink(producer)
		a.sinks = append(a.sinks, producer)
	}

	return nil
}

// Start binds the event endpoint, adds the declared devices, starts the
// API listener and begins watching the config file
func (a *App) Start(ctx context.Context) error {
	a.events.Start()

	if err := a.channel.Bind(a.cfg.Events.BindAddress, a.eventsPort, a.events.Handle); err != nil {
		return fmt.Errorf("failed to bind event endpoint: %w", err)
	}
	a.channel.Run()

	hubCtx, cancel := context.WithCancel(context.Background())
	a.hubCancel = cancel
	go func() {
		defer close(a.hubDone)
		a.hub.Run(hubCtx)
	}()

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	a.listener = ln
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Server error", "error", err)
		}
	}()

	a.syncDevices(a.cfg.DeviceList())

	a.cfg.OnChange(func(c *config.Config) {
		a.syncDevices(c.DeviceList())
	})
	if err := a.cfg.Watch(ctx); err != nil {
		a.logger.Warn("Config file not watched", "path", a.cfg.GetPath(), "error", err)
	}

	a.logger.Info("Orchestrator started",
		"api", ln.Addr().String(),
		"endpoints", a.channel.Endpoints(),
		"devices", a.registry.Len(),
		"sinks", a.events.Sinks(),
	)
	return nil
}

// syncDevices adds declared devices that are not registered yet and starts
// those marked autostart. Registered devices are left alone.
func (a *App) syncDevices(declared []config.DeviceConfig) {
	for _, d := range declared {
		if _, exists := a.registry.Get(d.Name); exists {
			continue
		}

		loc, err := device.ParseLocation(d.Location)
		if err != nil {
			a.logger.Warn("Skipping declared device", "device", d.Name, "error", err)
			continue
		}
		role, err := device.ParseRole(d.Role)
		if err != nil {
			a.logger.Warn("Skipping declared device", "device", d.Name, "error", err)
			continue
		}

		added := a.registry.AddDevice(device.Spec{
			Name:          d.Name,
			Location:      loc,
			Address:       d.Address,
			ListenerPort:  d.ListenerPort,
			VideoSource:   d.VideoSource,
			Role:          role,
			CaptureImages: d.CaptureImages,
		})
		if !added || !d.Autostart {
			continue
		}
		if !a.registry.StartDevice(d.Name) {
			a.logger.Warn("Autostart failed", "device", d.Name)
		}
	}
}

// Addr returns the API listener address once started
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// EventsPort returns the port the event endpoint is bound on
func (a *App) EventsPort() int {
	return a.eventsPort
}

// Shutdown stops the API, every device, the event endpoint and the sinks
func (a *App) Shutdown(ctx context.Context) {
	if a.listener != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("Server shutdown error", "error", err)
		}
	}

	a.registry.Close()
	a.channel.Stop()
	a.events.Close()

	if a.hubCancel != nil {
		a.hubCancel()
		<-a.hubDone
	}

	a.closeSinks()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close database", "error", err)
		}
	}
	a.ports.Release(a.eventsPort)
}

func (a *App) closeSinks() {
	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			a.logger.Warn("Failed to close sink", "error", err)
		}
	}
	a.sinks = nil
}

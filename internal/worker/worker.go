package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Spatial-NVR/plategate/internal/detector"
	"github.com/Spatial-NVR/plategate/internal/events"
	"github.com/Spatial-NVR/plategate/internal/transport"
)

// Worker is one detection worker: a detector manager answering commands on
// its listener endpoint and reporting detections to the orchestrator
type Worker struct {
	settings Settings
	channel  *transport.Channel
	client   *transport.Client
	manager  *Manager
	logger   *slog.Logger
}

// New assembles a worker. The detector is built with factory.
func New(s Settings, factory detector.Factory, logger *slog.Logger) *Worker {
	logger = logger.With("worker", s.Name)

	w := &Worker{
		settings: s,
		client:   transport.NewClient(logger),
		logger:   logger,
	}

	var report detector.ReportFunc
	if s.EventsPort > 0 {
		report = events.NewReporter(w.client, s.Name, s.Role, logger).Report
	}
	w.manager = NewManager(s.DetectorConfig(), factory, report, logger)
	w.channel = transport.NewChannel(w.manager.Handle, logger)
	return w
}

// Manager returns the worker's detector manager
func (w *Worker) Manager() *Manager {
	return w.manager
}

// SetPollTimeout changes the command channel's poll timeout
func (w *Worker) SetPollTimeout(d time.Duration) {
	w.channel.SetPollTimeout(d)
}

// Run binds the command listener and runs the detector until it is turned
// OFF or ctx is cancelled. The listener is unbound before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	s := w.settings

	if s.EventsPort > 0 {
		if err := w.client.Connect(s.EventsAddress, s.EventsPort); err != nil {
			return fmt.Errorf("failed to connect to event endpoint: %w", err)
		}
		defer w.client.Disconnect()
	}

	if err := w.channel.Bind(s.ListenAddress, s.ListenPort, nil); err != nil {
		return fmt.Errorf("failed to bind command listener: %w", err)
	}
	w.channel.Run()
	defer w.channel.Stop()

	w.logger.Info("Worker running",
		"listen", fmt.Sprintf("%s:%d", s.ListenAddress, s.ListenPort),
		"role", s.Role,
		"source", s.VideoSource,
	)

	err := w.manager.Run(ctx)
	w.logger.Info("Worker stopping")
	return err
}

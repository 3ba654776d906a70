// Package worker runs inside a detection worker process: it owns the
// detector loop and answers commands from the orchestrator.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Spatial-NVR/plategate/internal/command"
	"github.com/Spatial-NVR/plategate/internal/detector"
)

// Manager holds the worker run state and drives the detector through it.
//
// ON runs the detector. CONFIGURE stops it so the run loop can rebuild it
// with the merged configuration, after which the state returns to ON.
// OFF stops it and ends the run loop.
type Manager struct {
	factory detector.Factory
	report  detector.ReportFunc
	logger  *slog.Logger

	mu     sync.Mutex
	state  command.TargetState
	config detector.Config
	stop   context.CancelFunc
	exited bool
}

// NewManager creates a manager in state ON
func NewManager(cfg detector.Config, factory detector.Factory, report detector.ReportFunc, logger *slog.Logger) *Manager {
	return &Manager{
		factory: factory,
		report:  report,
		logger:  logger.With("component", "detector_manager", "detector", cfg.Name),
		state:   command.StateOn,
		config:  cfg,
	}
}

// State returns the current run state
func (m *Manager) State() command.TargetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the configuration the next detector is built with
func (m *Manager) Config() detector.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Handle is the command channel handler. Undecodable commands are answered false.
func (m *Manager) Handle(payload []byte) (any, error) {
	req, err := command.Decode(payload)
	if err != nil {
		m.logger.Warn("Invalid command", "error", err)
		return false, nil
	}
	return m.HandleCommand(req), nil
}

// HandleCommand applies req and reports whether it was accepted.
// Requesting the current state is rejected, as is anything once Run has returned.
func (m *Manager) HandleCommand(req command.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := req.TargetState
	if m.exited {
		m.logger.Info("Detector manager stopped, ignoring", "state", target)
		return false
	}
	if target == m.state {
		m.logger.Info("Already in requested state, ignoring", "state", target)
		return false
	}

	switch target {
	case command.StateConfigure:
		if !req.IsConfiguration() {
			m.logger.Warn("CONFIGURE without configuration, ignoring")
			return false
		}
		m.config = m.config.Apply(*req.DeviceSpecificConfig)
		m.state = command.StateConfigure
		m.stopDetector()
		m.logger.Info("Reconfiguring detector", "video_source", m.config.VideoSource, "capture_images", m.config.CaptureImages)

	case command.StateOn:
		m.state = command.StateOn
		m.logger.Info("Detector state set", "state", target)

	case command.StateOff:
		m.state = command.StateOff
		m.stopDetector()
		m.logger.Info("Detector state set", "state", target)

	default:
		m.logger.Warn("Unknown state requested", "state", target)
		return false
	}
	return true
}

// stopDetector cancels the running detector; mu must be held
func (m *Manager) stopDetector() {
	if m.stop != nil {
		m.stop()
	}
}

// Run drives the detector until the state becomes OFF or ctx is cancelled.
// A detector that stops on its own while ON turns the state OFF and its
// error is returned.
func (m *Manager) Run(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.exited = true
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if ctx.Err() != nil {
			m.state = command.StateOff
		}

		switch m.state {
		case command.StateOff:
			m.mu.Unlock()
			m.logger.Info("Detector manager stopped")
			return nil

		case command.StateConfigure:
			m.state = command.StateOn
			m.mu.Unlock()
			continue
		}

		cfg := m.config
		runCtx, cancel := context.WithCancel(ctx)
		m.stop = cancel
		m.mu.Unlock()

		err := m.runDetector(runCtx, cfg)
		cancel()

		m.mu.Lock()
		m.stop = nil
		stoppedOnItsOwn := m.state == command.StateOn && ctx.Err() == nil
		if stoppedOnItsOwn {
			m.state = command.StateOff
		}
		m.mu.Unlock()

		if stoppedOnItsOwn {
			if err != nil {
				m.logger.Error("Detector stopped, quitting", "error", err)
				return err
			}
			m.logger.Info("Detector finished, quitting")
			return nil
		}
	}
}

func (m *Manager) runDetector(ctx context.Context, cfg detector.Config) error {
	det, err := m.factory(cfg, m.report, m.logger)
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}
	m.logger.Info("Starting detector", "source", cfg.Source())
	return det.Run(ctx)
}

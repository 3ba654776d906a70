package device

import (
	"errors"
	"log/slog"
	"time"

	"github.com/Spatial-NVR/plategate/internal/command"
	"github.com/Spatial-NVR/plategate/internal/detector"
	"github.com/Spatial-NVR/plategate/internal/supervisor"
	"github.com/Spatial-NVR/plategate/internal/transport"
	"github.com/Spatial-NVR/plategate/internal/worker"
)

// Launcher describes how local workers are spawned
type Launcher struct {
	Spawner         supervisor.Spawner
	Binary          string
	Args            []string
	GracefulTimeout time.Duration
	Detector        detector.Settings
	LogLevel        string
	LogFormat       string
}

// CommunicationConfig holds the two endpoints a local worker uses: the
// orchestrator's event endpoint it reports to and the listener it takes
// commands on
type CommunicationConfig struct {
	Callback transport.Endpoint
	Listener transport.Endpoint
}

// NewCommunicationConfig builds the endpoints for a worker listening on
// address:listenerPort. A zero callback port disables event reporting.
func NewCommunicationConfig(address string, listenerPort int, callbackAddress string, callbackPort int) (CommunicationConfig, error) {
	listener, err := transport.NewEndpoint(address, listenerPort)
	if err != nil {
		return CommunicationConfig{}, err
	}

	comm := CommunicationConfig{Listener: listener}
	if callbackPort > 0 {
		if callbackAddress == "" {
			callbackAddress = address
		}
		comm.Callback, err = transport.NewEndpoint(callbackAddress, callbackPort)
		if err != nil {
			return CommunicationConfig{}, err
		}
	}
	return comm, nil
}

// LocalDevice owns a worker process spawned on this host. The process never
// outlives the device's ON state: Stop always tears it down.
type LocalDevice struct {
	base
	launcher Launcher

	// guarded by recMu, written only with op held
	comm    CommunicationConfig
	process supervisor.Process
}

// NewLocalDevice creates an OFF local device
func NewLocalDevice(rec Record, comm CommunicationConfig, launcher Launcher, client Commander, logger *slog.Logger) *LocalDevice {
	rec.Location = LocationLocal
	d := &LocalDevice{launcher: launcher, comm: comm}
	d.init(rec, client, logger)
	return d
}

// Status reports UNKNOWN when the device is ON but its worker has exited
func (d *LocalDevice) Status() Status {
	d.recMu.RLock()
	s, p := d.record.Status, d.process
	d.recMu.RUnlock()

	if s == StatusOn && p != nil && !p.IsAlive() {
		return StatusUnknown
	}
	return s
}

func (d *LocalDevice) setProcess(p supervisor.Process) {
	d.recMu.Lock()
	d.process = p
	d.recMu.Unlock()
}

// Start spawns the worker and connects to its command listener
func (d *LocalDevice) Start() bool {
	d.op.Lock()
	defer d.op.Unlock()

	if d.status() != StatusOff {
		return false
	}

	listener, err := d.listener()
	if err != nil {
		d.logger.Error("Invalid listener endpoint", "error", err)
		return false
	}
	if d.launcher.Spawner == nil {
		d.logger.Error("No spawner configured for local workers")
		return false
	}
	d.recMu.Lock()
	d.comm.Listener = listener
	d.recMu.Unlock()

	p, err := d.launcher.Spawner.Spawn(d.spec())
	if err != nil {
		d.logger.Error("Failed to spawn worker", "error", err)
		return false
	}

	if err := d.client.ConnectEndpoint(listener); err != nil && !errors.Is(err, transport.ErrAlreadyConnected) {
		d.logger.Error("Failed to connect to worker, terminating it", "endpoint", listener.String(), "error", err)
		d.shutdown(p)
		return false
	}

	d.setProcess(p)
	d.setStatus(StatusOn)
	return true
}

func (d *LocalDevice) spec() supervisor.Spec {
	rec := d.Record()
	s := worker.Settings{
		Name:          rec.Name,
		VideoSource:   rec.VideoSource,
		Role:          string(rec.Role),
		CaptureImages: rec.CaptureImages,
		ListenAddress: d.comm.Listener.Address(),
		ListenPort:    d.comm.Listener.Port,
		EventsAddress: d.comm.Callback.Address(),
		EventsPort:    d.comm.Callback.Port,
		LogLevel:      d.launcher.LogLevel,
		LogFormat:     d.launcher.LogFormat,
		Detector:      d.launcher.Detector,
	}
	if d.comm.Callback.IsZero() {
		s.EventsAddress = ""
	}

	return supervisor.Spec{
		Name:   rec.Name,
		Binary: d.launcher.Binary,
		Args:   d.launcher.Args,
		Env:    s.Environ(),
	}
}

// Stop asks the worker to turn OFF, then terminates the process if it is
// still alive. The device is OFF afterwards whether or not the worker answered.
func (d *LocalDevice) Stop() bool {
	d.op.Lock()
	defer d.op.Unlock()

	if d.status() != StatusOn {
		return false
	}

	if d.process != nil && !d.process.IsAlive() {
		d.logger.Warn("Worker already exited", "pid", d.process.PID(), "error", d.process.ExitErr())
	} else {
		d.send(command.StateChange(command.StateOff))
	}

	if d.process != nil {
		d.shutdown(d.process)
		d.setProcess(nil)
	}
	if err := d.client.Disconnect(); err != nil {
		d.logger.Warn("Failed to disconnect from worker", "error", err)
	}

	d.setStatus(StatusOff)
	return true
}

func (d *LocalDevice) shutdown(p supervisor.Process) {
	if err := supervisor.Shutdown(p, d.launcher.GracefulTimeout); err != nil {
		d.logger.Error("Failed to stop worker process", "pid", p.PID(), "error", err)
	}
}

// Update forwards fields to the running worker. On acknowledgement the
// video source and address are applied to the device record.
func (d *LocalDevice) Update(fields command.ConfigFields) bool {
	d.op.Lock()
	defer d.op.Unlock()
	return d.update(fields)
}

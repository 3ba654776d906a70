package device

import (
	"errors"
	"log/slog"

	"github.com/Spatial-NVR/plategate/internal/command"
	"github.com/Spatial-NVR/plategate/internal/transport"
)

// RemoteDevice commands a worker daemon running elsewhere. It cannot kill its
// worker, so it only turns OFF once the worker acknowledges.
type RemoteDevice struct {
	base
}

// NewRemoteDevice creates an OFF remote device
func NewRemoteDevice(rec Record, client Commander, logger *slog.Logger) *RemoteDevice {
	rec.Location = LocationRemote
	d := &RemoteDevice{}
	d.init(rec, client, logger)
	return d
}

func (d *RemoteDevice) Status() Status {
	return d.status()
}

// Start connects to the daemon and asks it to turn ON. The device is marked
// ON once connected, whatever the daemon answers.
func (d *RemoteDevice) Start() bool {
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
	if err := d.client.ConnectEndpoint(listener); err != nil && !errors.Is(err, transport.ErrAlreadyConnected) {
		d.logger.Error("Failed to connect to worker", "endpoint", listener.String(), "error", err)
		return false
	}

	if !d.send(command.StateChange(command.StateOn)) {
		d.logger.Info("Worker did not confirm ON, assuming it is running")
	}

	d.setStatus(StatusOn)
	return true
}

// Stop asks the daemon to turn OFF. Without an acknowledgement the device
// stays ON and Stop returns false.
func (d *RemoteDevice) Stop() bool {
	d.op.Lock()
	defer d.op.Unlock()

	if d.status() != StatusOn {
		return false
	}

	if !d.send(command.StateChange(command.StateOff)) {
		d.logger.Warn("Worker did not acknowledge OFF, device stays ON")
		return false
	}

	if err := d.client.Disconnect(); err != nil {
		d.logger.Warn("Failed to disconnect from worker", "error", err)
	}
	d.setStatus(StatusOff)
	return true
}

// Update forwards fields to the daemon. On acknowledgement the video source
// and address are applied to the device record.
func (d *RemoteDevice) Update(fields command.ConfigFields) bool {
	d.op.Lock()
	defer d.op.Unlock()
	return d.update(fields)
}

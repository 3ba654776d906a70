// Package device manages the detection sources the orchestrator controls.
//
// A device is either LOCAL, where the orchestrator spawns and owns the worker
// process, or REMOTE, where the worker is a daemon running elsewhere. Both are
// driven through the same Device interface and commanded over the command
// channel.
package device

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Spatial-NVR/plategate/internal/command"
	"github.com/Spatial-NVR/plategate/internal/transport"
)

// Status mirrors the worker's run state as last observed
type Status string

const (
	StatusOn      Status = "ON"
	StatusOff     Status = "OFF"
	StatusUnknown Status = "UNKNOWN"
)

// ParseStatus parses a status name, case-insensitively
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusOn:
		return StatusOn, nil
	case StatusOff:
		return StatusOff, nil
	case StatusUnknown:
		return StatusUnknown, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Location says who owns the worker
type Location string

const (
	LocationLocal  Location = "LOCAL"
	LocationRemote Location = "REMOTE"
)

// ParseLocation parses a location name. NONLOCAL is accepted for REMOTE.
func ParseLocation(s string) (Location, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOCAL":
		return LocationLocal, nil
	case "REMOTE", "NONLOCAL":
		return LocationRemote, nil
	}
	return "", fmt.Errorf("unknown location %q", s)
}

// Role tags detection events; it does not affect control
type Role string

const (
	RoleEntry Role = "ENTRY"
	RoleExit  Role = "EXIT"
)

// ParseRole parses a role name
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleEntry:
		return RoleEntry, nil
	case RoleExit:
		return RoleExit, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Record holds a device's identity and control metadata
type Record struct {
	Name          string
	Location      Location
	Address       string
	ListenerPort  int
	VideoSource   string
	Role          Role
	CaptureImages bool
	Status        Status
}

// Snapshot is the read-only listing view of a device
type Snapshot struct {
	Name         string   `json:"name"`
	Status       Status   `json:"status"`
	Address      string   `json:"address"`
	ListenerPort int      `json:"listener_port"`
	VideoSource  string   `json:"video_source"`
	Location     Location `json:"location"`
	Role         Role     `json:"role"`
	Persistence  bool     `json:"persistence"`
}

// Device is a controllable detection source
type Device interface {
	// Start turns an OFF device ON and reports whether it did
	Start() bool
	// Stop turns an ON device OFF and reports whether it did
	Stop() bool
	// Update sends a reconfiguration to a running device and reports
	// whether the worker accepted it
	Update(fields command.ConfigFields) bool
	Status() Status
	Location() Location
	Record() Record
}

// Commander sends commands to one worker, one at a time
type Commander interface {
	ConnectEndpoint(ep transport.Endpoint) error
	Disconnect() error
	SendMessage(v any) (json.RawMessage, error)
}

// base carries what both device kinds share: the record and the command
// link. op serializes Start, Stop and Update on the device; recMu guards
// the record so it can be read while an operation waits on the worker.
type base struct {
	op     sync.Mutex
	recMu  sync.RWMutex
	record Record
	client Commander
	logger *slog.Logger
}

func (b *base) init(rec Record, client Commander, logger *slog.Logger) {
	rec.Status = StatusOff
	b.record = rec
	b.client = client
	b.logger = logger.With("device", rec.Name, "location", rec.Location)
}

func (b *base) Record() Record {
	b.recMu.RLock()
	defer b.recMu.RUnlock()
	return b.record
}

func (b *base) Location() Location {
	return b.Record().Location
}

func (b *base) status() Status {
	b.recMu.RLock()
	defer b.recMu.RUnlock()
	return b.record.Status
}

func (b *base) setStatus(s Status) {
	b.recMu.Lock()
	b.record.Status = s
	b.recMu.Unlock()
	b.logger.Info("Device status changed", "status", s)
}

// listener returns the endpoint the worker takes commands on
func (b *base) listener() (transport.Endpoint, error) {
	rec := b.Record()
	return transport.NewEndpoint(rec.Address, rec.ListenerPort)
}

// send sends req and reports whether the worker acknowledged it.
// Transport failures and timeouts count as not acknowledged.
func (b *base) send(req command.Request) bool {
	reply, err := b.client.SendMessage(req)
	if err != nil {
		b.logger.Warn("Command failed, outcome unknown", "target_state", req.TargetState, "error", err)
		return false
	}
	ok := transport.Acknowledged(reply)
	if !ok {
		b.logger.Warn("Command not acknowledged", "target_state", req.TargetState, "reply", string(reply))
	}
	return ok
}

// update implements Device.Update for both kinds; op must be held
func (b *base) update(fields command.ConfigFields) bool {
	if b.status() != StatusOn {
		b.logger.Info("Device not running, update ignored")
		return false
	}

	if !b.send(command.Configuration(fields)) {
		return false
	}

	b.recMu.Lock()
	if fields.VideoSource != nil {
		b.record.VideoSource = *fields.VideoSource
	}
	if fields.Address != nil {
		b.record.Address = *fields.Address
	}
	b.recMu.Unlock()

	b.logger.Info("Device reconfigured")
	return true
}

// SnapshotOf projects d into its listing view
func SnapshotOf(d Device) Snapshot {
	rec := d.Record()
	return Snapshot{
		Name:         rec.Name,
		Status:       d.Status(),
		Address:      rec.Address,
		ListenerPort: rec.ListenerPort,
		VideoSource:  rec.VideoSource,
		Location:     rec.Location,
		Role:         rec.Role,
		Persistence:  rec.CaptureImages,
	}
}

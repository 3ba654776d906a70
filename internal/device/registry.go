package device

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/Spatial-NVR/plategate/internal/command"
	"github.com/Spatial-NVR/plategate/internal/ports"
	"github.com/Spatial-NVR/plategate/internal/transport"
)

// Spec is what addDevice needs to create a device
type Spec struct {
	Name          string
	Location      Location
	Address       string
	ListenerPort  int
	VideoSource   string
	Role          Role
	CaptureImages bool
}

// Options configure a Registry
type Options struct {
	// Launcher spawns the workers of LOCAL devices
	Launcher Launcher

	// CallbackAddress and EventsPort form the event endpoint local workers
	// report to. An empty address means the device's own address.
	CallbackAddress string
	EventsPort      int

	// NewCommander creates the command link for each device.
	// Defaults to a transport client.
	NewCommander func() Commander

	// Ports allocates listener ports for LOCAL devices added with port 0.
	// Without it such devices are rejected.
	Ports *ports.Manager

	// OnChange is called after every successful state change
	OnChange func(Snapshot)

	Logger *slog.Logger
}

// Registry maps device names to devices. Names are unique. Device calls are
// made outside the registry lock so one slow device does not block the rest.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	devices map[string]Device
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	if opts.NewCommander == nil {
		opts.NewCommander = func() Commander { return transport.NewClient(logger) }
	}

	return &Registry{
		opts:    opts,
		logger:  logger.With("component", "device_registry"),
		devices: make(map[string]Device),
	}
}

// AddDevice creates an OFF device. It returns false if the name is taken or
// the device's endpoints are invalid; an existing device is never replaced.
func (r *Registry) AddDevice(spec Spec) bool {
	if spec.Name == "" {
		r.logger.Warn("Device name is required")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[spec.Name]; exists {
		r.logger.Warn("Device already exists", "device", spec.Name)
		return false
	}

	rec := Record{
		Name:          spec.Name,
		Location:      spec.Location,
		Address:       spec.Address,
		ListenerPort:  spec.ListenerPort,
		VideoSource:   spec.VideoSource,
		Role:          spec.Role,
		CaptureImages: spec.CaptureImages,
	}

	var d Device
	if spec.Location == LocationLocal {
		if rec.ListenerPort == 0 && r.opts.Ports != nil {
			port, err := r.opts.Ports.ReserveOrFind(0, spec.Name)
			if err != nil {
				r.logger.Warn("Failed to allocate listener port", "device", spec.Name, "error", err)
				return false
			}
			rec.ListenerPort = port
		}
		comm, err := NewCommunicationConfig(spec.Address, rec.ListenerPort, r.opts.CallbackAddress, r.opts.EventsPort)
		if err != nil {
			r.logger.Warn("Invalid device endpoint", "device", spec.Name, "error", err)
			r.releasePort(spec, rec.ListenerPort)
			return false
		}
		d = NewLocalDevice(rec, comm, r.opts.Launcher, r.opts.NewCommander(), r.opts.Logger)
	} else {
		if _, err := transport.NewEndpoint(spec.Address, spec.ListenerPort); err != nil {
			r.logger.Warn("Invalid device endpoint", "device", spec.Name, "error", err)
			return false
		}
		d = NewRemoteDevice(rec, r.opts.NewCommander(), r.opts.Logger)
	}

	r.devices[spec.Name] = d
	r.logger.Info("Device added", "device", spec.Name, "location", d.Location())
	return true
}

// RemoveDevice deletes the entry and reports whether it existed. It does not
// stop the device; callers stop it first.
func (r *Registry) RemoveDevice(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[name]
	if !ok {
		return false
	}
	delete(r.devices, name)
	if r.opts.Ports != nil {
		port := d.Record().ListenerPort
		if owner, ok := r.opts.Ports.Owner(port); ok && owner == name {
			r.opts.Ports.Release(port)
		}
	}
	r.logger.Info("Device removed", "device", name)
	return true
}

func (r *Registry) releasePort(spec Spec, port int) {
	if spec.ListenerPort == 0 && port != 0 {
		r.opts.Ports.Release(port)
	}
}

func (r *Registry) get(name string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	return d, ok
}

// Device returns the named device
func (r *Registry) Device(name string) (Device, bool) {
	return r.get(name)
}

// StartDevice starts the named device. False if unknown or not started.
func (r *Registry) StartDevice(name string) bool {
	d, ok := r.get(name)
	if !ok {
		return false
	}
	return r.changed(d, d.Start())
}

// StopDevice stops the named device. False if unknown or not stopped.
func (r *Registry) StopDevice(name string) bool {
	d, ok := r.get(name)
	if !ok {
		return false
	}
	return r.changed(d, d.Stop())
}

// HandleDeviceUpdate applies an operator request to the named device.
// ON with any fields reconfigures a running device, ON alone starts it and
// OFF stops it. Any other status is rejected.
func (r *Registry) HandleDeviceUpdate(name string, status Status, fields command.ConfigFields) bool {
	d, ok := r.get(name)
	if !ok {
		return false
	}

	switch status {
	case StatusOn:
		if !fields.IsEmpty() {
			return r.changed(d, d.Update(fields))
		}
		return r.changed(d, d.Start())
	case StatusOff:
		return r.changed(d, d.Stop())
	}

	r.logger.Warn("Invalid requested status", "device", name, "status", status)
	return false
}

func (r *Registry) changed(d Device, ok bool) bool {
	if ok && r.opts.OnChange != nil {
		r.opts.OnChange(SnapshotOf(d))
	}
	return ok
}

// Snapshot lists every device, sorted by name
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	devices := lo.Values(r.devices)
	r.mu.Unlock()

	snaps := lo.Map(devices, func(d Device, _ int) Snapshot { return SnapshotOf(d) })
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// Get returns the named device's snapshot
func (r *Registry) Get(name string) (Snapshot, bool) {
	d, ok := r.get(name)
	if !ok {
		return Snapshot{}, false
	}
	return SnapshotOf(d), true
}

// DeviceStatus returns the named device's status
func (r *Registry) DeviceStatus(name string) (Status, bool) {
	d, ok := r.get(name)
	if !ok {
		return "", false
	}
	return d.Status(), true
}

// DeviceLocation returns the named device's location
func (r *Registry) DeviceLocation(name string) (Location, bool) {
	d, ok := r.get(name)
	if !ok {
		return "", false
	}
	return d.Location(), true
}

// DeviceAddress returns the named device's command endpoint as
// scheme://host:port. A record without a usable port yields the bare address.
func (r *Registry) DeviceAddress(name string) (string, bool) {
	d, ok := r.get(name)
	if !ok {
		return "", false
	}
	rec := d.Record()
	ep, err := transport.NewEndpoint(rec.Address, rec.ListenerPort)
	if err != nil {
		return rec.Address, true
	}
	return ep.String(), true
}

// DeviceRole returns the named device's role
func (r *Registry) DeviceRole(name string) (Role, bool) {
	d, ok := r.get(name)
	if !ok {
		return "", false
	}
	return d.Record().Role, true
}

// DevicePersistence returns whether the named device captures images
func (r *Registry) DevicePersistence(name string) (bool, bool) {
	d, ok := r.get(name)
	if !ok {
		return false, false
	}
	return d.Record().CaptureImages, true
}

// Len returns the number of devices
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Close stops every running device in parallel and waits for them
func (r *Registry) Close() {
	r.mu.Lock()
	devices := lo.Values(r.devices)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devices {
		if d.Status() == StatusOff {
			continue
		}
		wg.Add(1)
		go func(d Device) {
			defer wg.Done()
			if d.Stop() {
				r.logger.Info("Device stopped on shutdown", "device", d.Record().Name)
			}
		}(d)
	}
	wg.Wait()
}

package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/plategate/internal/command"
	"github.com/Spatial-NVR/plategate/internal/device"
)

// DeviceRegistry is the part of the device registry the API drives
type DeviceRegistry interface {
	AddDevice(spec device.Spec) bool
	RemoveDevice(name string) bool
	StartDevice(name string) bool
	StopDevice(name string) bool
	HandleDeviceUpdate(name string, status device.Status, fields command.ConfigFields) bool
	Snapshot() []device.Snapshot
	Get(name string) (device.Snapshot, bool)
}

// DeviceHandler handles device control requests
type DeviceHandler struct {
	registry  DeviceRegistry
	validator *DeviceValidator
	logger    *slog.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(registry DeviceRegistry, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		registry:  registry,
		validator: NewDeviceValidator(),
		logger:    logger.With("component", "device_api"),
	}
}

// Routes returns the device routes
func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{name}", h.Get)
	r.Put("/{name}", h.Update)
	r.Delete("/{name}", h.Delete)
	r.Post("/{name}/start", h.Start)
	r.Post("/{name}/stop", h.Stop)

	return r
}

// DeviceRequest represents a device creation request. A status of ON
// starts the device once it is added.
type DeviceRequest struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	Address       string `json:"address"`
	ListenerPort  int    `json:"listener_port"`
	VideoSource   string `json:"video_source"`
	Role          string `json:"role"`
	CaptureImages bool   `json:"capture_images"`
	Status        string `json:"status,omitempty"`
}

func (req *DeviceRequest) setDefaults() {
	if req.Location == "" {
		req.Location = string(device.LocationLocal)
	}
	if req.Role == "" {
		req.Role = string(device.RoleEntry)
	}
	if req.VideoSource == "" {
		req.VideoSource = "0"
	}
}

// UpdateRequest represents a device update. With status ON, any field
// present reconfigures the running worker; without fields the device is
// started. OFF stops it.
type UpdateRequest struct {
	Status string `json:"status"`
	command.ConfigFields
}

// List returns every device
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	OK(w, h.registry.Snapshot())
}

// Create adds a device
func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}
	req.setDefaults()

	if errs := h.validator.Validate(req); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	if _, exists := h.registry.Get(req.Name); exists {
		Conflict(w, fmt.Sprintf("device %s already exists", req.Name))
		return
	}

	// Values were checked by the validator
	loc, _ := device.ParseLocation(req.Location)
	role, _ := device.ParseRole(req.Role)

	spec := device.Spec{
		Name:          req.Name,
		Location:      loc,
		Address:       req.Address,
		ListenerPort:  req.ListenerPort,
		VideoSource:   req.VideoSource,
		Role:          role,
		CaptureImages: req.CaptureImages,
	}
	if !h.registry.AddDevice(spec) {
		Unprocessable(w, fmt.Sprintf("device %s not added", req.Name))
		return
	}
	h.logger.Info("Device added via API", "device", req.Name, "video_source", SanitizeStreamURL(req.VideoSource))

	if status, _ := device.ParseStatus(req.Status); status == device.StatusOn {
		if !h.registry.StartDevice(req.Name) {
			Unprocessable(w, fmt.Sprintf("device %s added but not started", req.Name))
			return
		}
	}

	snap, _ := h.registry.Get(req.Name)
	Created(w, snap)
}

// Get returns one device's status, location and address
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	snap, ok := h.registry.Get(name)
	if !ok {
		NotFound(w, fmt.Sprintf("device %s not found", name))
		return
	}

	OK(w, snap)
}

// Update applies a requested status and configuration to a device
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, ok := h.registry.Get(name); !ok {
		NotFound(w, fmt.Sprintf("device %s not found", name))
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	if errs := h.validator.ValidateUpdate(req); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	status, _ := device.ParseStatus(req.Status)
	if !h.registry.HandleDeviceUpdate(name, status, req.ConfigFields) {
		Unprocessable(w, fmt.Sprintf("device %s not updated", name))
		return
	}

	snap, _ := h.registry.Get(name)
	OK(w, snap)
}

// Delete stops a device if needed and removes it
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	snap, ok := h.registry.Get(name)
	if !ok {
		NotFound(w, fmt.Sprintf("device %s not found", name))
		return
	}

	if snap.Status != device.StatusOff && !h.registry.StopDevice(name) {
		Unprocessable(w, fmt.Sprintf("device %s not stopped", name))
		return
	}

	h.registry.RemoveDevice(name)
	NoContent(w)
}

// Start starts a device
func (h *DeviceHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, chi.URLParam(r, "name"), h.registry.StartDevice, "started")
}

// Stop stops a device
func (h *DeviceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.transition(w, chi.URLParam(r, "name"), h.registry.StopDevice, "stopped")
}

func (h *DeviceHandler) transition(w http.ResponseWriter, name string, fn func(string) bool, verb string) {
	if _, ok := h.registry.Get(name); !ok {
		NotFound(w, fmt.Sprintf("device %s not found", name))
		return
	}

	if !fn(name) {
		Unprocessable(w, fmt.Sprintf("device %s not %s", name, verb))
		return
	}

	snap, _ := h.registry.Get(name)
	OK(w, snap)
}

package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/Spatial-NVR/plategate/internal/device"
	"github.com/Spatial-NVR/plategate/internal/transport"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var deviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var videoSchemes = map[string]bool{
	"rtsp":  true,
	"rtsps": true,
	"rtmp":  true,
	"http":  true,
	"https": true,
	"file":  true,
}

// DeviceValidator validates device requests
type DeviceValidator struct {
	errors ValidationErrors
}

// NewDeviceValidator creates a new device validator
func NewDeviceValidator() *DeviceValidator {
	return &DeviceValidator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *DeviceValidator) add(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates a request to add a device
func (v *DeviceValidator) Validate(req DeviceRequest) ValidationErrors {
	v.errors = make(ValidationErrors, 0)

	if err := ValidateDeviceName(req.Name); err != nil {
		v.add("name", err.Error())
	}

	loc, err := device.ParseLocation(req.Location)
	if err != nil {
		v.add("location", "location must be LOCAL or REMOTE")
	}

	v.validateAddress(req.Address)

	switch {
	case req.ListenerPort < 0 || req.ListenerPort > 65535:
		v.add("listener_port", "listener port must be between 1 and 65535")
	case req.ListenerPort == 0 && loc == device.LocationRemote:
		v.add("listener_port", "listener port is required for remote devices")
	}

	if req.Role != "" {
		if _, err := device.ParseRole(req.Role); err != nil {
			v.add("role", "role must be ENTRY or EXIT")
		}
	}

	if req.VideoSource != "" {
		v.validateVideoSource(req.VideoSource)
	}

	if req.Status != "" {
		if _, err := device.ParseStatus(req.Status); err != nil {
			v.add("status", err.Error())
		}
	}

	return v.errors
}

// ValidateUpdate validates a device update. Only fields that are present
// are checked.
func (v *DeviceValidator) ValidateUpdate(req UpdateRequest) ValidationErrors {
	v.errors = make(ValidationErrors, 0)

	if _, err := device.ParseStatus(req.Status); err != nil {
		v.add("status", err.Error())
	}
	if req.Address != nil {
		v.validateAddress(*req.Address)
	}
	if req.ListenerPort != nil && (*req.ListenerPort <= 0 || *req.ListenerPort > 65535) {
		v.add("listener_port", "listener port must be between 1 and 65535")
	}
	if req.VideoSource != nil {
		v.validateVideoSource(*req.VideoSource)
	}

	return v.errors
}

func (v *DeviceValidator) validateAddress(address string) {
	if address == "" {
		v.add("address", "address is required")
		return
	}
	if _, err := transport.NewEndpoint(address, 1); err != nil {
		v.add("address", err.Error())
	}
}

// Video sources are a capture device index, an absolute path or a stream URL
func (v *DeviceValidator) validateVideoSource(src string) {
	if n, err := strconv.Atoi(src); err == nil {
		if n < 0 {
			v.add("video_source", "capture device index must not be negative")
		}
		return
	}
	if strings.HasPrefix(src, "/") {
		return
	}

	u, err := url.Parse(src)
	if err != nil {
		v.add("video_source", "invalid URL format")
		return
	}
	if !videoSchemes[strings.ToLower(u.Scheme)] {
		v.add("video_source", fmt.Sprintf("unsupported video source '%s'. Supported: device index, path, rtsp, rtsps, rtmp, http, https, file", src))
		return
	}
	if u.Host == "" && u.Scheme != "file" {
		v.add("video_source", "stream URL must include a host")
	}
}

// ValidateDeviceName validates a device name format
func ValidateDeviceName(name string) error {
	if name == "" {
		return fmt.Errorf("device name is required")
	}

	if !deviceNamePattern.MatchString(name) {
		return fmt.Errorf("device name must contain only letters, numbers, underscores, and hyphens")
	}

	if len(name) > 50 {
		return fmt.Errorf("device name must be less than 50 characters")
	}

	return nil
}

// SanitizeStreamURL removes credentials from a URL for logging. Sources that
// are not URLs are returned unchanged.
func SanitizeStreamURL(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "[invalid-url]"
	}
	if u.Scheme == "" || u.Host == "" {
		return streamURL
	}

	// Remove user info
	u.User = nil

	return u.String()
}

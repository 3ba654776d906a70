package events

import (
	"encoding/json"
	"log/slog"

	"github.com/Spatial-NVR/plategate/internal/transport"
)

// Sender sends one message and returns the raw reply
type Sender interface {
	SendMessage(v any) (json.RawMessage, error)
}

// Reporter sends a worker's detections to the orchestrator's event endpoint,
// tagging each with the detector name and role
type Reporter struct {
	sender Sender
	name   string
	role   string
	logger *slog.Logger
}

// NewReporter creates a reporter for detector name with the given role
func NewReporter(sender Sender, name, role string, logger *slog.Logger) *Reporter {
	return &Reporter{
		sender: sender,
		name:   name,
		role:   role,
		logger: logger.With("component", "event_reporter", "detector", name),
	}
}

// Report sends d and reports whether the orchestrator accepted it
func (r *Reporter) Report(d Detection) bool {
	if d.Detector == "" {
		d.Detector = r.name
	}
	if d.Role == "" {
		d.Role = r.role
	}

	reply, err := r.sender.SendMessage(d)
	if err != nil {
		r.logger.Warn("Failed to report detection", "plate", d.Plate(), "error", err)
		return false
	}
	if !transport.Acknowledged(reply) {
		r.logger.Warn("Detection rejected", "plate", d.Plate())
		return false
	}
	return true
}

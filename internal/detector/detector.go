// Package detector is the boundary to the plate recognizer. A Detector runs
// recognition on one video source until its context is cancelled and reports
// each newly recognized plate.
package detector

import (
	"context"
	"log/slog"

	"github.com/Spatial-NVR/plategate/internal/events"
)

// Detector runs a recognition loop. Run returns nil when ctx is cancelled
// and an error when the loop stops on its own.
type Detector interface {
	Run(ctx context.Context) error
}

// ReportFunc receives each detection and reports whether it was delivered
type ReportFunc func(d events.Detection) bool

// Factory builds a detector for cfg
type Factory func(cfg Config, report ReportFunc, logger *slog.Logger) (Detector, error)

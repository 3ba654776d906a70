// Package events provides plate detection events: the wire model workers
// report, the orchestrator-side service that receives and stores them, and
// the fan-out to sinks.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Candidate is one recognized plate reading. On the wire it is a
// two element array: [plate, confidence].
type Candidate struct {
	Plate      string
	Confidence float64
}

func (c Candidate) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Plate, c.Confidence})
}

// UnmarshalJSON accepts the [plate, confidence] pair as well as the
// recognizer's {"plate": ..., "confidence": ...} object form.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("candidate must have 2 elements, got %d", len(pair))
		}
		if err := json.Unmarshal(pair[0], &c.Plate); err != nil {
			return fmt.Errorf("invalid candidate plate: %w", err)
		}
		if err := json.Unmarshal(pair[1], &c.Confidence); err != nil {
			return fmt.Errorf("invalid candidate confidence: %w", err)
		}
		return nil
	}

	var obj struct {
		Plate      string  `json:"plate"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	c.Plate = obj.Plate
	c.Confidence = obj.Confidence
	return nil
}

// Detection is reported by a detector each time it recognizes a new plate
type Detection struct {
	ID         string      `json:"id,omitempty"`
	Detector   string      `json:"detector"`
	Role       string      `json:"detector_role,omitempty"`
	Candidates []Candidate `json:"candidates"`
	Timestamp  time.Time   `json:"timestamp,omitzero"`
}

var (
	ErrNoDetector   = errors.New("detection has no detector name")
	ErrNoCandidates = errors.New("detection has no candidates")
)

// Validate checks the fields every detection must carry
func (d *Detection) Validate() error {
	if d.Detector == "" {
		return ErrNoDetector
	}
	if len(d.Candidates) == 0 {
		return ErrNoCandidates
	}
	return nil
}

// Plate returns the best candidate's plate
func (d *Detection) Plate() string {
	if len(d.Candidates) == 0 {
		return ""
	}
	return d.Candidates[0].Plate
}

// Confidence returns the best candidate's confidence
func (d *Detection) Confidence() float64 {
	if len(d.Candidates) == 0 {
		return 0
	}
	return d.Candidates[0].Confidence
}

// ListOptions represents filters for querying detections
type ListOptions struct {
	Detector string    `json:"detector,omitempty"`
	Plate    string    `json:"plate,omitempty"`
	Since    time.Time `json:"since,omitzero"`
	Limit    int       `json:"limit,omitempty"`
	Offset   int       `json:"offset,omitempty"`
}

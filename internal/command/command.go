// Package command defines the control messages exchanged between the
// orchestrator and detection workers.
//
// Two request shapes exist on the wire:
//
//	{"target_state": "OFF"}
//	{"target_state": "CONFIGURE", "device_specific_config": {"video_source": "1"}}
//
// A request always carries exactly one target state. A configuration payload
// is only meaningful together with CONFIGURE.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TargetState is the run state a worker is asked to move to
type TargetState string

const (
	StateOn        TargetState = "ON"
	StateConfigure TargetState = "CONFIGURE"
	StateOff       TargetState = "OFF"
)

var (
	// ErrMissingTargetState is returned when a request carries no target_state
	ErrMissingTargetState = errors.New("request has no target_state")
)

// Valid reports whether s is one of the known target states
func (s TargetState) Valid() bool {
	switch s {
	case StateOn, StateConfigure, StateOff:
		return true
	}
	return false
}

// Request is a command sent over the command channel
type Request struct {
	TargetState          TargetState   `json:"target_state"`
	DeviceSpecificConfig *ConfigFields `json:"device_specific_config,omitempty"`
}

// StateChange builds a plain state transition request
func StateChange(state TargetState) Request {
	return Request{TargetState: state}
}

// Configuration builds a reconfiguration request. The target state is
// always CONFIGURE.
func Configuration(fields ConfigFields) Request {
	return Request{
		TargetState:          StateConfigure,
		DeviceSpecificConfig: &fields,
	}
}

// IsConfiguration reports whether the request carries a configuration payload
func (r Request) IsConfiguration() bool {
	return r.DeviceSpecificConfig != nil
}

// Encode serializes the request to its wire form
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a request from its wire form. Unknown keys inside
// device_specific_config are ignored. A request with a configuration payload
// is always decoded as CONFIGURE. An unrecognized target state is returned
// as-is so the receiver can reject it.
func Decode(data []byte) (Request, error) {
	var raw struct {
		TargetState          *TargetState  `json:"target_state"`
		DeviceSpecificConfig *ConfigFields `json:"device_specific_config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, fmt.Errorf("failed to decode command: %w", err)
	}
	if raw.TargetState == nil {
		return Request{}, ErrMissingTargetState
	}

	if raw.DeviceSpecificConfig != nil {
		return Configuration(*raw.DeviceSpecificConfig), nil
	}
	return StateChange(*raw.TargetState), nil
}

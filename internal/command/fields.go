package command

// ConfigFields is a partial device configuration. Nil fields are absent and
// never overwrite anything when merged.
type ConfigFields struct {
	VideoSource   *string `json:"video_source,omitempty"`
	Address       *string `json:"address,omitempty"`
	ListenerPort  *int    `json:"listener_port,omitempty"`
	CaptureImages *bool   `json:"capture_images,omitempty"`
}

// IsEmpty reports whether no field is present
func (f ConfigFields) IsEmpty() bool {
	return f.VideoSource == nil && f.Address == nil && f.ListenerPort == nil && f.CaptureImages == nil
}

// Merge returns f with every field present in other copied over it
func (f ConfigFields) Merge(other ConfigFields) ConfigFields {
	if other.VideoSource != nil {
		f.VideoSource = String(*other.VideoSource)
	}
	if other.Address != nil {
		f.Address = String(*other.Address)
	}
	if other.ListenerPort != nil {
		f.ListenerPort = Int(*other.ListenerPort)
	}
	if other.CaptureImages != nil {
		f.CaptureImages = Bool(*other.CaptureImages)
	}
	return f
}

// String returns a pointer to v
func String(v string) *string { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }

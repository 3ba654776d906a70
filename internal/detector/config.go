package detector

import (
	"strconv"
	"strings"

	"github.com/Spatial-NVR/plategate/internal/command"
)

// Settings are the recognizer options shared by every detector instance.
// They are read from the orchestrator's config file and passed to workers
// through the environment.
type Settings struct {
	Binary     string `yaml:"binary" env:"BINARY" json:"binary"`
	Region     string `yaml:"region" env:"REGION" json:"region"`
	ConfigFile string `yaml:"config_file" env:"CONFIG_FILE" json:"config_file,omitempty"`
	TopN       int    `yaml:"top_n" env:"TOP_N" json:"top_n"`
	// FrameSkip drops every FrameSkip-th recognized frame. 0 or 1 keeps all.
	FrameSkip  int    `yaml:"frame_skip" env:"FRAME_SKIP" json:"frame_skip"`
	CaptureDir string `yaml:"capture_dir" env:"CAPTURE_DIR" json:"capture_dir"`
}

// DefaultSettings returns the recognizer defaults
func DefaultSettings() Settings {
	return Settings{
		Binary:     "alpr",
		Region:     "eu",
		TopN:       5,
		FrameSkip:  12,
		CaptureDir: "captures",
	}
}

// Environ returns the settings as environment variables named prefix+KEY
func (s Settings) Environ(prefix string) map[string]string {
	env := map[string]string{
		prefix + "BINARY":      s.Binary,
		prefix + "REGION":      s.Region,
		prefix + "TOP_N":       strconv.Itoa(s.TopN),
		prefix + "FRAME_SKIP":  strconv.Itoa(s.FrameSkip),
		prefix + "CAPTURE_DIR": s.CaptureDir,
	}
	if s.ConfigFile != "" {
		env[prefix+"CONFIG_FILE"] = s.ConfigFile
	}
	return env
}

// Config is everything one detector instance runs with
type Config struct {
	Name          string
	Role          string
	VideoSource   string
	CaptureImages bool
	Settings
}

// Apply returns a copy of c with the present fields of f merged in.
// Fields the detector does not use (address, listener port) are ignored.
func (c Config) Apply(f command.ConfigFields) Config {
	if f.VideoSource != nil {
		c.VideoSource = *f.VideoSource
	}
	if f.CaptureImages != nil {
		c.CaptureImages = *f.CaptureImages
	}
	return c
}

// Source returns the capture source to open. A numeric source is a local
// camera index and maps to its video device.
func (c Config) Source() string {
	src := strings.TrimSpace(c.VideoSource)
	if n, err := strconv.Atoi(src); err == nil && n >= 0 {
		return "/dev/video" + strconv.Itoa(n)
	}
	return src
}

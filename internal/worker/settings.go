package worker

import (
	"fmt"
	"strconv"

	"github.com/caarlos0/env/v11"

	"github.com/Spatial-NVR/plategate/internal/detector"
)

// EnvPrefix prefixes every worker environment variable
const EnvPrefix = "PLATEGATE_WORKER_"

// Settings configure one worker process. The supervisor passes them to local
// workers through the environment; remote daemons set them the same way.
type Settings struct {
	Name          string `env:"NAME,required"`
	VideoSource   string `env:"VIDEO_SOURCE" envDefault:"0"`
	Role          string `env:"ROLE" envDefault:"ENTRY"`
	CaptureImages bool   `env:"CAPTURE_IMAGES"`

	// Command listener the orchestrator sends commands to
	ListenAddress string `env:"LISTEN_ADDRESS" envDefault:"tcp://127.0.0.1"`
	ListenPort    int    `env:"LISTEN_PORT,required"`

	// Orchestrator event endpoint; a zero port disables reporting
	EventsAddress string `env:"EVENTS_ADDRESS" envDefault:"tcp://127.0.0.1"`
	EventsPort    int    `env:"EVENTS_PORT"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Detector detector.Settings `envPrefix:"DETECTOR_"`
}

// LoadSettings reads the settings from the process environment
func LoadSettings() (Settings, error) {
	return ParseSettings(nil)
}

// ParseSettings reads the settings from environ, or from the process
// environment when environ is nil
func ParseSettings(environ map[string]string) (Settings, error) {
	s := Settings{Detector: detector.DefaultSettings()}
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Settings{}, fmt.Errorf("failed to parse worker environment: %w", err)
	}
	return s, nil
}

// Environ returns the settings as the environment LoadSettings reads
func (s Settings) Environ() map[string]string {
	e := s.Detector.Environ(EnvPrefix + "DETECTOR_")
	e[EnvPrefix+"NAME"] = s.Name
	e[EnvPrefix+"VIDEO_SOURCE"] = s.VideoSource
	e[EnvPrefix+"ROLE"] = s.Role
	e[EnvPrefix+"CAPTURE_IMAGES"] = strconv.FormatBool(s.CaptureImages)
	e[EnvPrefix+"LISTEN_ADDRESS"] = s.ListenAddress
	e[EnvPrefix+"LISTEN_PORT"] = strconv.Itoa(s.ListenPort)
	e[EnvPrefix+"EVENTS_ADDRESS"] = s.EventsAddress
	e[EnvPrefix+"EVENTS_PORT"] = strconv.Itoa(s.EventsPort)
	if s.LogLevel != "" {
		e[EnvPrefix+"LOG_LEVEL"] = s.LogLevel
	}
	if s.LogFormat != "" {
		e[EnvPrefix+"LOG_FORMAT"] = s.LogFormat
	}
	return e
}

// DetectorConfig returns the initial detector configuration
func (s Settings) DetectorConfig() detector.Config {
	return detector.Config{
		Name:          s.Name,
		Role:          s.Role,
		VideoSource:   s.VideoSource,
		CaptureImages: s.CaptureImages,
		Settings:      s.Detector,
	}
}

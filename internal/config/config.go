// Package config provides configuration management for the orchestrator
package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/plategate/internal/detector"
	"github.com/Spatial-NVR/plategate/internal/ports"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PLATEGATE_"

// Config represents the orchestrator configuration
type Config struct {
	Version   string          `yaml:"version"`
	System    SystemConfig    `yaml:"system"`
	API       APIConfig       `yaml:"api"`
	Transport TransportConfig `yaml:"transport"`
	Events    EventsConfig    `yaml:"events"`
	Worker    WorkerConfig    `yaml:"worker"`
	Devices   []DeviceConfig  `yaml:"devices"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string        `yaml:"name" env:"NAME"`
	DataPath string        `yaml:"data_path" env:"DATA_PATH"`
	Logging  LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // text or json
}

// APIConfig holds the operator API listener
type APIConfig struct {
	Address string `yaml:"address" env:"API_ADDRESS"`
	Port    int    `yaml:"port" env:"API_PORT"`
}

// TransportConfig holds command channel timings
type TransportConfig struct {
	PollTimeout    time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// EventsConfig holds the detection event endpoint and its sinks
type EventsConfig struct {
	// BindAddress is where the event endpoint listens
	BindAddress string `yaml:"bind_address" env:"EVENTS_BIND_ADDRESS"`
	// CallbackAddress is what local workers dial to report; empty means
	// the device's own address
	CallbackAddress string `yaml:"callback_address" env:"EVENTS_CALLBACK_ADDRESS"`
	// Port 0 picks a free port
	Port  int         `yaml:"port" env:"EVENTS_PORT"`
	Store bool        `yaml:"store" env:"EVENTS_STORE"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// MQTTConfig holds the MQTT sink settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" env:"MQTT_ENABLED"`
	Broker      string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID    string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	Username    string `yaml:"username,omitempty" env:"MQTT_USERNAME"`
	Password    string `yaml:"password,omitempty" env:"MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" env:"MQTT_TOPIC_PREFIX"`
	QoS         int    `yaml:"qos" env:"MQTT_QOS"`
	Retain      bool   `yaml:"retain" env:"MQTT_RETAIN"`
}

// KafkaConfig holds the Kafka sink settings
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers  []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic    string   `yaml:"topic" env:"KAFKA_TOPIC"`
	ClientID string   `yaml:"client_id" env:"KAFKA_CLIENT_ID"`
}

// WorkerConfig describes how local workers are launched
type WorkerConfig struct {
	Binary          string            `yaml:"binary" env:"WORKER_BINARY"`
	Args            []string          `yaml:"args,omitempty"`
	GracefulTimeout time.Duration     `yaml:"graceful_timeout" env:"WORKER_GRACEFUL_TIMEOUT"`
	Detector        detector.Settings `yaml:"detector" envPrefix:"DETECTOR_"`
}

// DeviceConfig declares a device at startup
type DeviceConfig struct {
	Name          string `yaml:"name" json:"name"`
	Location      string `yaml:"location" json:"location"` // LOCAL or REMOTE
	Address       string `yaml:"address" json:"address"`
	ListenerPort  int    `yaml:"listener_port" json:"listener_port"`
	VideoSource   string `yaml:"video_source" json:"video_source"`
	Role          string `yaml:"role" json:"role"`
	CaptureImages bool   `yaml:"capture_images" json:"capture_images"`
	Autostart     bool   `yaml:"autostart" json:"autostart"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file, then applies environment
// overrides and defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	// Decrypt sensitive fields
	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Set defaults
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path if it exists, otherwise returns the defaults
// with environment overrides applied. The defaults are saved to path on
// the first Save.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := &Config{path: path, encKey: getEncryptionKey()}
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
		cfg.setDefaults()
		return cfg, nil
	}
	return Load(path)
}

// applyEnv overrides fields from PLATEGATE_* environment variables
func (c *Config) applyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return nil
}

// Validate checks the static device declarations
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)

	for i, d := range c.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: name is required", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true

		switch strings.ToUpper(d.Location) {
		case "LOCAL", "REMOTE", "NONLOCAL":
		default:
			errs = append(errs, fmt.Errorf("device %s: unknown location %q", d.Name, d.Location))
		}
		if d.Address == "" {
			errs = append(errs, fmt.Errorf("device %s: address is required", d.Name))
		}
		if d.ListenerPort < 0 || d.ListenerPort > 65535 {
			errs = append(errs, fmt.Errorf("device %s: invalid listener_port %d", d.Name, d.ListenerPort))
		}
	}

	if c.Events.MQTT.QoS < 0 || c.Events.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("events.mqtt: invalid qos %d", c.Events.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	// Create a copy for saving (without mutex)
	cfgCopy := &Config{
		Version:   c.Version,
		System:    c.System,
		API:       c.API,
		Transport: c.Transport,
		Events:    c.Events,
		Worker:    c.Worker,
		Devices:   c.Devices,
		path:      c.path,
		encKey:    c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# plategate configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch reloads the configuration whenever the file changes, until ctx is
// cancelled. The parent directory is watched so atomic replaces are seen.
func (c *Config) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := c.GetPath()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.API = newCfg.API
	c.Transport = newCfg.Transport
	c.Events = newCfg.Events
	c.Worker = newCfg.Worker
	c.Devices = newCfg.Devices
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// DeviceList returns a copy of the declared devices
func (c *Config) DeviceList() []DeviceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]DeviceConfig(nil), c.Devices...)
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "plategate"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "text"
	}
	if c.API.Address == "" {
		c.API.Address = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = ports.DefaultAPIPort
	}
	if c.Transport.PollTimeout == 0 {
		c.Transport.PollTimeout = time.Second
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = 10 * time.Second
	}
	if c.Events.BindAddress == "" {
		c.Events.BindAddress = "tcp://127.0.0.1"
	}
	if c.Events.MQTT.TopicPrefix == "" {
		c.Events.MQTT.TopicPrefix = "plategate"
	}
	if c.Events.MQTT.ClientID == "" {
		c.Events.MQTT.ClientID = c.System.Name
	}
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = "plategate.detections"
	}
	if c.Worker.Binary == "" {
		c.Worker.Binary = "plategate-worker"
	}
	if c.Worker.GracefulTimeout == 0 {
		c.Worker.GracefulTimeout = 5 * time.Second
	}

	d := detector.DefaultSettings()
	if c.Worker.Detector.Binary == "" {
		c.Worker.Detector.Binary = d.Binary
	}
	if c.Worker.Detector.Region == "" {
		c.Worker.Detector.Region = d.Region
	}
	if c.Worker.Detector.TopN == 0 {
		c.Worker.Detector.TopN = d.TopN
	}
	if c.Worker.Detector.FrameSkip == 0 {
		c.Worker.Detector.FrameSkip = d.FrameSkip
	}
	if c.Worker.Detector.CaptureDir == "" {
		c.Worker.Detector.CaptureDir = filepath.Join(c.System.DataPath, d.CaptureDir)
	}

	for i := range c.Devices {
		if c.Devices[i].Location == "" {
			c.Devices[i].Location = "LOCAL"
		}
		if c.Devices[i].Role == "" {
			c.Devices[i].Role = "ENTRY"
		}
		if c.Devices[i].VideoSource == "" {
			c.Devices[i].VideoSource = "0"
		}
	}
}

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	pw := c.Events.MQTT.Password
	if pw != "" && !strings.HasPrefix(pw, "encrypted:") {
		encrypted, err := encrypt(c.encKey, pw)
		if err != nil {
			return err
		}
		c.Events.MQTT.Password = "encrypted:" + encrypted
	}
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	if strings.HasPrefix(c.Events.MQTT.Password, "encrypted:") {
		encrypted := strings.TrimPrefix(c.Events.MQTT.Password, "encrypted:")
		decrypted, err := decrypt(c.encKey, encrypted)
		if err != nil {
			return err
		}
		c.Events.MQTT.Password = decrypted
	}
	return nil
}

// getEncryptionKey returns the encryption key from environment or the default
func getEncryptionKey() []byte {
	keyStr := os.Getenv(EnvPrefix + "ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("plategate-default-key-change-me!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// Package config provides configuration management for the camera daemon.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the full daemon configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	Camera      CameraConfig      `yaml:"camera"`
	Stream      StreamConfig      `yaml:"stream"`
	Enhancement EnhancementConfig `yaml:"enhancement"`
	NightVision NightVisionConfig `yaml:"night_vision"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive"`
	Health      HealthConfig      `yaml:"health"`
	Events      EventsConfig      `yaml:"events"`
	Logging     LoggingConfig     `yaml:"logging"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// CameraConfig holds the capture device settings.
type CameraConfig struct {
	Device    string         `yaml:"device"`
	Width     int            `yaml:"width"`
	Height    int            `yaml:"height"`
	Format    string         `yaml:"format,omitempty"` // yuyv or mjpeg
	TargetFPS int            `yaml:"target_fps"`
	Controls  CameraControls `yaml:"controls"`
}

// CameraControls mirrors the tuning controls applied at device open.
type CameraControls struct {
	AWBMode       int        `yaml:"awb_mode"`
	ColourGains   [2]float64 `yaml:"colour_gains,flow"`
	Brightness    float64    `yaml:"brightness"`
	Saturation    float64    `yaml:"saturation"`
	ExposureValue float64    `yaml:"exposure_value"`
}

// StreamConfig holds MJPEG distribution settings.
type StreamConfig struct {
	JPEGQuality      int `yaml:"jpeg_quality"`
	MaxClients       int `yaml:"max_clients"`
	ClientFPS        int `yaml:"client_fps"`
	ReducedClientFPS int `yaml:"reduced_client_fps"`
}

// EnhancementConfig holds the image enhancement settings.
type EnhancementConfig struct {
	DefaultLevel int `yaml:"default_level"` // 0..2
}

// NightVisionConfig holds night-vision startup state and tunables.
type NightVisionConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Auto           bool    `yaml:"auto"`
	GreenTint      bool    `yaml:"green_tint"`
	Strength       float64 `yaml:"strength"`        // 0.1..1.0
	LightThreshold float64 `yaml:"light_threshold"` // 10..150
}

// AdaptiveConfig holds the performance controller settings.
type AdaptiveConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"` // 2..5
}

// HealthConfig holds the watchdog settings.
type HealthConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	FrameTimeoutSeconds int `yaml:"frame_timeout_seconds"`
}

// EventsConfig holds the embedded event bus settings.
type EventsConfig struct {
	Port int `yaml:"port,omitempty"` // 0 picks an ephemeral port
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	BufferSize int    `yaml:"buffer_size"`
}

// Load loads configuration from a YAML file.
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
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Save writes the configuration back to its file atomically.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring the lock (caller must hold it).
func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version:     c.Version,
		Server:      c.Server,
		Camera:      c.Camera,
		Stream:      c.Stream,
		Enhancement: c.Enhancement,
		NightVision: c.NightVision,
		Adaptive:    c.Adaptive,
		Health:      c.Health,
		Events:      c.Events,
		Logging:     c.Logging,
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Camera Daemon Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching the configuration file for changes.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
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

	return watcher.Add(c.path)
}

// OnChange registers a callback invoked after each successful reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload re-reads the configuration from disk.
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.Server = newCfg.Server
	c.Camera = newCfg.Camera
	c.Stream = newCfg.Stream
	c.Enhancement = newCfg.Enhancement
	c.NightVision = newCfg.NightVision
	c.Adaptive = newCfg.Adaptive
	c.Health = newCfg.Health
	c.Events = newCfg.Events
	c.Logging = newCfg.Logging
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// Snapshot returns a copy of the public configuration tree.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Version:     c.Version,
		Server:      c.Server,
		Camera:      c.Camera,
		Stream:      c.Stream,
		Enhancement: c.Enhancement,
		NightVision: c.NightVision,
		Adaptive:    c.Adaptive,
		Health:      c.Health,
		Events:      c.Events,
		Logging:     c.Logging,
	}
}

// SetPath sets the path for the config file (used for saving).
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path.
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// AdaptiveInterval returns the controller period as a duration.
func (c *Config) AdaptiveInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Adaptive.IntervalSeconds) * time.Second
}

// HealthInterval returns the watchdog period as a duration.
func (c *Config) HealthInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

// FrameTimeout returns the staleness timeout as a duration.
func (c *Config) FrameTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Health.FrameTimeoutSeconds) * time.Second
}

// setDefaults fills in default values for unset fields and clamps
// tunables into their supported ranges.
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Camera.Device == "" {
		c.Camera.Device = "/dev/video0"
	}
	if c.Camera.Width == 0 {
		c.Camera.Width = 640
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = 480
	}
	if c.Camera.Format == "" {
		c.Camera.Format = "yuyv"
	}
	if c.Camera.TargetFPS == 0 {
		c.Camera.TargetFPS = 30
	}
	if c.Camera.Controls == (CameraControls{}) {
		c.Camera.Controls = CameraControls{
			AWBMode:       1,
			ColourGains:   [2]float64{1.4, 1.2},
			Brightness:    0.1,
			Saturation:    1.1,
			ExposureValue: 0.2,
		}
	}
	if c.Stream.JPEGQuality == 0 {
		c.Stream.JPEGQuality = 85
	}
	if c.Stream.JPEGQuality < 75 {
		c.Stream.JPEGQuality = 75
	}
	if c.Stream.JPEGQuality > 85 {
		c.Stream.JPEGQuality = 85
	}
	if c.Stream.MaxClients == 0 {
		c.Stream.MaxClients = 5
	}
	if c.Stream.ClientFPS == 0 {
		c.Stream.ClientFPS = 30
	}
	if c.Stream.ReducedClientFPS == 0 {
		c.Stream.ReducedClientFPS = 15
	}
	// Start at the full enhancement pipeline; the adaptive controller
	// steps down from here when throughput drops.
	if c.Enhancement.DefaultLevel == 0 {
		c.Enhancement.DefaultLevel = 2
	}
	if c.NightVision.Strength == 0 {
		c.NightVision.Strength = 0.7
	}
	if c.NightVision.LightThreshold == 0 {
		c.NightVision.LightThreshold = 30
	}
	if c.Adaptive.IntervalSeconds == 0 {
		c.Adaptive.IntervalSeconds = 3
	}
	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.FrameTimeoutSeconds == 0 {
		c.Health.FrameTimeoutSeconds = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.BufferSize == 0 {
		c.Logging.BufferSize = 1000
	}
}

// Validate rejects values that cannot be corrected by defaulting.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.TargetFPS < 0 || c.Camera.TargetFPS > 120 {
		return fmt.Errorf("invalid target fps: %d", c.Camera.TargetFPS)
	}
	if c.Stream.MaxClients < 0 {
		return fmt.Errorf("invalid max clients: %d", c.Stream.MaxClients)
	}
	if c.Enhancement.DefaultLevel < 0 || c.Enhancement.DefaultLevel > 2 {
		return fmt.Errorf("invalid enhancement level: %d", c.Enhancement.DefaultLevel)
	}
	if c.NightVision.Strength < 0.1 || c.NightVision.Strength > 1.0 {
		return fmt.Errorf("night vision strength out of range: %v", c.NightVision.Strength)
	}
	if c.NightVision.LightThreshold < 10 || c.NightVision.LightThreshold > 150 {
		return fmt.Errorf("light threshold out of range: %v", c.NightVision.LightThreshold)
	}
	if c.Adaptive.IntervalSeconds < 2 || c.Adaptive.IntervalSeconds > 5 {
		return fmt.Errorf("adaptive interval out of range: %ds", c.Adaptive.IntervalSeconds)
	}
	return nil
}

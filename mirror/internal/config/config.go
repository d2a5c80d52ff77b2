// Package config handles tuoris mirror configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level mirror configuration.
type Config struct {
	Addr      string          `yaml:"addr"`
	LogLevel  string          `yaml:"log_level"`
	Browser   BrowserConfig   `yaml:"browser"`
	Capture   CaptureConfig   `yaml:"capture"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Content   ContentConfig   `yaml:"content"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// BrowserConfig controls the Chrome host.
type BrowserConfig struct {
	Remote          string        `yaml:"remote"`
	Bin             string        `yaml:"bin"`
	Headful         bool          `yaml:"headful"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
}

// CaptureConfig tunes the capture agent.
type CaptureConfig struct {
	CanvasTag             string        `yaml:"canvas_tag"`
	Budget                time.Duration `yaml:"budget"`
	Cadence               time.Duration `yaml:"cadence"`
	BackpressureThreshold int           `yaml:"backpressure_threshold"`
}

// FanoutConfig tunes viewer delivery.
type FanoutConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// ContentConfig describes the mounted content.
type ContentConfig struct {
	// Locator is mounted at startup when set.
	Locator    string         `yaml:"locator"`
	LocalFiles bool           `yaml:"local_files"`
	Variables  map[string]any `yaml:"variables"`
	// Interactive leaves capture to an agent attached over /ingest.
	Interactive   bool          `yaml:"interactive"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// TransportConfig tunes the websocket channels.
type TransportConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	MaxMessage   int64         `yaml:"max_message"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// StorageConfig locates the SQLite database holding the session journal,
// metrics and heartbeats. An empty Path disables persistence.
type StorageConfig struct {
	Path              string        `yaml:"path"`
	MetricsFlush      time.Duration `yaml:"metrics_flush"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// RateLimitConfig bounds content replacements per client.
type RateLimitConfig struct {
	Every time.Duration `yaml:"every"`
	Burst int           `yaml:"burst"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, cfg.validate()
}

// Default returns the configuration of an empty file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Capture.CanvasTag == "" {
		c.Capture.CanvasTag = "svg"
	}
	if c.Capture.Budget <= 0 {
		c.Capture.Budget = 30 * time.Millisecond
	}
	if c.Capture.Cadence <= 0 {
		c.Capture.Cadence = 16 * time.Millisecond
	}
	if c.Capture.BackpressureThreshold <= 0 {
		c.Capture.BackpressureThreshold = 10000
	}
	if c.Fanout.QueueSize <= 0 {
		c.Fanout.QueueSize = 64
	}
	if c.Content.WatchDebounce <= 0 {
		c.Content.WatchDebounce = 200 * time.Millisecond
	}
	if c.Transport.WriteTimeout <= 0 {
		c.Transport.WriteTimeout = 10 * time.Second
	}
	if c.Transport.ReadTimeout <= 0 {
		c.Transport.ReadTimeout = 90 * time.Second
	}
	if c.Transport.PingInterval <= 0 {
		c.Transport.PingInterval = 30 * time.Second
	}
	if c.Transport.MaxMessage <= 0 {
		c.Transport.MaxMessage = 32 << 20
	}
	if c.Transport.SendBuffer <= 0 {
		c.Transport.SendBuffer = 16
	}
	if c.Storage.MetricsFlush <= 0 {
		c.Storage.MetricsFlush = 5 * time.Second
	}
	if c.Storage.HeartbeatInterval <= 0 {
		c.Storage.HeartbeatInterval = 15 * time.Second
	}
	if c.RateLimit.Every <= 0 {
		c.RateLimit.Every = time.Second
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
}

func (c *Config) validate() error {
	if c.Transport.PingInterval >= c.Transport.ReadTimeout {
		return fmt.Errorf("config: transport.ping_interval %s must be shorter than read_timeout %s",
			c.Transport.PingInterval, c.Transport.ReadTimeout)
	}
	if c.Content.Watch && !c.Content.LocalFiles {
		return fmt.Errorf("config: content.watch requires content.local_files")
	}
	return nil
}

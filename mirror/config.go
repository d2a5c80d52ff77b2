package mirror

import "github.com/hazyhaar/tuoris/mirror/internal/config"

// Config is the top-level mirror configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls the Chrome host.
type BrowserConfig = config.BrowserConfig

// CaptureConfig tunes the capture agent.
type CaptureConfig = config.CaptureConfig

// ContentConfig describes the mounted content.
type ContentConfig = config.ContentConfig

// TransportConfig tunes the websocket channels.
type TransportConfig = config.TransportConfig

// StorageConfig locates the SQLite database.
type StorageConfig = config.StorageConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns the configuration of an empty file.
func DefaultConfig() *Config {
	return config.Default()
}

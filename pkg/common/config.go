package common

import (
	"fmt"
)

const (
	DEFAULT_LOG_LEVEL        = 3
	DEFAULT_SWEEP_SECS       = 10
	DEFAULT_RATE_BYTES       = 32768
	DEFAULT_RATE_BURST       = 4096
	DEFAULT_AUTOSAVE_SECS    = 5
	DEFAULT_MAX_OUTBOUND     = 1000
	DEFAULT_MAX_CONFIRMATION = 500
	DEFAULT_MAX_RETRIES      = 5
	DEFAULT_BACKOFF_BASE     = 2
)

// ConfigProvider interface for accessing configuration
type ConfigProvider interface {
	GetConfigPath() string
	GetLogLevel() int
	GetAdapters() map[string]*AdapterConfig
}

// AdapterConfig declares one transport adapter instance.
type AdapterConfig struct {
	Name               string   `toml:"name"`
	Type               string   `toml:"type"`
	Enabled            bool     `toml:"enabled"`
	Address            string   `toml:"address"`
	Port               int      `toml:"port"`
	Peers              []string `toml:"peers"`
	DiscoveryPort      int      `toml:"discovery_port"`
	BeaconIntervalSecs int      `toml:"beacon_interval_secs"`
	MTU                int      `toml:"mtu"`
}

// QueueSettings controls queue capacities, retry policy and autosave.
type QueueSettings struct {
	MaxOutbound      int    `toml:"max_outbound"`
	MaxConfirmations int    `toml:"max_confirmations"`
	MaxRetries       int    `toml:"max_retries"`
	BackoffStrategy  string `toml:"backoff_strategy"`
	BackoffBaseSecs  int    `toml:"backoff_base_secs"`
	AutoSaveSecs     int    `toml:"auto_save_secs"`
}

// NodeConfig represents the main configuration structure
type NodeConfig struct {
	ConfigPath string `toml:"-"`

	StorageDir      string `toml:"storage_dir"`
	LogLevel        int    `toml:"loglevel"`
	SweepSecs       int    `toml:"sweep_secs"`
	RateBytesPerSec int    `toml:"rate_bytes_per_sec"`
	RateBurst       int    `toml:"rate_burst"`

	Queues   QueueSettings             `toml:"queues"`
	Adapters map[string]*AdapterConfig `toml:"adapters"`
}

// NewNodeConfig creates a new NodeConfig with default values
func NewNodeConfig() *NodeConfig {
	return &NodeConfig{
		LogLevel:        DEFAULT_LOG_LEVEL,
		SweepSecs:       DEFAULT_SWEEP_SECS,
		RateBytesPerSec: DEFAULT_RATE_BYTES,
		RateBurst:       DEFAULT_RATE_BURST,
		Queues: QueueSettings{
			MaxOutbound:      DEFAULT_MAX_OUTBOUND,
			MaxConfirmations: DEFAULT_MAX_CONFIRMATION,
			MaxRetries:       DEFAULT_MAX_RETRIES,
			BackoffStrategy:  "exponential",
			BackoffBaseSecs:  DEFAULT_BACKOFF_BASE,
			AutoSaveSecs:     DEFAULT_AUTOSAVE_SECS,
		},
		Adapters: make(map[string]*AdapterConfig),
	}
}

// Validate checks if the configuration is valid
func (c *NodeConfig) Validate() error {
	if c.LogLevel < 1 || c.LogLevel > 7 {
		return fmt.Errorf("invalid log level: %d", c.LogLevel)
	}
	if c.SweepSecs < 1 {
		return fmt.Errorf("invalid sweep interval: %d", c.SweepSecs)
	}
	for name, a := range c.Adapters {
		if a.Port < 0 || a.Port > 65535 {
			return fmt.Errorf("adapter %s: invalid port: %d", name, a.Port)
		}
		if a.MTU != 0 && a.MTU < 64 {
			return fmt.Errorf("adapter %s: MTU too small: %d", name, a.MTU)
		}
	}
	return nil
}

func (c *NodeConfig) GetConfigPath() string {
	return c.ConfigPath
}

func (c *NodeConfig) GetLogLevel() int {
	return c.LogLevel
}

func (c *NodeConfig) GetAdapters() map[string]*AdapterConfig {
	return c.Adapters
}

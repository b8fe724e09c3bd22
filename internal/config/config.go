// Package config loads, creates, and saves node configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
	"github.com/Sudo-Ivan/meshtx-go/pkg/queue"
	"github.com/pelletier/go-toml"
)

// StorageDirEnv overrides the configured storage directory when set.
const StorageDirEnv = "MESHTX_STORAGE_DIR"

const configDirName = ".meshtx"

func DefaultConfig() *common.NodeConfig {
	cfg := common.NewNodeConfig()
	if dir, err := DefaultStorageDir(); err == nil {
		cfg.StorageDir = dir
	}
	applyEnvOverrides(cfg)
	return cfg
}

func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, configDirName, "config"), nil
}

func DefaultStorageDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, configDirName, "storage"), nil
}

func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(homeDir, configDirName), 0700)
}

// EnsureStorageDir creates the node's storage directory.
func EnsureStorageDir(cfg *common.NodeConfig) error {
	if cfg.StorageDir == "" {
		return fmt.Errorf("storage directory not configured")
	}
	return os.MkdirAll(cfg.StorageDir, 0700)
}

// LoadConfig reads a TOML config file over the defaults, so absent
// keys keep their default values.
func LoadConfig(path string) (*common.NodeConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 - caller controls config location
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.ConfigPath = path
	return cfg, nil
}

// SaveConfig writes the configuration to its ConfigPath.
func SaveConfig(cfg *common.NodeConfig) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(cfg.ConfigPath, data, 0644) // #nosec G306 - config holds no secrets
}

// CreateDefaultConfig writes a fresh config file with one disabled
// example adapter at path.
func CreateDefaultConfig(path string) (*common.NodeConfig, error) {
	cfg := DefaultConfig()
	cfg.ConfigPath = path

	cfg.Adapters["udp0"] = &common.AdapterConfig{
		Name:               "udp0",
		Type:               "UDPAdapter",
		Enabled:            false,
		Address:            "0.0.0.0",
		Port:               42670,
		DiscoveryPort:      common.DEFAULT_DISCOVERY_PORT,
		BeaconIntervalSecs: 10,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := SaveConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateConfig loads the config at path, creating a default one
// first if none exists.
func LoadOrCreateConfig(path string) (*common.NodeConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, err := CreateDefaultConfig(path); err != nil {
			return nil, err
		}
	}
	return LoadConfig(path)
}

func applyEnvOverrides(cfg *common.NodeConfig) {
	if dir := os.Getenv(StorageDirEnv); dir != "" {
		cfg.StorageDir = dir
	}
}

// QueueConfig translates queue settings into the queue package's
// configuration, resolving the backoff strategy name. Unknown names
// fall back to exponential.
func QueueConfig(cfg *common.NodeConfig) queue.Config {
	base := time.Duration(cfg.Queues.BackoffBaseSecs) * time.Second
	if base <= 0 {
		base = time.Duration(common.DEFAULT_BACKOFF_BASE) * time.Second
	}

	var backoff queue.BackoffStrategy
	switch cfg.Queues.BackoffStrategy {
	case "linear":
		backoff = queue.LinearBackoff{Increment: base}
	case "fixed":
		backoff = queue.FixedBackoff{Interval: base}
	default:
		backoff = queue.ExponentialBackoff{Base: base}
	}

	return queue.Config{
		MaxOutboundSize:     cfg.Queues.MaxOutbound,
		MaxConfirmationSize: cfg.Queues.MaxConfirmations,
		MaxRetries:          cfg.Queues.MaxRetries,
		Backoff:             backoff,
		SaveInterval:        time.Duration(cfg.Queues.AutoSaveSecs) * time.Second,
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sudo-Ivan/meshtx-go/pkg/common"
	"github.com/Sudo-Ivan/meshtx-go/pkg/queue"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != common.DEFAULT_LOG_LEVEL {
		t.Errorf("LogLevel = %d; want %d", cfg.LogLevel, common.DEFAULT_LOG_LEVEL)
	}
	if cfg.Queues.MaxOutbound != common.DEFAULT_MAX_OUTBOUND {
		t.Errorf("Queues.MaxOutbound = %d; want %d", cfg.Queues.MaxOutbound, common.DEFAULT_MAX_OUTBOUND)
	}
	if cfg.Queues.BackoffStrategy != "exponential" {
		t.Errorf("Queues.BackoffStrategy = %q; want %q", cfg.Queues.BackoffStrategy, "exponential")
	}
	if cfg.Adapters == nil {
		t.Error("Adapters = nil; want empty map")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v; want nil", err)
	}
}

func TestLoadConfigKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	content := []byte("loglevel = 5\n\n[queues]\nmax_outbound = 42\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile() = %v; want nil", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v; want nil", err)
	}

	if cfg.LogLevel != 5 {
		t.Errorf("LogLevel = %d; want 5", cfg.LogLevel)
	}
	if cfg.Queues.MaxOutbound != 42 {
		t.Errorf("Queues.MaxOutbound = %d; want 42", cfg.Queues.MaxOutbound)
	}
	if cfg.Queues.MaxRetries != common.DEFAULT_MAX_RETRIES {
		t.Errorf("Queues.MaxRetries = %d; want default %d", cfg.Queues.MaxRetries, common.DEFAULT_MAX_RETRIES)
	}
	if cfg.SweepSecs != common.DEFAULT_SWEEP_SECS {
		t.Errorf("SweepSecs = %d; want default %d", cfg.SweepSecs, common.DEFAULT_SWEEP_SECS)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q; want %q", cfg.ConfigPath, path)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("loglevel = 99\n"), 0644); err != nil {
		t.Fatalf("WriteFile() = %v; want nil", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() = nil; want validation error for loglevel 99")
	}
}

func TestCreateDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshtx", "config")

	created, err := CreateDefaultConfig(path)
	if err != nil {
		t.Fatalf("CreateDefaultConfig() = %v; want nil", err)
	}
	if _, ok := created.Adapters["udp0"]; !ok {
		t.Fatal("created config missing udp0 adapter")
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v; want nil", err)
	}
	adapter, ok := loaded.Adapters["udp0"]
	if !ok {
		t.Fatal("loaded config missing udp0 adapter")
	}
	if adapter.Type != "UDPAdapter" || adapter.Port != 42670 || adapter.Enabled {
		t.Errorf("udp0 adapter = %s/%d/enabled=%v; want UDPAdapter/42670/enabled=false",
			adapter.Type, adapter.Port, adapter.Enabled)
	}
	if adapter.DiscoveryPort != common.DEFAULT_DISCOVERY_PORT {
		t.Errorf("udp0 discovery port = %d; want %d", adapter.DiscoveryPort, common.DEFAULT_DISCOVERY_PORT)
	}
}

func TestLoadOrCreateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")

	cfg, err := LoadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("LoadOrCreateConfig() = %v; want nil", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	cfg.LogLevel = 5
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() = %v; want nil", err)
	}

	reloaded, err := LoadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("LoadOrCreateConfig() reload = %v; want nil", err)
	}
	if reloaded.LogLevel != 5 {
		t.Errorf("reloaded LogLevel = %d; want 5", reloaded.LogLevel)
	}
}

func TestStorageDirEnvOverride(t *testing.T) {
	override := filepath.Join(t.TempDir(), "elsewhere")
	t.Setenv(StorageDirEnv, override)

	if got := DefaultConfig().StorageDir; got != override {
		t.Errorf("DefaultConfig().StorageDir = %q; want %q", got, override)
	}

	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("storage_dir = \"/from/file\"\n"), 0644); err != nil {
		t.Fatalf("WriteFile() = %v; want nil", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v; want nil", err)
	}
	if cfg.StorageDir != override {
		t.Errorf("StorageDir = %q; want env override %q", cfg.StorageDir, override)
	}
}

func TestQueueConfigMapping(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		baseSecs int
		check    func(t *testing.T, b queue.BackoffStrategy)
	}{
		{
			name:     "exponential",
			strategy: "exponential",
			baseSecs: 3,
			check: func(t *testing.T, b queue.BackoffStrategy) {
				exp, ok := b.(queue.ExponentialBackoff)
				if !ok || exp.Base != 3*time.Second {
					t.Errorf("backoff = %#v; want ExponentialBackoff{3s}", b)
				}
			},
		},
		{
			name:     "linear",
			strategy: "linear",
			baseSecs: 4,
			check: func(t *testing.T, b queue.BackoffStrategy) {
				lin, ok := b.(queue.LinearBackoff)
				if !ok || lin.Increment != 4*time.Second {
					t.Errorf("backoff = %#v; want LinearBackoff{4s}", b)
				}
			},
		},
		{
			name:     "fixed",
			strategy: "fixed",
			baseSecs: 7,
			check: func(t *testing.T, b queue.BackoffStrategy) {
				fix, ok := b.(queue.FixedBackoff)
				if !ok || fix.Interval != 7*time.Second {
					t.Errorf("backoff = %#v; want FixedBackoff{7s}", b)
				}
			},
		},
		{
			name:     "unknown falls back",
			strategy: "fibonacci",
			baseSecs: 2,
			check: func(t *testing.T, b queue.BackoffStrategy) {
				if _, ok := b.(queue.ExponentialBackoff); !ok {
					t.Errorf("backoff = %#v; want ExponentialBackoff fallback", b)
				}
			},
		},
		{
			name:     "zero base gets default",
			strategy: "exponential",
			baseSecs: 0,
			check: func(t *testing.T, b queue.BackoffStrategy) {
				exp, ok := b.(queue.ExponentialBackoff)
				if !ok || exp.Base != time.Duration(common.DEFAULT_BACKOFF_BASE)*time.Second {
					t.Errorf("backoff = %#v; want default base", b)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Queues.BackoffStrategy = tt.strategy
			cfg.Queues.BackoffBaseSecs = tt.baseSecs
			cfg.Queues.MaxOutbound = 123

			qc := QueueConfig(cfg)
			if qc.MaxOutboundSize != 123 {
				t.Errorf("MaxOutboundSize = %d; want 123", qc.MaxOutboundSize)
			}
			if qc.SaveInterval != time.Duration(cfg.Queues.AutoSaveSecs)*time.Second {
				t.Errorf("SaveInterval = %v; want %ds", qc.SaveInterval, cfg.Queues.AutoSaveSecs)
			}
			tt.check(t, qc.Backoff)
		})
	}
}

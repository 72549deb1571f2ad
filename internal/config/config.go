package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// CrashPolicy controls automatic restarts after unexpected container exits.
// Thresholds and the backoff curve are operator tunables, not constants.
type CrashPolicy struct {
	Enabled       bool  `yaml:"enabled"`
	MaxCrashes    int   `yaml:"max_crashes"`
	WindowSeconds int   `yaml:"window_seconds"`
	BackoffMs     []int `yaml:"backoff_ms"` // delay indexed by crash count, last entry repeats
}

func (p CrashPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Backoff returns the restart delay for the nth crash in the window.
func (p CrashPolicy) Backoff(n int) time.Duration {
	if len(p.BackoffMs) == 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	if n >= len(p.BackoffMs) {
		n = len(p.BackoffMs) - 1
	}
	return time.Duration(p.BackoffMs[n]) * time.Millisecond
}

// Timeouts bound every call into the container engine so a hung daemon
// cannot stall a server's command loop forever.
type Timeouts struct {
	RuntimeCallSeconds  int `yaml:"runtime_call_seconds"`
	StopGraceSeconds    int `yaml:"stop_grace_seconds"`
	KillGraceSeconds    int `yaml:"kill_grace_seconds"`
	InstallSeconds      int `yaml:"install_seconds"` // 0 = unlimited
	TransferDialSeconds int `yaml:"transfer_dial_seconds"`
}

func (t Timeouts) RuntimeCall() time.Duration {
	return time.Duration(t.RuntimeCallSeconds) * time.Second
}
func (t Timeouts) StopGrace() time.Duration { return time.Duration(t.StopGraceSeconds) * time.Second }
func (t Timeouts) KillGrace() time.Duration { return time.Duration(t.KillGraceSeconds) * time.Second }
func (t Timeouts) Install() time.Duration   { return time.Duration(t.InstallSeconds) * time.Second }
func (t Timeouts) TransferDial() time.Duration {
	return time.Duration(t.TransferDialSeconds) * time.Second
}

// ServerLimits is the declared resource envelope for one server. Sizes are
// human-readable strings ("4g", "512m") parsed with go-units.
type ServerLimits struct {
	Memory      string  `yaml:"memory" json:"memory"`
	Swap        string  `yaml:"swap" json:"swap"`
	CPUs        float64 `yaml:"cpus" json:"cpus"`
	Pids        int64   `yaml:"pids" json:"pids"`
	IOWeight    uint16  `yaml:"io_weight" json:"io_weight"`
	DiskSpace   string  `yaml:"disk_space" json:"disk_space"`
	OOMDisabled bool    `yaml:"oom_disabled" json:"oom_disabled"`
}

// MemoryBytes parses the memory limit; 0 means unlimited.
func (l ServerLimits) MemoryBytes() (int64, error) {
	if l.Memory == "" {
		return 0, nil
	}
	return units.RAMInBytes(l.Memory)
}

func (l ServerLimits) SwapBytes() (int64, error) {
	if l.Swap == "" {
		return 0, nil
	}
	return units.RAMInBytes(l.Swap)
}

func (l ServerLimits) DiskBytes() (int64, error) {
	if l.DiskSpace == "" {
		return 0, nil
	}
	return units.RAMInBytes(l.DiskSpace)
}

type ConsoleConfig struct {
	BacklogSize    int `yaml:"backlog_size"`    // replayed to new subscribers
	SubscriberSize int `yaml:"subscriber_size"` // per-subscriber channel depth
}

type QuotaConfig struct {
	Backend string `yaml:"backend"` // "none" or "xfs"
}

type Config struct {
	Listen       string        `yaml:"listen"`
	APIKey       string        `yaml:"api_key"`
	DataDir      string        `yaml:"data_dir"` // per-server data under <data_dir>/<uuid>
	BackupDir    string        `yaml:"backup_dir"`
	DBPath       string        `yaml:"db_path"`
	CrashPolicy  CrashPolicy   `yaml:"crash_policy"`
	Timeouts     Timeouts      `yaml:"timeouts"`
	Console      ConsoleConfig `yaml:"console"`
	Quota        QuotaConfig   `yaml:"quota"`
	DefaultLimit ServerLimits  `yaml:"default_limits"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:    "127.0.0.1:8591",
		DataDir:   "/var/lib/spielwart/servers",
		BackupDir: "/var/lib/spielwart/backups",
		DBPath:    "/var/lib/spielwart/spielwart.db",
		CrashPolicy: CrashPolicy{
			Enabled:       true,
			MaxCrashes:    3,
			WindowSeconds: 600,
			BackoffMs:     []int{0, 2000, 5000, 15000},
		},
		Timeouts: Timeouts{
			RuntimeCallSeconds:  30,
			StopGraceSeconds:    30,
			KillGraceSeconds:    5,
			InstallSeconds:      900,
			TransferDialSeconds: 10,
		},
		Console: ConsoleConfig{
			BacklogSize:    256,
			SubscriberSize: 64,
		},
		Quota: QuotaConfig{Backend: "none"},
		DefaultLimit: ServerLimits{
			Memory: "1g",
			CPUs:   1.0,
			Pids:   512,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Quota.Backend {
	case "", "none", "xfs":
	default:
		return fmt.Errorf("unknown quota backend: %s", c.Quota.Backend)
	}
	if c.Console.BacklogSize <= 0 {
		return fmt.Errorf("console backlog_size must be positive")
	}
	if c.CrashPolicy.MaxCrashes < 0 {
		return fmt.Errorf("crash_policy max_crashes must not be negative")
	}
	return nil
}

// ServerDataPath returns the on-disk data directory for a server.
func (c *Config) ServerDataPath(id string) string {
	return c.DataDir + "/" + id
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPIELWART_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SPIELWART_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("SPIELWART_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SPIELWART_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("SPIELWART_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SPIELWART_QUOTA_BACKEND"); v != "" {
		cfg.Quota.Backend = v
	}
	if v := os.Getenv("SPIELWART_CRASH_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CrashPolicy.MaxCrashes = n
		}
	}
	if v := os.Getenv("SPIELWART_CRASH_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CrashPolicy.WindowSeconds = n
		}
	}
	if v := os.Getenv("SPIELWART_CRASH_ENABLED"); v != "" {
		cfg.CrashPolicy.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SPIELWART_INSTALL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeouts.InstallSeconds = n
		}
	}
}

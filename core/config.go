package core

import (
	"fmt"
	"strings"
	"time"
)

type StorageConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
}

type VaultConfig struct {
	RefreshMargin time.Duration `koanf:"refresh_margin" mapstructure:"refresh_margin"`
}

type SchedulerConfig struct {
	LeaseTTL    time.Duration `koanf:"lease_ttl" mapstructure:"lease_ttl"`
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap" mapstructure:"backoff_cap"`
}

type WorkerConfig struct {
	Count          int           `koanf:"count" mapstructure:"count"`
	ProcessTimeout time.Duration `koanf:"process_timeout" mapstructure:"process_timeout"`
	IdleSleep      time.Duration `koanf:"idle_sleep" mapstructure:"idle_sleep"`
}

type ReconcileConfig struct {
	Interval   time.Duration `koanf:"interval" mapstructure:"interval"`
	StaleAfter time.Duration `koanf:"stale_after" mapstructure:"stale_after"`
	BatchSize  int           `koanf:"batch_size" mapstructure:"batch_size"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Storage     StorageConfig   `koanf:"storage" mapstructure:"storage"`
	Vault       VaultConfig     `koanf:"vault" mapstructure:"vault"`
	Scheduler   SchedulerConfig `koanf:"scheduler" mapstructure:"scheduler"`
	Worker      WorkerConfig    `koanf:"worker" mapstructure:"worker"`
	Reconcile   ReconcileConfig `koanf:"reconcile" mapstructure:"reconcile"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "syncbridge",
		Storage: StorageConfig{
			Driver:      "sqlite",
			DSN:         "file:syncbridge.db?cache=shared&_foreign_keys=on",
			PingTimeout: 5 * time.Second,
		},
		Vault: VaultConfig{
			RefreshMargin: 60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			LeaseTTL:    5 * time.Minute,
			MaxAttempts: 10,
			BackoffBase: 2 * time.Second,
			BackoffCap:  10 * time.Minute,
		},
		Worker: WorkerConfig{
			Count:          4,
			ProcessTimeout: 30 * time.Second,
			IdleSleep:      time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:   15 * time.Minute,
			StaleAfter: 24 * time.Hour,
			BatchSize:  100,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch strings.TrimSpace(c.Storage.Driver) {
	case "postgres", "sqlite":
	case "":
		return fmt.Errorf("core: storage.driver is required")
	default:
		return fmt.Errorf("core: unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Vault.RefreshMargin < 0 {
		return fmt.Errorf("core: vault.refresh_margin must not be negative")
	}
	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("core: scheduler.lease_ttl must be positive")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("core: scheduler.max_attempts must be positive")
	}
	if c.Scheduler.BackoffBase <= 0 {
		return fmt.Errorf("core: scheduler.backoff_base must be positive")
	}
	if c.Scheduler.BackoffCap < c.Scheduler.BackoffBase {
		return fmt.Errorf("core: scheduler.backoff_cap must be at least backoff_base")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("core: worker.count must be positive")
	}
	if c.Worker.ProcessTimeout <= 0 {
		return fmt.Errorf("core: worker.process_timeout must be positive")
	}
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("core: reconcile.batch_size must be positive")
	}
	return nil
}

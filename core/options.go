package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

// DefaultErrorMapper normalizes any error into the bridge envelope.
func DefaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return bridgeErrorMapper(err)
}

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	storage := map[string]any{}
	setString(storage, "driver", cfg.Storage.Driver, includeZero)
	setString(storage, "dsn", cfg.Storage.DSN, includeZero)
	if includeZero || cfg.Storage.Debug {
		storage["debug"] = cfg.Storage.Debug
	}
	setDuration(storage, "ping_timeout", cfg.Storage.PingTimeout, includeZero)
	if len(storage) > 0 {
		layer["storage"] = storage
	}

	vault := map[string]any{}
	setDuration(vault, "refresh_margin", cfg.Vault.RefreshMargin, includeZero)
	if len(vault) > 0 {
		layer["vault"] = vault
	}

	scheduler := map[string]any{}
	setDuration(scheduler, "lease_ttl", cfg.Scheduler.LeaseTTL, includeZero)
	setInt(scheduler, "max_attempts", cfg.Scheduler.MaxAttempts, includeZero)
	setDuration(scheduler, "backoff_base", cfg.Scheduler.BackoffBase, includeZero)
	setDuration(scheduler, "backoff_cap", cfg.Scheduler.BackoffCap, includeZero)
	if len(scheduler) > 0 {
		layer["scheduler"] = scheduler
	}

	worker := map[string]any{}
	setInt(worker, "count", cfg.Worker.Count, includeZero)
	setDuration(worker, "process_timeout", cfg.Worker.ProcessTimeout, includeZero)
	setDuration(worker, "idle_sleep", cfg.Worker.IdleSleep, includeZero)
	if len(worker) > 0 {
		layer["worker"] = worker
	}

	reconcile := map[string]any{}
	setDuration(reconcile, "interval", cfg.Reconcile.Interval, includeZero)
	setDuration(reconcile, "stale_after", cfg.Reconcile.StaleAfter, includeZero)
	setInt(reconcile, "batch_size", cfg.Reconcile.BatchSize, includeZero)
	if len(reconcile) > 0 {
		layer["reconcile"] = reconcile
	}

	return layer
}

func setString(target map[string]any, key, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		target[key] = value
	}
}

func setInt(target map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

func setDuration(target map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

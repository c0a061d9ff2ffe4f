package syncbridge

import "github.com/goliatone/go-syncbridge/core"

type Config = core.Config

type StorageConfig = core.StorageConfig
type VaultConfig = core.VaultConfig
type SchedulerConfig = core.SchedulerConfig
type WorkerConfig = core.WorkerConfig
type ReconcileConfig = core.ReconcileConfig

type WebhookEvent = core.WebhookEvent
type ProviderCredential = core.ProviderCredential
type ActiveToken = core.ActiveToken
type SyncMapping = core.SyncMapping
type SyncJob = core.SyncJob
type WorkItem = core.WorkItem
type EntityState = core.EntityState

type Platform = core.Platform
type SyncDirection = core.SyncDirection
type WorkItemKind = core.WorkItemKind

type StoreProvider = core.StoreProvider
type SecretProvider = core.SecretProvider
type SourceSecretResolver = core.SourceSecretResolver
type AdapterRegistry = core.AdapterRegistry
type ProviderAdapter = core.ProviderAdapter
type ObservabilitySink = core.ObservabilitySink
type Logger = core.Logger

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Setup layers the supplied config over the defaults and builds a bridge.
// Zero-valued fields fall back to DefaultConfig.
func Setup(cfg Config, opts ...Option) (*Bridge, error) {
	resolved, err := core.GoOptionsResolver{}.Resolve(core.DefaultConfig(), Config{}, cfg)
	if err != nil {
		return nil, err
	}
	return New(resolved, opts...)
}

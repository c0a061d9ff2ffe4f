package syncbridge

import (
	"context"
	"fmt"
	"net/http"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-syncbridge/command"
	"github.com/goliatone/go-syncbridge/core"
	"github.com/goliatone/go-syncbridge/engine"
	"github.com/goliatone/go-syncbridge/intake"
	"github.com/goliatone/go-syncbridge/scheduler"
	sqlstore "github.com/goliatone/go-syncbridge/store/sql"
	"github.com/goliatone/go-syncbridge/vault"
	"github.com/goliatone/go-syncbridge/worker"

	glog "github.com/goliatone/go-logger/glog"
)

// Commands bundles the message-driven entry points for embedding hosts.
type Commands struct {
	IngestWebhook     *command.IngestWebhookCommand
	RefreshCredential *command.RefreshCredentialCommand
	Reauthorize       *command.ReauthorizeCommand
	ReplayDeadLetter  *command.ReplayDeadLetterCommand
	ListDeadLetters   *command.ListDeadLettersCommand
}

// Bridge wires the intake, vault, scheduler, and engine components over a
// shared store provider. Build one with New or Setup.
type Bridge struct {
	config    core.Config
	observer  *core.Observer
	sink      core.ObservabilitySink
	stores    core.StoreProvider
	vault     *vault.Vault
	intake    *intake.Service
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	pool      *worker.Pool
	commands  Commands
}

type bridgeOptions struct {
	logger            core.Logger
	metricsRecorder   core.MetricsRecorder
	sink              core.ObservabilitySink
	stores            core.StoreProvider
	persistenceClient any
	secretProvider    core.SecretProvider
	secretResolver    core.SourceSecretResolver
	tokenRefresher    vault.TokenRefresher
	adapters          core.AdapterRegistry
	mappingRules      map[core.SyncDirection][]engine.FieldRule
	mappingCache      repositorycache.CacheService
}

type Option func(*bridgeOptions)

func WithLogger(logger core.Logger) Option {
	return func(o *bridgeOptions) {
		o.logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(o *bridgeOptions) {
		o.metricsRecorder = recorder
	}
}

func WithSink(sink core.ObservabilitySink) Option {
	return func(o *bridgeOptions) {
		o.sink = sink
	}
}

// WithStoreProvider supplies pre-built stores, bypassing persistence wiring.
func WithStoreProvider(stores core.StoreProvider) Option {
	return func(o *bridgeOptions) {
		o.stores = stores
	}
}

// WithPersistenceClient accepts a *persistence.Client, a *bun.DB, or anything
// exposing DB() *bun.DB. Stores are built through the repository factory.
func WithPersistenceClient(client any) Option {
	return func(o *bridgeOptions) {
		o.persistenceClient = client
	}
}

func WithSecretProvider(provider core.SecretProvider) Option {
	return func(o *bridgeOptions) {
		o.secretProvider = provider
	}
}

func WithSourceSecretResolver(resolver core.SourceSecretResolver) Option {
	return func(o *bridgeOptions) {
		o.secretResolver = resolver
	}
}

func WithTokenRefresher(refresher vault.TokenRefresher) Option {
	return func(o *bridgeOptions) {
		o.tokenRefresher = refresher
	}
}

func WithAdapterRegistry(registry core.AdapterRegistry) Option {
	return func(o *bridgeOptions) {
		o.adapters = registry
	}
}

func WithMappingRules(rules map[core.SyncDirection][]engine.FieldRule) Option {
	return func(o *bridgeOptions) {
		o.mappingRules = rules
	}
}

// WithMappingCache wraps the mapping store with a read-through cache.
func WithMappingCache(cache repositorycache.CacheService) Option {
	return func(o *bridgeOptions) {
		o.mappingCache = cache
	}
}

// New validates the config and wires every component. The secret provider,
// source secret resolver, token refresher, mapping rules, and a storage
// source (stores or persistence client) are required.
func New(cfg core.Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := bridgeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&options)
	}

	logger := options.logger
	if logger == nil {
		_, logger = glog.Resolve(cfg.ServiceName, nil, nil)
	}
	recorder := options.metricsRecorder
	if recorder == nil {
		recorder = core.NopMetricsRecorder{}
	}
	observer := core.NewObserver(logger, recorder, cfg.ServiceName)
	sink := options.sink
	if sink == nil {
		sink = core.NopSink{}
	}

	stores, err := resolveStores(options)
	if err != nil {
		return nil, err
	}
	mappingStore := stores.MappingStore()
	if options.mappingCache != nil {
		cached, err := sqlstore.NewCachedMappingStore(mappingStore, options.mappingCache)
		if err != nil {
			return nil, err
		}
		mappingStore = cached
	}

	if options.secretResolver == nil {
		return nil, fmt.Errorf("syncbridge: source secret resolver is required")
	}
	verifier, err := intake.NewHMACVerifier(options.secretResolver)
	if err != nil {
		return nil, err
	}
	intakeService, err := intake.NewService(stores.EventStore(), stores.WorkItemStore(), verifier,
		intake.WithLogger(logger),
		intake.WithMetricsRecorder(recorder),
		intake.WithSink(sink),
	)
	if err != nil {
		return nil, err
	}

	if options.tokenRefresher == nil {
		return nil, fmt.Errorf("syncbridge: token refresher is required")
	}
	credentialVault, err := vault.NewVault(stores.CredentialStore(), options.tokenRefresher,
		vault.WithLogger(logger),
		vault.WithMetricsRecorder(recorder),
		vault.WithSink(sink),
		vault.WithSecretProvider(options.secretProvider),
		vault.WithRefreshMargin(cfg.Vault.RefreshMargin),
	)
	if err != nil {
		return nil, err
	}

	workScheduler, err := scheduler.NewScheduler(stores.WorkItemStore(),
		scheduler.WithLogger(logger),
		scheduler.WithMetricsRecorder(recorder),
		scheduler.WithSink(sink),
		scheduler.WithLeaseTTL(cfg.Scheduler.LeaseTTL),
		scheduler.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
		scheduler.WithBackoffPolicy(scheduler.NewExponentialBackoff(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffCap, 0.2)),
	)
	if err != nil {
		return nil, err
	}

	adapters := options.adapters
	if adapters == nil {
		adapters = core.NewPlatformAdapterRegistry()
	}
	if len(options.mappingRules) == 0 {
		return nil, fmt.Errorf("syncbridge: mapping rules are required")
	}
	mapper, err := engine.NewFieldMapper(options.mappingRules)
	if err != nil {
		return nil, err
	}
	syncEngine, err := engine.NewEngine(
		stores.SyncJobStore(),
		mappingStore,
		stores.WorkItemStore(),
		adapters,
		credentialVault,
		mapper,
		engine.WithLogger(logger),
		engine.WithMetricsRecorder(recorder),
		engine.WithSink(sink),
	)
	if err != nil {
		return nil, err
	}

	pool, err := worker.NewPool(workScheduler, syncEngine,
		worker.WithLogger(logger),
		worker.WithMetricsRecorder(recorder),
		worker.WithWorkerCount(cfg.Worker.Count),
		worker.WithProcessTimeout(cfg.Worker.ProcessTimeout),
		worker.WithIdleSleep(cfg.Worker.IdleSleep),
	)
	if err != nil {
		return nil, err
	}

	bridge := &Bridge{
		config:    cfg,
		observer:  observer,
		sink:      sink,
		stores:    stores,
		vault:     credentialVault,
		intake:    intakeService,
		scheduler: workScheduler,
		engine:    syncEngine,
		pool:      pool,
	}
	bridge.commands = Commands{
		IngestWebhook:     command.NewIngestWebhookCommand(intakeService),
		RefreshCredential: command.NewRefreshCredentialCommand(credentialVault),
		Reauthorize:       command.NewReauthorizeCommand(credentialVault),
		ReplayDeadLetter:  command.NewReplayDeadLetterCommand(workScheduler),
		ListDeadLetters:   command.NewListDeadLettersCommand(workScheduler),
	}
	return bridge, nil
}

func resolveStores(options bridgeOptions) (core.StoreProvider, error) {
	if options.stores != nil {
		return options.stores, nil
	}
	if options.persistenceClient == nil {
		return nil, fmt.Errorf("syncbridge: a store provider or persistence client is required")
	}
	return sqlstore.NewRepositoryFactory().BuildStores(options.persistenceClient)
}

// Start launches the worker pool, the lease reaper, and the reconciliation
// loop. All of them stop when the context ends.
func (b *Bridge) Start(ctx context.Context) {
	if b == nil {
		return
	}
	b.pool.Start(ctx)
	b.scheduler.StartLeaseReaper(ctx, b.config.Scheduler.LeaseTTL)
	b.engine.StartReconciliation(ctx, b.config.Reconcile.Interval, b.config.Reconcile.StaleAfter, b.config.Reconcile.BatchSize)
}

// Wait blocks until every worker loop has drained.
func (b *Bridge) Wait() {
	if b == nil {
		return
	}
	b.pool.Wait()
}

// HTTPHandler exposes the webhook ingress surface.
func (b *Bridge) HTTPHandler() http.Handler {
	if b == nil {
		return nil
	}
	return intake.Handler(b.intake)
}

func (b *Bridge) Commands() Commands {
	if b == nil {
		return Commands{}
	}
	return b.commands
}

func (b *Bridge) Vault() *vault.Vault {
	if b == nil {
		return nil
	}
	return b.vault
}

func (b *Bridge) Intake() *intake.Service {
	if b == nil {
		return nil
	}
	return b.intake
}

func (b *Bridge) Scheduler() *scheduler.Scheduler {
	if b == nil {
		return nil
	}
	return b.scheduler
}

func (b *Bridge) Engine() *engine.Engine {
	if b == nil {
		return nil
	}
	return b.engine
}

func (b *Bridge) Stores() core.StoreProvider {
	if b == nil {
		return nil
	}
	return b.stores
}

func (b *Bridge) Config() core.Config {
	if b == nil {
		return core.Config{}
	}
	return b.config
}

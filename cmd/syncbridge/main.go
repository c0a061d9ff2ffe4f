package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	syncbridge "github.com/goliatone/go-syncbridge"
	"github.com/goliatone/go-syncbridge/core"
	"github.com/goliatone/go-syncbridge/engine"
	bridgemigrations "github.com/goliatone/go-syncbridge/migrations"
	"github.com/goliatone/go-syncbridge/providers"
	"github.com/goliatone/go-syncbridge/security"
)

const envPrefix = "SYNCBRIDGE_"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, logger := glog.Resolve("syncbridge", nil, nil)

	cfg, err := core.NewCfgxConfigProvider(envConfigLoader{}).Load(rootCtx, core.DefaultConfig())
	if err != nil {
		logger.Fatal("load config", "error", err)
	}

	sqlDB, dialect, migrationDialect, err := openDatabase(cfg.Storage)
	if err != nil {
		logger.Fatal("open database", "error", err)
	}
	defer sqlDB.Close()

	client, err := persistence.New(persistenceConfig{cfg: cfg}, sqlDB, dialect)
	if err != nil {
		logger.Fatal("persistence client", "error", err)
	}
	defer client.Close()

	err = bridgemigrations.Register(rootCtx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrationDialect)
	if err != nil {
		logger.Fatal("register migrations", "error", err)
	}
	if err := client.Migrate(rootCtx); err != nil {
		logger.Fatal("migrate", "error", err)
	}

	secretProvider, err := security.NewEnvelopeSecretProviderFromString(requireEnv(logger, "VAULT_KEY"))
	if err != nil {
		logger.Fatal("secret provider", "error", err)
	}
	refresher, err := providers.NewOAuth2Refresher(providerEndpointsFromEnv(logger))
	if err != nil {
		logger.Fatal("token refresher", "error", err)
	}
	rules, err := mappingRulesFromEnv()
	if err != nil {
		logger.Fatal("mapping rules", "error", err)
	}

	observer := core.NewObserver(logger, core.NopMetricsRecorder{}, cfg.ServiceName)
	sink := core.NewLogSink(observer, 256)
	defer sink.Close()

	bridgeOpts := []syncbridge.Option{
		syncbridge.WithLogger(logger),
		syncbridge.WithSink(sink),
		syncbridge.WithPersistenceClient(client),
		syncbridge.WithSecretProvider(secretProvider),
		syncbridge.WithSourceSecretResolver(staticSecretResolver{secret: []byte(requireEnv(logger, "WEBHOOK_SECRET"))}),
		syncbridge.WithTokenRefresher(refresher),
		syncbridge.WithMappingRules(rules),
	}
	if registry := adapterRegistryFromEnv(logger); registry != nil {
		bridgeOpts = append(bridgeOpts, syncbridge.WithAdapterRegistry(registry))
	}

	bridge, err := syncbridge.New(cfg, bridgeOpts...)
	if err != nil {
		logger.Fatal("wire bridge", "error", err)
	}

	bridge.Start(rootCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), cfg.Storage.PingTimeout)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.Handle("/webhooks/", bridge.HTTPHandler())

	addr := os.Getenv(envPrefix + "HTTP_ADDR")
	if strings.TrimSpace(addr) == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", "error", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	bridge.Wait()
	logger.Info("bye")
}

// envConfigLoader surfaces SYNCBRIDGE_* variables as the raw config layer.
type envConfigLoader struct{}

func (envConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	raw := map[string]any{}
	setRaw(raw, "service_name", lookupEnv("SERVICE_NAME"))

	storage := map[string]any{}
	setRaw(storage, "driver", lookupEnv("STORAGE_DRIVER"))
	setRaw(storage, "dsn", lookupEnv("STORAGE_DSN"))
	if value := lookupEnv("STORAGE_DEBUG"); value != "" {
		storage["debug"] = strings.EqualFold(value, "true") || value == "1"
	}
	if len(storage) > 0 {
		raw["storage"] = storage
	}

	scheduler := map[string]any{}
	if err := setRawDuration(scheduler, "lease_ttl", "SCHEDULER_LEASE_TTL"); err != nil {
		return nil, err
	}
	if err := setRawInt(scheduler, "max_attempts", "SCHEDULER_MAX_ATTEMPTS"); err != nil {
		return nil, err
	}
	if len(scheduler) > 0 {
		raw["scheduler"] = scheduler
	}

	worker := map[string]any{}
	if err := setRawInt(worker, "count", "WORKER_COUNT"); err != nil {
		return nil, err
	}
	if err := setRawDuration(worker, "process_timeout", "WORKER_PROCESS_TIMEOUT"); err != nil {
		return nil, err
	}
	if len(worker) > 0 {
		raw["worker"] = worker
	}

	reconcile := map[string]any{}
	if err := setRawDuration(reconcile, "interval", "RECONCILE_INTERVAL"); err != nil {
		return nil, err
	}
	if err := setRawDuration(reconcile, "stale_after", "RECONCILE_STALE_AFTER"); err != nil {
		return nil, err
	}
	if len(reconcile) > 0 {
		raw["reconcile"] = reconcile
	}

	return raw, nil
}

func lookupEnv(suffix string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + suffix))
}

func setRaw(target map[string]any, key, value string) {
	if value != "" {
		target[key] = value
	}
}

func setRawInt(target map[string]any, key, suffix string) error {
	value := lookupEnv(suffix)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, suffix, err)
	}
	target[key] = parsed
	return nil
}

func setRawDuration(target map[string]any, key, suffix string) error {
	value := lookupEnv(suffix)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, suffix, err)
	}
	target[key] = parsed
	return nil
}

// persistenceConfig adapts the bridge config to the persistence client.
type persistenceConfig struct {
	cfg core.Config
}

func (p persistenceConfig) GetDebug() bool {
	return p.cfg.Storage.Debug
}

func (p persistenceConfig) GetDriver() string {
	if p.cfg.Storage.Driver == "sqlite" {
		return "sqlite3"
	}
	return p.cfg.Storage.Driver
}

func (p persistenceConfig) GetServer() string {
	return p.cfg.Storage.DSN
}

func (p persistenceConfig) GetPingTimeout() time.Duration {
	return p.cfg.Storage.PingTimeout
}

func (p persistenceConfig) GetOtelIdentifier() string {
	return p.cfg.ServiceName
}

func openDatabase(cfg core.StorageConfig) (*sql.DB, schema.Dialect, string, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, nil, "", err
		}
		return db, pgdialect.New(), bridgemigrations.DialectPostgres, nil
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, nil, "", err
		}
		db.SetMaxOpenConns(1)
		return db, sqlitedialect.New(), bridgemigrations.DialectSQLite, nil
	}
	return nil, nil, "", fmt.Errorf("unsupported storage driver %q", cfg.Driver)
}

// staticSecretResolver serves one shared HMAC secret for every source.
type staticSecretResolver struct {
	secret []byte
}

func (r staticSecretResolver) Secret(context.Context, string) ([]byte, error) {
	if len(r.secret) == 0 {
		return nil, fmt.Errorf("webhook secret is not configured")
	}
	return r.secret, nil
}

func providerEndpointsFromEnv(logger core.Logger) map[string]providers.ProviderEndpoint {
	endpoints := map[string]providers.ProviderEndpoint{}
	for _, platform := range []string{"PLATFORM_A", "PLATFORM_B"} {
		tokenURL := lookupEnv(platform + "_TOKEN_URL")
		if tokenURL == "" {
			continue
		}
		endpoints[strings.ToLower(platform)] = providers.ProviderEndpoint{
			TokenURL:     tokenURL,
			ClientID:     lookupEnv(platform + "_CLIENT_ID"),
			ClientSecret: lookupEnv(platform + "_CLIENT_SECRET"),
		}
	}
	if len(endpoints) == 0 {
		logger.Fatal("at least one provider token endpoint is required",
			"hint", envPrefix+"PLATFORM_A_TOKEN_URL")
	}
	return endpoints
}

// adapterRegistryFromEnv wires a REST adapter per platform when both API urls
// are configured. Without them the binary still serves webhook intake and
// scheduling, but sync jobs fail until the embedder registers adapters.
func adapterRegistryFromEnv(logger core.Logger) core.AdapterRegistry {
	urlA := lookupEnv("PLATFORM_A_API_URL")
	urlB := lookupEnv("PLATFORM_B_API_URL")
	if urlA == "" || urlB == "" {
		logger.Warn("no platform api urls configured, sync jobs will fail until adapters are registered",
			"hint", envPrefix+"PLATFORM_A_API_URL")
		return nil
	}
	registry := core.NewPlatformAdapterRegistry()
	if err := registry.Register(core.PlatformA, newRESTAdapter("platform_a", urlA)); err != nil {
		logger.Fatal("register platform A adapter", "error", err)
	}
	if err := registry.Register(core.PlatformB, newRESTAdapter("platform_b", urlB)); err != nil {
		logger.Fatal("register platform B adapter", "error", err)
	}
	return registry
}

type mappingRuleSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// mappingRulesFromEnv decodes SYNCBRIDGE_MAPPING_RULES, a JSON object keyed
// by direction: {"a_to_b":[{"source":"title","target":"name"}], ...}.
func mappingRulesFromEnv() (map[core.SyncDirection][]engine.FieldRule, error) {
	value := lookupEnv("MAPPING_RULES")
	if value == "" {
		return nil, fmt.Errorf("%sMAPPING_RULES is required", envPrefix)
	}
	decoded := map[string][]mappingRuleSpec{}
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return nil, fmt.Errorf("parse %sMAPPING_RULES: %w", envPrefix, err)
	}
	rules := make(map[core.SyncDirection][]engine.FieldRule, len(decoded))
	for direction, specs := range decoded {
		out := make([]engine.FieldRule, 0, len(specs))
		for _, spec := range specs {
			out = append(out, engine.FieldRule{SourcePath: spec.Source, TargetPath: spec.Target})
		}
		rules[core.SyncDirection(direction)] = out
	}
	return rules, nil
}

func requireEnv(logger core.Logger, suffix string) string {
	value := lookupEnv(suffix)
	if value == "" {
		logger.Fatal("missing required environment variable", "name", envPrefix+suffix)
	}
	return value
}

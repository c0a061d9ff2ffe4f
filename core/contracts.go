package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// SecretProvider encrypts credential payloads at rest.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// ObservabilitySink receives structured bridge events. Implementations must
// never block the caller; the bridge drops events before it stalls.
type ObservabilitySink interface {
	Emit(ctx context.Context, event BridgeEvent)
}

type CreateEventInput struct {
	SourceID  string
	DedupeKey string
	Signature string
	Payload   []byte
}

// EventStore persists webhook events. Create is the only intake-owned write;
// everything else belongs to the scheduler.
type EventStore interface {
	Create(ctx context.Context, in CreateEventInput) (WebhookEvent, bool, error)
	Get(ctx context.Context, id string) (WebhookEvent, error)
	FindByDedupeKey(ctx context.Context, sourceID string, dedupeKey string) (WebhookEvent, error)
}

type SaveCredentialInput struct {
	ProviderID       string
	EncryptedPayload []byte
	PayloadFormat    string
	Scopes           []string
	ExpiresAt        *time.Time
	RotationVersion  int
	Status           CredentialStatus
}

// CredentialStore persists encrypted credential versions. SaveNewVersion
// appends a row, revokes the prior active one, and must reject a
// RotationVersion that does not advance past the stored maximum.
type CredentialStore interface {
	SaveNewVersion(ctx context.Context, in SaveCredentialInput) (ProviderCredential, error)
	GetActiveByProvider(ctx context.Context, providerID string) (ProviderCredential, error)
	UpdateStatus(ctx context.Context, providerID string, status CredentialStatus, reason string) error
}

type UpsertMappingInput struct {
	EntityIDA string
	EntityIDB string
}

type CommitMappingInput struct {
	MappingID         string
	LastSyncedVersion int64
	LastSyncHash      string
	LastOrigin        Platform
}

type MappingStore interface {
	Upsert(ctx context.Context, in UpsertMappingInput) (SyncMapping, error)
	Get(ctx context.Context, id string) (SyncMapping, error)
	FindByEntity(ctx context.Context, platform Platform, entityID string) (SyncMapping, error)
	Commit(ctx context.Context, in CommitMappingInput) (SyncMapping, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]SyncMapping, error)
}

type CreateSyncJobInput struct {
	MappingID     string
	Direction     SyncDirection
	SourceEventID string
	Payload       []byte
	PayloadHash   string
	RemoteVersion int64
}

type SyncJobStore interface {
	Create(ctx context.Context, in CreateSyncJobInput) (SyncJob, error)
	Get(ctx context.Context, id string) (SyncJob, error)
	Update(ctx context.Context, job SyncJob) (SyncJob, error)
}

// WorkItemStore is the durable lease-based queue both webhook events and sync
// jobs flow through. Lease must only ever return items whose next attempt is
// due and whose lease is absent or expired, FIFO within a source key.
type WorkItemStore interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Lease(ctx context.Context, workerID string, kinds []WorkItemKind, now time.Time, leaseTTL time.Duration) (WorkItem, bool, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string, nextAttemptAt *time.Time, deadLetter bool) error
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)
	ListDeadLettered(ctx context.Context, limit int) ([]WorkItem, error)
	Replay(ctx context.Context, id string, now time.Time) error
}

// StoreProvider hands out the persistence surfaces the services wire against.
type StoreProvider interface {
	EventStore() EventStore
	CredentialStore() CredentialStore
	MappingStore() MappingStore
	SyncJobStore() SyncJobStore
	WorkItemStore() WorkItemStore
}

// EntityState is what a provider reports for one entity.
type EntityState struct {
	EntityID     string
	Payload      []byte
	Version      int64
	LastModified time.Time
}

type PushResult struct {
	EntityID string
	Version  int64
}

// ProviderAdapter is the capability surface the bridge requires from each
// external platform. Implementations live outside this module.
type ProviderAdapter interface {
	ProviderID() string
	Authorize(ctx context.Context, token ActiveToken) (ActiveToken, error)
	Fetch(ctx context.Context, token ActiveToken, entityID string) (EntityState, error)
	Push(ctx context.Context, token ActiveToken, entityID string, payload []byte) (PushResult, error)
}

type AdapterRegistry interface {
	Register(platform Platform, adapter ProviderAdapter) error
	Get(platform Platform) (ProviderAdapter, bool)
}

// TokenSource is the vault surface the engine depends on.
type TokenSource interface {
	GetValidToken(ctx context.Context, providerID string) (ActiveToken, error)
}

// SourceSecretResolver returns the shared HMAC secret for a webhook source.
type SourceSecretResolver interface {
	Secret(ctx context.Context, sourceID string) ([]byte, error)
}

// CredentialCodec serializes the token pair before envelope encryption.
type CredentialCodec interface {
	Format() string
	Encode(token ActiveToken) ([]byte, error)
	Decode(payload []byte) (ActiveToken, error)
}

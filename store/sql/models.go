package sqlstore

import (
	"time"

	"github.com/goliatone/go-syncbridge/core"
	"github.com/uptrace/bun"
)

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:syncbridge_webhook_events,alias:swe"`

	ID             string     `bun:"id,pk"`
	SourceID       string     `bun:"source_id,notnull"`
	DedupeKey      string     `bun:"dedupe_key,notnull"`
	Signature      string     `bun:"signature"`
	Payload        []byte     `bun:"payload"`
	Status         string     `bun:"status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	NextAttemptAt  *time.Time `bun:"next_attempt_at,nullzero"`
	LeaseOwner     string     `bun:"lease_owner"`
	LeaseExpiresAt *time.Time `bun:"lease_expires_at,nullzero"`
	ReceivedAt     time.Time  `bun:"received_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *webhookEventRecord) toDomain() core.WebhookEvent {
	if r == nil {
		return core.WebhookEvent{}
	}
	return core.WebhookEvent{
		ID:             r.ID,
		SourceID:       r.SourceID,
		DedupeKey:      r.DedupeKey,
		Signature:      r.Signature,
		Payload:        append([]byte(nil), r.Payload...),
		Status:         core.EventStatus(r.Status),
		Attempts:       r.Attempts,
		NextAttemptAt:  cloneTime(r.NextAttemptAt),
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: cloneTime(r.LeaseExpiresAt),
		ReceivedAt:     r.ReceivedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type credentialRecord struct {
	bun.BaseModel `bun:"table:syncbridge_provider_credentials,alias:spc"`

	ID               string     `bun:"id,pk"`
	ProviderID       string     `bun:"provider_id,notnull"`
	Version          int        `bun:"version,notnull"`
	RotationVersion  int        `bun:"rotation_version,notnull"`
	EncryptedPayload []byte     `bun:"encrypted_payload,notnull"`
	PayloadFormat    string     `bun:"payload_format,notnull"`
	Scopes           []string   `bun:"scopes,type:jsonb,notnull"`
	ExpiresAt        *time.Time `bun:"expires_at,nullzero"`
	Status           string     `bun:"status,notnull"`
	StatusReason     string     `bun:"status_reason"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *credentialRecord) toDomain() core.ProviderCredential {
	if r == nil {
		return core.ProviderCredential{}
	}
	return core.ProviderCredential{
		ID:               r.ID,
		ProviderID:       r.ProviderID,
		Version:          r.Version,
		RotationVersion:  r.RotationVersion,
		EncryptedPayload: append([]byte(nil), r.EncryptedPayload...),
		PayloadFormat:    r.PayloadFormat,
		Scopes:           append([]string(nil), r.Scopes...),
		ExpiresAt:        cloneTime(r.ExpiresAt),
		Status:           core.CredentialStatus(r.Status),
		StatusReason:     r.StatusReason,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type syncMappingRecord struct {
	bun.BaseModel `bun:"table:syncbridge_sync_mappings,alias:ssm"`

	ID                string    `bun:"id,pk"`
	EntityIDA         string    `bun:"entity_id_a"`
	EntityIDB         string    `bun:"entity_id_b"`
	LastSyncedVersion int64     `bun:"last_synced_version,notnull"`
	LastSyncHash      string    `bun:"last_sync_hash"`
	LastOrigin        string    `bun:"last_origin"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *syncMappingRecord) toDomain() core.SyncMapping {
	if r == nil {
		return core.SyncMapping{}
	}
	return core.SyncMapping{
		ID:                r.ID,
		EntityIDA:         r.EntityIDA,
		EntityIDB:         r.EntityIDB,
		LastSyncedVersion: r.LastSyncedVersion,
		LastSyncHash:      r.LastSyncHash,
		LastOrigin:        core.Platform(r.LastOrigin),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type syncJobRecord struct {
	bun.BaseModel `bun:"table:syncbridge_sync_jobs,alias:ssj"`

	ID             string     `bun:"id,pk"`
	MappingID      string     `bun:"mapping_id,notnull"`
	Direction      string     `bun:"direction,notnull"`
	SourceEventID  string     `bun:"source_event_id"`
	Payload        []byte     `bun:"payload"`
	PayloadHash    string     `bun:"payload_hash"`
	RemoteVersion  int64      `bun:"remote_version,notnull"`
	State          string     `bun:"state,notnull"`
	FailureReason  string     `bun:"failure_reason"`
	Attempts       int        `bun:"attempts,notnull"`
	NextAttemptAt  *time.Time `bun:"next_attempt_at,nullzero"`
	LeaseOwner     string     `bun:"lease_owner"`
	LeaseExpiresAt *time.Time `bun:"lease_expires_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *syncJobRecord) toDomain() core.SyncJob {
	if r == nil {
		return core.SyncJob{}
	}
	return core.SyncJob{
		ID:             r.ID,
		MappingID:      r.MappingID,
		Direction:      core.SyncDirection(r.Direction),
		SourceEventID:  r.SourceEventID,
		Payload:        append([]byte(nil), r.Payload...),
		PayloadHash:    r.PayloadHash,
		RemoteVersion:  r.RemoteVersion,
		State:          core.SyncJobState(r.State),
		FailureReason:  r.FailureReason,
		Attempts:       r.Attempts,
		NextAttemptAt:  cloneTime(r.NextAttemptAt),
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: cloneTime(r.LeaseExpiresAt),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type workItemRecord struct {
	bun.BaseModel `bun:"table:syncbridge_work_items,alias:swi"`

	ID             string     `bun:"id,pk"`
	Kind           string     `bun:"kind,notnull"`
	SourceKey      string     `bun:"source_key,notnull"`
	Payload        []byte     `bun:"payload"`
	Status         string     `bun:"status,notnull"`
	LastReason     string     `bun:"last_reason"`
	Attempts       int        `bun:"attempts,notnull"`
	NextAttemptAt  *time.Time `bun:"next_attempt_at,nullzero"`
	LeaseOwner     string     `bun:"lease_owner"`
	LeaseExpiresAt *time.Time `bun:"lease_expires_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Work item queue states. Terminal rows stay in the table for replay and
// inspection instead of being deleted.
const (
	workItemStatusPending = "pending"
	workItemStatusLeased  = "leased"
	workItemStatusDone    = "done"
	workItemStatusDead    = "dead"
)

func (r *workItemRecord) toDomain() core.WorkItem {
	if r == nil {
		return core.WorkItem{}
	}
	return core.WorkItem{
		ID:             r.ID,
		Kind:           core.WorkItemKind(r.Kind),
		SourceKey:      r.SourceKey,
		Payload:        append([]byte(nil), r.Payload...),
		Attempts:       r.Attempts,
		NextAttemptAt:  cloneTime(r.NextAttemptAt),
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: cloneTime(r.LeaseExpiresAt),
		CreatedAt:      r.CreatedAt,
	}
}

func cloneTime(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidEventStatusTransition      = errors.New("core: invalid webhook event status transition")
	ErrInvalidCredentialStatusTransition = errors.New("core: invalid credential status transition")
	ErrInvalidSyncJobStateTransition     = errors.New("core: invalid sync job state transition")
	ErrInvalidSyncDirection              = errors.New("core: invalid sync direction")
	ErrEventNotFound                     = errors.New("core: webhook event not found")
	ErrSyncJobNotFound                   = errors.New("core: sync job not found")
	ErrMappingNotFound                   = errors.New("core: sync mapping not found")
	ErrCredentialNotFound                = errors.New("core: provider credential not found")
	ErrRotationReplay                    = errors.New("core: refresh token rotation replay detected")
)

type EventStatus string

const (
	EventStatusPending      EventStatus = "pending"
	EventStatusLeased       EventStatus = "leased"
	EventStatusDelivered    EventStatus = "delivered"
	EventStatusFailed       EventStatus = "failed"
	EventStatusDeadLettered EventStatus = "dead_lettered"
)

// WebhookEvent is the durable record of one inbound delivery. Intake creates
// it; the scheduler owns every status and attempt mutation afterwards.
type WebhookEvent struct {
	ID             string
	SourceID       string
	DedupeKey      string
	Signature      string
	Payload        []byte
	Status         EventStatus
	Attempts       int
	NextAttemptAt  *time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	ReceivedAt     time.Time
	UpdatedAt      time.Time
}

func (e *WebhookEvent) TransitionTo(status EventStatus, now time.Time) error {
	if e == nil {
		return nil
	}
	if e.Status == status {
		e.UpdatedAt = now
		return nil
	}
	if !eventTransitionAllowed(e.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidEventStatusTransition, e.Status, status)
	}
	e.Status = status
	e.UpdatedAt = now
	return nil
}

// leased -> pending is the lease-expiry edge; every other transition only
// moves forward.
func eventTransitionAllowed(current, next EventStatus) bool {
	allowed := map[EventStatus]map[EventStatus]struct{}{
		EventStatusPending: {
			EventStatusLeased:       {},
			EventStatusDeadLettered: {},
		},
		EventStatusLeased: {
			EventStatusPending:      {},
			EventStatusDelivered:    {},
			EventStatusFailed:       {},
			EventStatusDeadLettered: {},
		},
		EventStatusFailed: {
			EventStatusPending:      {},
			EventStatusLeased:       {},
			EventStatusDeadLettered: {},
		},
		EventStatusDelivered:    {},
		EventStatusDeadLettered: {},
	}
	_, ok := allowed[current][next]
	return ok
}

type CredentialStatus string

const (
	CredentialStatusActive      CredentialStatus = "active"
	CredentialStatusNeedsReauth CredentialStatus = "needs_reauth"
	CredentialStatusRevoked     CredentialStatus = "revoked"
)

// ProviderCredential is the stored, encrypted form of an OAuth token pair.
// The vault is the only writer.
type ProviderCredential struct {
	ID               string
	ProviderID       string
	Version          int
	RotationVersion  int
	EncryptedPayload []byte
	PayloadFormat    string
	Scopes           []string
	ExpiresAt        *time.Time
	Status           CredentialStatus
	StatusReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (c *ProviderCredential) TransitionTo(status CredentialStatus, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == status {
		c.UpdatedAt = now
		return nil
	}
	if !credentialTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidCredentialStatusTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = now
	return nil
}

func credentialTransitionAllowed(current, next CredentialStatus) bool {
	allowed := map[CredentialStatus]map[CredentialStatus]struct{}{
		CredentialStatusActive: {
			CredentialStatusNeedsReauth: {},
			CredentialStatusRevoked:     {},
		},
		CredentialStatusNeedsReauth: {
			CredentialStatusActive:  {},
			CredentialStatusRevoked: {},
		},
		CredentialStatusRevoked: {},
	}
	_, ok := allowed[current][next]
	return ok
}

// ActiveToken is the decrypted working form of a credential, held only in
// memory while a call is in flight.
type ActiveToken struct {
	ProviderID      string
	AccessToken     string
	RefreshToken    string
	TokenType       string
	Scopes          []string
	ExpiresAt       *time.Time
	RotationVersion int
}

type SyncDirection string

const (
	DirectionAToB SyncDirection = "a_to_b"
	DirectionBToA SyncDirection = "b_to_a"
)

func (d SyncDirection) Validate() error {
	switch d {
	case DirectionAToB, DirectionBToA:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSyncDirection, d)
}

// Origin returns the platform the direction reads from.
func (d SyncDirection) Origin() Platform {
	if d == DirectionBToA {
		return PlatformB
	}
	return PlatformA
}

// Destination returns the platform the direction writes to.
func (d SyncDirection) Destination() Platform {
	if d == DirectionBToA {
		return PlatformA
	}
	return PlatformB
}

type Platform string

const (
	PlatformA Platform = "platform_a"
	PlatformB Platform = "platform_b"
)

// SyncMapping is the cross-platform identity pair plus the bookkeeping that
// makes re-application idempotent and echo-suppressed.
type SyncMapping struct {
	ID                string
	EntityIDA         string
	EntityIDB         string
	LastSyncedVersion int64
	LastSyncHash      string
	LastOrigin        Platform
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type SyncJobState string

const (
	SyncJobStateFetched    SyncJobState = "fetched"
	SyncJobStateMapped     SyncJobState = "mapped"
	SyncJobStateConflicted SyncJobState = "conflicted"
	SyncJobStateResolved   SyncJobState = "resolved"
	SyncJobStateApplied    SyncJobState = "applied"
	SyncJobStateCommitted  SyncJobState = "committed"
	SyncJobStateDiscarded  SyncJobState = "discarded"
)

// SyncJob carries one logical change through the engine's state machine.
// Committed and discarded are terminal.
type SyncJob struct {
	ID             string
	MappingID      string
	Direction      SyncDirection
	SourceEventID  string
	Payload        []byte
	PayloadHash    string
	RemoteVersion  int64
	State          SyncJobState
	FailureReason  string
	Attempts       int
	NextAttemptAt  *time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (j *SyncJob) TransitionTo(state SyncJobState, now time.Time) error {
	if j == nil {
		return nil
	}
	if j.State == state {
		j.UpdatedAt = now
		return nil
	}
	if !syncJobTransitionAllowed(j.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSyncJobStateTransition, j.State, state)
	}
	j.State = state
	j.UpdatedAt = now
	return nil
}

func syncJobTransitionAllowed(current, next SyncJobState) bool {
	allowed := map[SyncJobState]map[SyncJobState]struct{}{
		SyncJobStateFetched: {
			SyncJobStateMapped:    {},
			SyncJobStateDiscarded: {},
		},
		SyncJobStateMapped: {
			SyncJobStateConflicted: {},
			SyncJobStateApplied:    {},
			SyncJobStateDiscarded:  {},
		},
		SyncJobStateConflicted: {
			SyncJobStateResolved:  {},
			SyncJobStateDiscarded: {},
		},
		SyncJobStateResolved: {
			SyncJobStateApplied:   {},
			SyncJobStateDiscarded: {},
		},
		SyncJobStateApplied: {
			SyncJobStateCommitted: {},
		},
		SyncJobStateCommitted: {},
		SyncJobStateDiscarded: {},
	}
	_, ok := allowed[current][next]
	return ok
}

type WorkItemKind string

const (
	WorkItemKindWebhookEvent WorkItemKind = "webhook_event"
	WorkItemKindSyncJob      WorkItemKind = "sync_job"
)

// WorkItem is the scheduler's uniform leasable view over webhook events and
// sync jobs. SourceKey drives round-robin fairness: sourceId for events, the
// direction for sync jobs.
type WorkItem struct {
	ID             string
	Kind           WorkItemKind
	SourceKey      string
	Payload        []byte
	Attempts       int
	NextAttemptAt  *time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
}

// BridgeEvent is the structured record handed to the observability sink on
// every state transition the bridge makes.
type BridgeEvent struct {
	ID         string
	Name       string
	SourceID   string
	ProviderID string
	ItemID     string
	Reason     string
	OccurredAt time.Time
	Fields     map[string]any
}

func NormalizeSourceID(sourceID string) string {
	return strings.TrimSpace(strings.ToLower(sourceID))
}

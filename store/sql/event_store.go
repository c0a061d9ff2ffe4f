package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-syncbridge/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type EventStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
}

func NewEventStore(db *bun.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, webhookEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook event repository wiring: %w", err)
		}
	}
	return &EventStore{db: db, repo: repo}, nil
}

// Create inserts the delivery once. A second delivery carrying the same
// source and dedupe key lands on the unique index and returns the original
// row with deduped set.
func (s *EventStore) Create(ctx context.Context, in core.CreateEventInput) (core.WebhookEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: event store is not configured")
	}
	sourceID := core.NormalizeSourceID(in.SourceID)
	dedupeKey := strings.TrimSpace(in.DedupeKey)
	if sourceID == "" || dedupeKey == "" {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: source id and dedupe key are required")
	}

	now := time.Now().UTC()
	record := &webhookEventRecord{
		ID:         uuid.NewString(),
		SourceID:   sourceID,
		DedupeKey:  dedupeKey,
		Signature:  strings.TrimSpace(in.Signature),
		Payload:    append([]byte(nil), in.Payload...),
		Status:     string(core.EventStatusPending),
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.FindByDedupeKey(ctx, sourceID, dedupeKey)
			if getErr != nil {
				return core.WebhookEvent{}, false, getErr
			}
			return existing, true, nil
		}
		return core.WebhookEvent{}, false, err
	}
	return record.toDomain(), false, nil
}

func (s *EventStore) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &webhookEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WebhookEvent{}, core.ErrEventNotFound
		}
		return core.WebhookEvent{}, err
	}
	return record.toDomain(), nil
}

func (s *EventStore) FindByDedupeKey(ctx context.Context, sourceID string, dedupeKey string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &webhookEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.source_id = ?", core.NormalizeSourceID(sourceID)).
		Where("?TableAlias.dedupe_key = ?", strings.TrimSpace(dedupeKey)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WebhookEvent{}, core.ErrEventNotFound
		}
		return core.WebhookEvent{}, err
	}
	return record.toDomain(), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var _ core.EventStore = (*EventStore)(nil)

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-syncbridge/core"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// WorkItemStore is the durable lease queue behind the scheduler. Leases pick
// the oldest due item from the least recently served source key, so one noisy
// source cannot starve the rest. Webhook event rows mirror their queue state
// back onto the events table.
type WorkItemStore struct {
	db   *bun.DB
	repo repository.Repository[*workItemRecord]

	mu         sync.Mutex
	lastSource string
}

func NewWorkItemStore(db *bun.DB) (*WorkItemStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*workItemRecord](db, workItemHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid work item repository wiring: %w", err)
		}
	}
	return &WorkItemStore{db: db, repo: repo}, nil
}

func (s *WorkItemStore) Enqueue(ctx context.Context, item core.WorkItem) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: work item store is not configured")
	}
	itemID := strings.TrimSpace(item.ID)
	if itemID == "" {
		return fmt.Errorf("sqlstore: work item id is required")
	}
	sourceKey := strings.TrimSpace(item.SourceKey)
	if sourceKey == "" {
		return fmt.Errorf("sqlstore: work item source key is required")
	}

	now := time.Now().UTC()
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	record := &workItemRecord{
		ID:            itemID,
		Kind:          string(item.Kind),
		SourceKey:     sourceKey,
		Payload:       append([]byte(nil), item.Payload...),
		Status:        workItemStatusPending,
		Attempts:      item.Attempts,
		NextAttemptAt: cloneTime(item.NextAttemptAt),
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *WorkItemStore) Lease(
	ctx context.Context,
	workerID string,
	kinds []core.WorkItemKind,
	now time.Time,
	leaseTTL time.Duration,
) (core.WorkItem, bool, error) {
	if s == nil || s.db == nil {
		return core.WorkItem{}, false, fmt.Errorf("sqlstore: work item store is not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return core.WorkItem{}, false, fmt.Errorf("sqlstore: worker id is required")
	}
	if len(kinds) == 0 {
		kinds = []core.WorkItemKind{core.WorkItemKindWebhookEvent, core.WorkItemKindSyncJob}
	}

	sources, err := s.dueSources(ctx, kinds, now)
	if err != nil {
		return core.WorkItem{}, false, err
	}
	if len(sources) == 0 {
		return core.WorkItem{}, false, nil
	}

	for _, sourceKey := range s.rotate(sources) {
		item, ok, leaseErr := s.leaseFromSource(ctx, workerID, kinds, sourceKey, now, leaseTTL)
		if leaseErr != nil {
			return core.WorkItem{}, false, leaseErr
		}
		if ok {
			s.mu.Lock()
			s.lastSource = sourceKey
			s.mu.Unlock()
			return item, true, nil
		}
	}
	return core.WorkItem{}, false, nil
}

func (s *WorkItemStore) Ack(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: work item store is not configured")
	}
	id = strings.TrimSpace(id)
	now := time.Now().UTC()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := s.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.NewUpdate().
			Model((*workItemRecord)(nil)).
			Set("status = ?", workItemStatusDone).
			Set("last_reason = ?", "").
			Set("lease_owner = ?", "").
			Set("lease_expires_at = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		if record.Kind == string(core.WorkItemKindWebhookEvent) {
			return s.writeEventStatus(ctx, tx, id, core.EventStatusDelivered, nil, now)
		}
		return nil
	})
}

func (s *WorkItemStore) Fail(
	ctx context.Context,
	id string,
	reason string,
	nextAttemptAt *time.Time,
	deadLetter bool,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: work item store is not configured")
	}
	id = strings.TrimSpace(id)
	now := time.Now().UTC()

	status := workItemStatusPending
	eventStatus := core.EventStatusPending
	if deadLetter {
		status = workItemStatusDead
		eventStatus = core.EventStatusDeadLettered
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := s.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		query := tx.NewUpdate().
			Model((*workItemRecord)(nil)).
			Set("status = ?", status).
			Set("last_reason = ?", strings.TrimSpace(reason)).
			Set("lease_owner = ?", "").
			Set("lease_expires_at = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", id)
		if nextAttemptAt != nil {
			query = query.Set("next_attempt_at = ?", nextAttemptAt.UTC())
		} else {
			query = query.Set("next_attempt_at = NULL")
		}
		if _, err := query.Exec(ctx); err != nil {
			return err
		}
		if record.Kind == string(core.WorkItemKindWebhookEvent) {
			return s.writeEventStatus(ctx, tx, id, eventStatus, nextAttemptAt, now)
		}
		return nil
	})
}

// ReapExpiredLeases returns crashed workers' items to the pending pool.
func (s *WorkItemStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: work item store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*workItemRecord)(nil)).
		Set("status = ?", workItemStatusPending).
		Set("lease_owner = ?", "").
		Set("lease_expires_at = NULL").
		Set("updated_at = ?", now.UTC()).
		Where("status = ?", workItemStatusLeased).
		Where("lease_expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		_, err = s.db.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("status = ?", string(core.EventStatusPending)).
			Set("lease_owner = ?", "").
			Set("lease_expires_at = NULL").
			Set("updated_at = ?", now.UTC()).
			Where("status = ?", string(core.EventStatusLeased)).
			Where("lease_expires_at <= ?", now.UTC()).
			Exec(ctx)
		if err != nil {
			return int(affected), err
		}
	}
	return int(affected), nil
}

func (s *WorkItemStore) ListDeadLettered(ctx context.Context, limit int) ([]core.WorkItem, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: work item store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", workItemStatusDead),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	items := make([]core.WorkItem, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return items, nil
}

// Replay puts a dead-lettered item back in the pending pool with a clean
// attempt counter.
func (s *WorkItemStore) Replay(ctx context.Context, id string, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: work item store is not configured")
	}
	id = strings.TrimSpace(id)

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := s.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if record.Status != workItemStatusDead {
			return fmt.Errorf("sqlstore: work item %s is not dead-lettered", id)
		}
		if _, err := tx.NewUpdate().
			Model((*workItemRecord)(nil)).
			Set("status = ?", workItemStatusPending).
			Set("attempts = 0").
			Set("last_reason = ?", "").
			Set("next_attempt_at = NULL").
			Set("lease_owner = ?", "").
			Set("lease_expires_at = NULL").
			Set("updated_at = ?", now.UTC()).
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		if record.Kind == string(core.WorkItemKindWebhookEvent) {
			_, err = tx.NewUpdate().
				Model((*webhookEventRecord)(nil)).
				Set("status = ?", string(core.EventStatusPending)).
				Set("attempts = 0").
				Set("next_attempt_at = NULL").
				Set("updated_at = ?", now.UTC()).
				Where("id = ?", id).
				Exec(ctx)
			return err
		}
		return nil
	})
}

func (s *WorkItemStore) dueSources(ctx context.Context, kinds []core.WorkItemKind, now time.Time) ([]string, error) {
	kindValues := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		kindValues = append(kindValues, string(kind))
	}

	var sources []string
	err := s.db.NewSelect().
		Model((*workItemRecord)(nil)).
		ColumnExpr("DISTINCT ?TableAlias.source_key").
		Where("?TableAlias.status = ?", workItemStatusPending).
		Where("?TableAlias.kind IN (?)", bun.In(kindValues)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.next_attempt_at IS NULL").
				WhereOr("?TableAlias.next_attempt_at <= ?", now.UTC())
		}).
		Scan(ctx, &sources)
	if err != nil {
		return nil, err
	}
	sort.Strings(sources)
	return sources, nil
}

// rotate orders candidate sources so the scan starts just past the source
// served by the previous lease.
func (s *WorkItemStore) rotate(sources []string) []string {
	s.mu.Lock()
	last := s.lastSource
	s.mu.Unlock()

	start := 0
	for i, sourceKey := range sources {
		if sourceKey > last {
			start = i
			break
		}
	}
	rotated := make([]string, 0, len(sources))
	rotated = append(rotated, sources[start:]...)
	rotated = append(rotated, sources[:start]...)
	return rotated
}

func (s *WorkItemStore) leaseFromSource(
	ctx context.Context,
	workerID string,
	kinds []core.WorkItemKind,
	sourceKey string,
	now time.Time,
	leaseTTL time.Duration,
) (core.WorkItem, bool, error) {
	kindValues := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		kindValues = append(kindValues, string(kind))
	}
	expiresAt := now.UTC().Add(leaseTTL)

	var leased core.WorkItem
	var found bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &workItemRecord{}
		query := tx.NewSelect().
			Model(record).
			Where("?TableAlias.status = ?", workItemStatusPending).
			Where("?TableAlias.source_key = ?", sourceKey).
			Where("?TableAlias.kind IN (?)", bun.In(kindValues)).
			WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.next_attempt_at IS NULL").
					WhereOr("?TableAlias.next_attempt_at <= ?", now.UTC())
			}).
			OrderExpr("?TableAlias.created_at ASC, ?TableAlias.id ASC").
			Limit(1)
		if s.db.Dialect().Name() == dialect.PG {
			query = query.For("UPDATE SKIP LOCKED")
		}
		if err := query.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		result, err := tx.NewUpdate().
			Model((*workItemRecord)(nil)).
			Set("status = ?", workItemStatusLeased).
			Set("attempts = attempts + 1").
			Set("lease_owner = ?", workerID).
			Set("lease_expires_at = ?", expiresAt).
			Set("updated_at = ?", now.UTC()).
			Where("id = ?", record.ID).
			Where("status = ?", workItemStatusPending).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, affErr := result.RowsAffected(); affErr == nil && affected == 0 {
			return nil
		}

		if record.Kind == string(core.WorkItemKindWebhookEvent) {
			_, err = tx.NewUpdate().
				Model((*webhookEventRecord)(nil)).
				Set("status = ?", string(core.EventStatusLeased)).
				Set("attempts = attempts + 1").
				Set("lease_owner = ?", workerID).
				Set("lease_expires_at = ?", expiresAt).
				Set("updated_at = ?", now.UTC()).
				Where("id = ?", record.ID).
				Exec(ctx)
			if err != nil {
				return err
			}
		}

		record.Status = workItemStatusLeased
		record.Attempts++
		record.LeaseOwner = workerID
		record.LeaseExpiresAt = &expiresAt
		leased = record.toDomain()
		found = true
		return nil
	})
	if err != nil {
		return core.WorkItem{}, false, err
	}
	return leased, found, nil
}

func (s *WorkItemStore) getForUpdate(ctx context.Context, tx bun.Tx, id string) (*workItemRecord, error) {
	record := &workItemRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: work item %s not found", id)
		}
		return nil, err
	}
	return record, nil
}

func (s *WorkItemStore) writeEventStatus(
	ctx context.Context,
	tx bun.Tx,
	id string,
	status core.EventStatus,
	nextAttemptAt *time.Time,
	now time.Time,
) error {
	query := tx.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", string(status)).
		Set("lease_owner = ?", "").
		Set("lease_expires_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", id)
	if nextAttemptAt != nil {
		query = query.Set("next_attempt_at = ?", nextAttemptAt.UTC())
	} else {
		query = query.Set("next_attempt_at = NULL")
	}
	_, err := query.Exec(ctx)
	return err
}

var _ core.WorkItemStore = (*WorkItemStore)(nil)

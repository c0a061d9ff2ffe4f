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

type MappingStore struct {
	db   *bun.DB
	repo repository.Repository[*syncMappingRecord]
}

func NewMappingStore(db *bun.DB) (*MappingStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*syncMappingRecord](db, syncMappingHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid sync mapping repository wiring: %w", err)
		}
	}
	return &MappingStore{db: db, repo: repo}, nil
}

// Upsert finds the identity pair by either side and fills in the missing
// half, or creates the row on first contact with a platform entity.
func (s *MappingStore) Upsert(ctx context.Context, in core.UpsertMappingInput) (core.SyncMapping, error) {
	if s == nil || s.db == nil {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: mapping store is not configured")
	}
	entityA := strings.TrimSpace(in.EntityIDA)
	entityB := strings.TrimSpace(in.EntityIDB)
	if entityA == "" && entityB == "" {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: at least one entity id is required")
	}

	now := time.Now().UTC()
	var result core.SyncMapping
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &syncMappingRecord{}
		query := tx.NewSelect().Model(record).Limit(1)
		switch {
		case entityA != "" && entityB != "":
			query = query.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.entity_id_a = ?", entityA).
					WhereOr("?TableAlias.entity_id_b = ?", entityB)
			})
		case entityA != "":
			query = query.Where("?TableAlias.entity_id_a = ?", entityA)
		default:
			query = query.Where("?TableAlias.entity_id_b = ?", entityB)
		}

		findErr := query.Scan(ctx)
		if findErr != nil && !errors.Is(findErr, sql.ErrNoRows) {
			return findErr
		}
		if findErr == nil {
			if entityA != "" {
				record.EntityIDA = entityA
			}
			if entityB != "" {
				record.EntityIDB = entityB
			}
			record.UpdatedAt = now
			if _, updateErr := tx.NewUpdate().
				Model(record).
				Column("entity_id_a", "entity_id_b", "updated_at").
				WherePK().
				Exec(ctx); updateErr != nil {
				return updateErr
			}
			result = record.toDomain()
			return nil
		}

		record = &syncMappingRecord{
			ID:        uuid.NewString(),
			EntityIDA: entityA,
			EntityIDB: entityB,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
			return insertErr
		}
		result = record.toDomain()
		return nil
	})
	if err != nil {
		return core.SyncMapping{}, err
	}
	return result, nil
}

func (s *MappingStore) Get(ctx context.Context, id string) (core.SyncMapping, error) {
	if s == nil || s.db == nil {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: mapping store is not configured")
	}
	record := &syncMappingRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.SyncMapping{}, core.ErrMappingNotFound
		}
		return core.SyncMapping{}, err
	}
	return record.toDomain(), nil
}

func (s *MappingStore) FindByEntity(ctx context.Context, platform core.Platform, entityID string) (core.SyncMapping, error) {
	if s == nil || s.db == nil {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: mapping store is not configured")
	}
	column := "entity_id_a"
	if platform == core.PlatformB {
		column = "entity_id_b"
	}
	record := &syncMappingRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), strings.TrimSpace(entityID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.SyncMapping{}, core.ErrMappingNotFound
		}
		return core.SyncMapping{}, err
	}
	return record.toDomain(), nil
}

// Commit records the outcome of an applied sync in one write so a crash
// between apply and commit can be resumed without a second push.
func (s *MappingStore) Commit(ctx context.Context, in core.CommitMappingInput) (core.SyncMapping, error) {
	if s == nil || s.db == nil {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: mapping store is not configured")
	}
	mappingID := strings.TrimSpace(in.MappingID)
	if mappingID == "" {
		return core.SyncMapping{}, fmt.Errorf("sqlstore: mapping id is required")
	}

	result, err := s.db.NewUpdate().
		Model((*syncMappingRecord)(nil)).
		Set("last_synced_version = ?", in.LastSyncedVersion).
		Set("last_sync_hash = ?", in.LastSyncHash).
		Set("last_origin = ?", string(in.LastOrigin)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", mappingID).
		Exec(ctx)
	if err != nil {
		return core.SyncMapping{}, err
	}
	if affected, affErr := result.RowsAffected(); affErr == nil && affected == 0 {
		return core.SyncMapping{}, core.ErrMappingNotFound
	}
	return s.Get(ctx, mappingID)
}

func (s *MappingStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]core.SyncMapping, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: mapping store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectByTimetz("updated_at", "<", olderThan.UTC()),
		repository.OrderBy("updated_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	mappings := make([]core.SyncMapping, 0, len(records))
	for _, record := range records {
		mappings = append(mappings, record.toDomain())
	}
	return mappings, nil
}

var _ core.MappingStore = (*MappingStore)(nil)

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

type SyncJobStore struct {
	db   *bun.DB
	repo repository.Repository[*syncJobRecord]
}

func NewSyncJobStore(db *bun.DB) (*SyncJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*syncJobRecord](db, syncJobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid sync job repository wiring: %w", err)
		}
	}
	return &SyncJobStore{db: db, repo: repo}, nil
}

func (s *SyncJobStore) Create(ctx context.Context, in core.CreateSyncJobInput) (core.SyncJob, error) {
	if s == nil || s.db == nil {
		return core.SyncJob{}, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	mappingID := strings.TrimSpace(in.MappingID)
	if mappingID == "" {
		return core.SyncJob{}, fmt.Errorf("sqlstore: mapping id is required")
	}
	if err := in.Direction.Validate(); err != nil {
		return core.SyncJob{}, err
	}

	now := time.Now().UTC()
	record := &syncJobRecord{
		ID:            uuid.NewString(),
		MappingID:     mappingID,
		Direction:     string(in.Direction),
		SourceEventID: strings.TrimSpace(in.SourceEventID),
		Payload:       append([]byte(nil), in.Payload...),
		PayloadHash:   strings.TrimSpace(in.PayloadHash),
		RemoteVersion: in.RemoteVersion,
		State:         string(core.SyncJobStateFetched),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.SyncJob{}, err
	}
	return record.toDomain(), nil
}

func (s *SyncJobStore) Get(ctx context.Context, id string) (core.SyncJob, error) {
	if s == nil || s.db == nil {
		return core.SyncJob{}, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	record := &syncJobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.SyncJob{}, core.ErrSyncJobNotFound
		}
		return core.SyncJob{}, err
	}
	return record.toDomain(), nil
}

func (s *SyncJobStore) Update(ctx context.Context, job core.SyncJob) (core.SyncJob, error) {
	if s == nil || s.db == nil {
		return core.SyncJob{}, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	jobID := strings.TrimSpace(job.ID)
	if jobID == "" {
		return core.SyncJob{}, fmt.Errorf("sqlstore: sync job id is required")
	}

	result, err := s.db.NewUpdate().
		Model((*syncJobRecord)(nil)).
		Set("state = ?", string(job.State)).
		Set("failure_reason = ?", strings.TrimSpace(job.FailureReason)).
		Set("remote_version = ?", job.RemoteVersion).
		Set("payload_hash = ?", job.PayloadHash).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", jobID).
		Exec(ctx)
	if err != nil {
		return core.SyncJob{}, err
	}
	if affected, affErr := result.RowsAffected(); affErr == nil && affected == 0 {
		return core.SyncJob{}, core.ErrSyncJobNotFound
	}
	return s.Get(ctx, jobID)
}

var _ core.SyncJobStore = (*SyncJobStore)(nil)

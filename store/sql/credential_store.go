package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-syncbridge/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type CredentialStore struct {
	db   *bun.DB
	repo repository.Repository[*credentialRecord]
}

func NewCredentialStore(db *bun.DB) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	return &CredentialStore{db: db, repo: repo}, nil
}

// SaveNewVersion appends a credential row and revokes the prior active one in
// the same transaction. A rotation version that does not advance past the
// stored maximum loses the race and reports a replay.
func (s *CredentialStore) SaveNewVersion(ctx context.Context, in core.SaveCredentialInput) (core.ProviderCredential, error) {
	if s == nil || s.repo == nil || s.db == nil {
		return core.ProviderCredential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	providerID := strings.TrimSpace(in.ProviderID)
	if providerID == "" {
		return core.ProviderCredential{}, fmt.Errorf("sqlstore: provider id is required")
	}
	status := in.Status
	if strings.TrimSpace(string(status)) == "" {
		status = core.CredentialStatusActive
	}
	now := time.Now().UTC()

	var created core.ProviderCredential
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		maxVersion, maxRotation, versionErr := s.versionHighWater(ctx, tx, providerID)
		if versionErr != nil {
			return versionErr
		}
		if in.RotationVersion <= maxRotation {
			return fmt.Errorf("%w: provider %s rotation %d is not past %d",
				core.ErrRotationReplay, providerID, in.RotationVersion, maxRotation)
		}

		if status == core.CredentialStatusActive {
			_, updateErr := tx.NewUpdate().
				Model((*credentialRecord)(nil)).
				Set("status = ?", string(core.CredentialStatusRevoked)).
				Set("status_reason = ?", "rotated").
				Set("updated_at = ?", now).
				Where("provider_id = ?", providerID).
				Where("status != ?", string(core.CredentialStatusRevoked)).
				Exec(ctx)
			if updateErr != nil {
				return updateErr
			}
		}

		record := &credentialRecord{
			ID:               uuid.NewString(),
			ProviderID:       providerID,
			Version:          maxVersion + 1,
			RotationVersion:  in.RotationVersion,
			EncryptedPayload: append([]byte(nil), in.EncryptedPayload...),
			PayloadFormat:    strings.TrimSpace(in.PayloadFormat),
			Scopes:           append([]string(nil), in.Scopes...),
			ExpiresAt:        cloneTime(in.ExpiresAt),
			Status:           string(status),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if record.Scopes == nil {
			record.Scopes = []string{}
		}
		inserted, createErr := s.repo.CreateTx(ctx, tx, record)
		if createErr != nil {
			return createErr
		}
		created = inserted.toDomain()
		return nil
	})
	if err != nil {
		return core.ProviderCredential{}, err
	}
	return created, nil
}

func (s *CredentialStore) GetActiveByProvider(ctx context.Context, providerID string) (core.ProviderCredential, error) {
	if s == nil || s.repo == nil {
		return core.ProviderCredential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider_id", "=", strings.TrimSpace(providerID)),
		repository.SelectBy("status", "!=", string(core.CredentialStatusRevoked)),
		repository.OrderBy("version DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.ProviderCredential{}, err
	}
	if len(records) == 0 {
		return core.ProviderCredential{}, core.ErrCredentialNotFound
	}
	return records[0].toDomain(), nil
}

func (s *CredentialStore) UpdateStatus(ctx context.Context, providerID string, status core.CredentialStatus, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return fmt.Errorf("sqlstore: provider id is required")
	}

	result, err := s.db.NewUpdate().
		Model((*credentialRecord)(nil)).
		Set("status = ?", string(status)).
		Set("status_reason = ?", strings.TrimSpace(reason)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("provider_id = ?", providerID).
		Where("status != ?", string(core.CredentialStatusRevoked)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, affErr := result.RowsAffected(); affErr == nil && affected == 0 {
		return core.ErrCredentialNotFound
	}
	return nil
}

func (s *CredentialStore) versionHighWater(ctx context.Context, tx bun.Tx, providerID string) (int, int, error) {
	var maxVersion, maxRotation int
	err := tx.NewSelect().
		Model((*credentialRecord)(nil)).
		ColumnExpr("COALESCE(MAX(version), 0)").
		ColumnExpr("COALESCE(MAX(rotation_version), 0)").
		Where("?TableAlias.provider_id = ?", providerID).
		Scan(ctx, &maxVersion, &maxRotation)
	if err != nil {
		return 0, 0, err
	}
	return maxVersion, maxRotation, nil
}

var _ core.CredentialStore = (*CredentialStore)(nil)

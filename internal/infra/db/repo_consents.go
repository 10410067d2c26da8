package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"asclepius/internal/domain"

	"gorm.io/gorm"
)

type ConsentRepository struct {
	db *gorm.DB
}

func NewConsentRepository(db *gorm.DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

func (r *ConsentRepository) Create(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error) {
	if r.db == nil {
		return domain.ConsentGrant{}, errDBUnavailable
	}
	if grant.ID == "" {
		return domain.ConsentGrant{}, errors.New("grant id is required")
	}
	model := consentModelFromDomain(grant)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.ConsentGrant{}, err
	}
	return grant, nil
}

func (r *ConsentRepository) GetByID(ctx context.Context, id string) (*domain.ConsentGrant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model ConsentGrantModel
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: consent grant %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	grant, err := consentFromModel(model)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// UpdateState applies a transition guarded by the version column. A lost race
// surfaces as domain.ErrConflict rather than silently overwriting the winner.
func (r *ConsentRepository) UpdateState(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error) {
	if r.db == nil {
		return domain.ConsentGrant{}, errDBUnavailable
	}
	result := r.db.WithContext(ctx).
		Model(&ConsentGrantModel{}).
		Where("id = ? AND version = ?", grant.ID, grant.Version).
		Updates(map[string]any{
			"state":      string(grant.State),
			"expires_at": grant.ExpiresAt,
			"updated_at": grant.UpdatedAt.UTC(),
			"version":    grant.Version + 1,
		})
	if result.Error != nil {
		return domain.ConsentGrant{}, result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&ConsentGrantModel{}).
			Where("id = ?", grant.ID).
			Count(&count).Error; err != nil {
			return domain.ConsentGrant{}, err
		}
		if count == 0 {
			return domain.ConsentGrant{}, fmt.Errorf("%w: consent grant %s", domain.ErrNotFound, grant.ID)
		}
		return domain.ConsentGrant{}, fmt.Errorf("%w: consent grant %s was modified concurrently", domain.ErrConflict, grant.ID)
	}
	grant.Version++
	return grant, nil
}

func (r *ConsentRepository) ListByGrantor(ctx context.Context, grantor string) ([]domain.ConsentGrant, error) {
	return r.list(ctx, "grantor = ?", grantor)
}

func (r *ConsentRepository) ListByGrantee(ctx context.Context, grantee string) ([]domain.ConsentGrant, error) {
	return r.list(ctx, "grantee = ?", grantee)
}

func (r *ConsentRepository) ListByPair(ctx context.Context, grantor, grantee string) ([]domain.ConsentGrant, error) {
	return r.list(ctx, "grantor = ? AND grantee = ?", grantor, grantee)
}

func (r *ConsentRepository) FindApproved(ctx context.Context, grantor, grantee string) (*domain.ConsentGrant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model ConsentGrantModel
	if err := r.db.WithContext(ctx).
		Where("grantor = ? AND grantee = ? AND state = ?", grantor, grantee, string(domain.ConsentStateApproved)).
		Order("updated_at DESC").
		Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no approved grant from %s to %s", domain.ErrNotFound, grantor, grantee)
		}
		return nil, err
	}
	grant, err := consentFromModel(model)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (r *ConsentRepository) ListApprovedExpiring(ctx context.Context, before time.Time, limit int) ([]domain.ConsentGrant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?", string(domain.ConsentStateApproved), before.UTC()).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []ConsentGrantModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return consentsFromModels(models)
}

func (r *ConsentRepository) list(ctx context.Context, where string, args ...any) ([]domain.ConsentGrant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []ConsentGrantModel
	if err := r.db.WithContext(ctx).
		Where(where, args...).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return consentsFromModels(models)
}

func consentsFromModels(models []ConsentGrantModel) ([]domain.ConsentGrant, error) {
	out := make([]domain.ConsentGrant, 0, len(models))
	for _, model := range models {
		grant, err := consentFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, nil
}

func consentModelFromDomain(grant domain.ConsentGrant) ConsentGrantModel {
	return ConsentGrantModel{
		ID:           grant.ID,
		Grantor:      grant.Grantor,
		Grantee:      grant.Grantee,
		Permissions:  grant.Permissions.Encode(),
		Scope:        grant.Scope,
		Reason:       grant.Reason,
		DurationDays: grant.DurationDays,
		State:        string(grant.State),
		ExpiresAt:    grant.ExpiresAt,
		CreatedAt:    grant.CreatedAt.UTC(),
		UpdatedAt:    grant.UpdatedAt.UTC(),
		Version:      grant.Version,
	}
}

func consentFromModel(model ConsentGrantModel) (domain.ConsentGrant, error) {
	permissions, err := domain.DecodePermissionSet(model.Permissions)
	if err != nil {
		return domain.ConsentGrant{}, fmt.Errorf("grant %s: %w", model.ID, err)
	}
	return domain.ConsentGrant{
		ID:           model.ID,
		Grantor:      model.Grantor,
		Grantee:      model.Grantee,
		Permissions:  permissions,
		Scope:        model.Scope,
		Reason:       model.Reason,
		DurationDays: model.DurationDays,
		State:        domain.ConsentState(model.State),
		ExpiresAt:    model.ExpiresAt,
		CreatedAt:    model.CreatedAt.UTC(),
		UpdatedAt:    model.UpdatedAt.UTC(),
		Version:      model.Version,
	}, nil
}

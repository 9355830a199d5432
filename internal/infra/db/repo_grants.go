package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"custodian/internal/domain"
)

type GrantRepository struct {
	db *gorm.DB
}

func NewGrantRepository(db *gorm.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

func (r *GrantRepository) Save(ctx context.Context, grant domain.Grant) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := GrantModel{
		ID:        grant.ID,
		Service:   grant.Service,
		Action:    grant.Action,
		Requester: grant.Requester,
		IssuedAt:  grant.IssuedAt.UTC(),
		ExpiresAt: grant.ExpiresAt.UTC(),
		Revoked:   grant.Revoked,
	}
	return r.db.WithContext(ctx).Save(&model).Error
}

func (r *GrantRepository) Get(ctx context.Context, id string) (domain.Grant, error) {
	if r.db == nil {
		return domain.Grant{}, errDBUnavailable
	}
	var model GrantModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Grant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Grant{}, err
	}
	return grantFromModel(model), nil
}

// Active returns unrevoked grants for a (service, action) pair that are
// valid at the given instant.
func (r *GrantRepository) Active(ctx context.Context, service, action string, at time.Time) ([]domain.Grant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []GrantModel
	err := r.db.WithContext(ctx).
		Where("service = ? AND action = ? AND revoked = false AND issued_at <= ? AND expires_at > ?",
			service, action, at.UTC(), at.UTC()).
		Order("expires_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Grant, 0, len(models))
	for _, model := range models {
		out = append(out, grantFromModel(model))
	}
	return out, nil
}

func (r *GrantRepository) Revoke(ctx context.Context, id string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	result := r.db.WithContext(ctx).
		Model(&GrantModel{}).
		Where("id = ?", id).
		Update("revoked", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func grantFromModel(model GrantModel) domain.Grant {
	return domain.Grant{
		ID:        model.ID,
		Service:   model.Service,
		Action:    model.Action,
		Requester: model.Requester,
		IssuedAt:  model.IssuedAt,
		ExpiresAt: model.ExpiresAt,
		Revoked:   model.Revoked,
	}
}

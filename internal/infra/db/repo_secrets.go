package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"custodian/internal/domain"
)

type SecretRecordRepository struct {
	db *gorm.DB
}

func NewSecretRecordRepository(db *gorm.DB) *SecretRecordRepository {
	return &SecretRecordRepository{db: db}
}

func (r *SecretRecordRepository) Save(ctx context.Context, record domain.SecretRecord) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := secretRecordModelFromDomain(record)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service"}, {Name: "generation"}},
			UpdateAll: true,
		}).
		Create(&model).Error
}

func (r *SecretRecordRepository) Latest(ctx context.Context, service string) (domain.SecretRecord, error) {
	if r.db == nil {
		return domain.SecretRecord{}, errDBUnavailable
	}
	var model SecretRecordModel
	err := r.db.WithContext(ctx).
		Where("service = ?", service).
		Order("generation DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.SecretRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SecretRecord{}, err
	}
	return secretRecordFromModel(model), nil
}

func (r *SecretRecordRepository) PruneBelow(ctx context.Context, service string, generation int64) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).
		Where("service = ? AND generation < ?", service, generation).
		Delete(&SecretRecordModel{}).Error
}

func (r *SecretRecordRepository) Touch(ctx context.Context, service string, at time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	result := r.db.WithContext(ctx).
		Model(&SecretRecordModel{}).
		Where("service = ? AND generation = (SELECT MAX(generation) FROM secret_records WHERE service = ?)", service, service).
		Updates(map[string]any{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": at.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func secretRecordModelFromDomain(record domain.SecretRecord) SecretRecordModel {
	model := SecretRecordModel{
		Service:     record.Service,
		Generation:  record.Generation,
		Ciphertext:  copyBytes(record.Ciphertext),
		Nonce:       copyBytes(record.Nonce),
		Salt:        copyBytes(record.Salt),
		CreatedAt:   record.CreatedAt.UTC(),
		AccessCount: record.AccessCount,
	}
	if !record.LastAccessedAt.IsZero() {
		at := record.LastAccessedAt.UTC()
		model.LastAccessedAt = &at
	}
	return model
}

func secretRecordFromModel(model SecretRecordModel) domain.SecretRecord {
	record := domain.SecretRecord{
		Service:     model.Service,
		Generation:  model.Generation,
		Ciphertext:  copyBytes(model.Ciphertext),
		Nonce:       copyBytes(model.Nonce),
		Salt:        copyBytes(model.Salt),
		CreatedAt:   model.CreatedAt,
		AccessCount: model.AccessCount,
	}
	if model.LastAccessedAt != nil {
		record.LastAccessedAt = *model.LastAccessedAt
	}
	return record
}

func copyBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

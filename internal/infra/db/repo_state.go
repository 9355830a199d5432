package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"custodian/internal/domain"
)

const (
	statePolicyLevel      = "policy_level"
	stateQuarantinePrefix = "quarantine:"
)

// GateStateRepository persists the active policy level and per-service
// quarantine flags so they survive restart.
type GateStateRepository struct {
	db *gorm.DB
}

func NewGateStateRepository(db *gorm.DB) *GateStateRepository {
	return &GateStateRepository{db: db}
}

func (r *GateStateRepository) SavePolicyLevel(ctx context.Context, level domain.PolicyLevel) error {
	return r.put(ctx, statePolicyLevel, string(level))
}

func (r *GateStateRepository) PolicyLevel(ctx context.Context) (domain.PolicyLevel, error) {
	value, err := r.get(ctx, statePolicyLevel)
	if err != nil {
		return "", err
	}
	return domain.PolicyLevel(value), nil
}

func (r *GateStateRepository) SetQuarantined(ctx context.Context, service, reason string) error {
	return r.put(ctx, stateQuarantinePrefix+service, reason)
}

func (r *GateStateRepository) ClearQuarantined(ctx context.Context, service string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).
		Where("key = ?", stateQuarantinePrefix+service).
		Delete(&GateStateModel{}).Error
}

func (r *GateStateRepository) Quarantined(ctx context.Context) (map[string]string, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []GateStateModel
	err := r.db.WithContext(ctx).
		Where("key LIKE ?", stateQuarantinePrefix+"%").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(models))
	for _, model := range models {
		out[strings.TrimPrefix(model.Key, stateQuarantinePrefix)] = model.Value
	}
	return out, nil
}

func (r *GateStateRepository) put(ctx context.Context, key, value string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := GateStateModel{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Save(&model).Error
}

func (r *GateStateRepository) get(ctx context.Context, key string) (string, error) {
	if r.db == nil {
		return "", errDBUnavailable
	}
	var model GateStateModel
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.Value, nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"custodian/internal/domain"
)

type AuditEntryRepository struct {
	db *gorm.DB
}

func NewAuditEntryRepository(db *gorm.DB) *AuditEntryRepository {
	return &AuditEntryRepository{db: db}
}

// Append assigns the next sequence number and chain digest inside a
// transaction that reads the current tail, so concurrent writers never
// compute from stale state. The row is durable when Append returns.
func (r *AuditEntryRepository) Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	if r.db == nil {
		return domain.AuditEntry{}, errDBUnavailable
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	} else {
		entry.CreatedAt = entry.CreatedAt.UTC()
	}
	entry.CreatedAt = entry.CreatedAt.Truncate(time.Microsecond)

	var out domain.AuditEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tail AuditEntryModel
		// FOR UPDATE serializes concurrent appends at the database so
		// the digest chain never forks.
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Order("seq DESC").First(&tail).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry.Seq = 1
			entry.PrevDigest = domain.ZeroDigest
		case err != nil:
			return err
		default:
			entry.Seq = tail.Seq + 1
			entry.PrevDigest = tail.EntryDigest
		}

		digest, err := domain.ComputeEntryDigest(entry)
		if err != nil {
			return err
		}
		entry.EntryDigest = digest

		model := auditEntryModelFromDomain(entry)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return out, nil
}

func (r *AuditEntryRepository) List(ctx context.Context, query domain.AuditQuery) ([]domain.AuditEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	q := r.db.WithContext(ctx).Model(&AuditEntryModel{}).Order("seq ASC")
	if query.Service != "" {
		q = q.Where("service = ?", query.Service)
	}
	if query.Requester != "" {
		q = q.Where("requester = ?", query.Requester)
	}
	if query.EventType != "" {
		q = q.Where("event_type = ?", string(query.EventType))
	}
	if query.Outcome != "" {
		q = q.Where("outcome = ?", string(query.Outcome))
	}
	if !query.Since.IsZero() {
		q = q.Where("created_at >= ?", query.Since.UTC())
	}
	if !query.Until.IsZero() {
		q = q.Where("created_at < ?", query.Until.UTC())
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}
	var models []AuditEntryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(models))
	for _, model := range models {
		out = append(out, auditEntryFromModel(model))
	}
	return out, nil
}

func (r *AuditEntryRepository) Tail(ctx context.Context) (domain.AuditEntry, bool, error) {
	if r.db == nil {
		return domain.AuditEntry{}, false, errDBUnavailable
	}
	var tail AuditEntryModel
	err := r.db.WithContext(ctx).Order("seq DESC").First(&tail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AuditEntry{}, false, nil
	}
	if err != nil {
		return domain.AuditEntry{}, false, err
	}
	return auditEntryFromModel(tail), true, nil
}

// Archive moves entries with seq < beforeSeq into the archive table.
// The caller records the archival itself as an audit entry.
func (r *AuditEntryRepository) Archive(ctx context.Context, beforeSeq int64, at time.Time) (int64, error) {
	if r.db == nil {
		return 0, errDBUnavailable
	}
	var moved int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []AuditEntryModel
		if err := tx.Where("seq < ?", beforeSeq).Order("seq ASC").Find(&models).Error; err != nil {
			return err
		}
		for _, model := range models {
			archived := AuditArchiveModel{
				ID:          model.ID,
				Seq:         model.Seq,
				EventType:   model.EventType,
				Requester:   model.Requester,
				Service:     model.Service,
				Action:      model.Action,
				Risk:        model.Risk,
				Decision:    model.Decision,
				Outcome:     model.Outcome,
				Reason:      model.Reason,
				PrevDigest:  model.PrevDigest,
				EntryDigest: model.EntryDigest,
				CreatedAt:   model.CreatedAt,
				ArchivedAt:  at.UTC(),
			}
			if err := tx.Create(&archived).Error; err != nil {
				return err
			}
		}
		result := tx.Where("seq < ?", beforeSeq).Delete(&AuditEntryModel{})
		if result.Error != nil {
			return result.Error
		}
		moved = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// ArchiveTail returns the highest-seq archived entry. Chain
// verification anchors the live suffix against it after an archival.
func (r *AuditEntryRepository) ArchiveTail(ctx context.Context) (domain.AuditEntry, bool, error) {
	if r.db == nil {
		return domain.AuditEntry{}, false, errDBUnavailable
	}
	var model AuditArchiveModel
	err := r.db.WithContext(ctx).Order("seq DESC").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AuditEntry{}, false, nil
	}
	if err != nil {
		return domain.AuditEntry{}, false, err
	}
	return domain.AuditEntry{
		ID:          model.ID,
		Seq:         model.Seq,
		EventType:   domain.AuditEventType(model.EventType),
		Requester:   model.Requester,
		Service:     model.Service,
		Action:      model.Action,
		Risk:        domain.RiskClass(model.Risk),
		Decision:    domain.DecisionKind(model.Decision),
		Outcome:     domain.AuditOutcome(model.Outcome),
		Reason:      model.Reason,
		PrevDigest:  model.PrevDigest,
		EntryDigest: model.EntryDigest,
		CreatedAt:   model.CreatedAt,
	}, true, nil
}

func auditEntryModelFromDomain(entry domain.AuditEntry) AuditEntryModel {
	return AuditEntryModel{
		ID:          entry.ID,
		Seq:         entry.Seq,
		EventType:   string(entry.EventType),
		Requester:   entry.Requester,
		Service:     entry.Service,
		Action:      entry.Action,
		Risk:        string(entry.Risk),
		Decision:    string(entry.Decision),
		Outcome:     string(entry.Outcome),
		Reason:      entry.Reason,
		PrevDigest:  entry.PrevDigest,
		EntryDigest: entry.EntryDigest,
		CreatedAt:   entry.CreatedAt.UTC(),
	}
}

func auditEntryFromModel(model AuditEntryModel) domain.AuditEntry {
	return domain.AuditEntry{
		ID:          model.ID,
		Seq:         model.Seq,
		EventType:   domain.AuditEventType(model.EventType),
		Requester:   model.Requester,
		Service:     model.Service,
		Action:      model.Action,
		Risk:        domain.RiskClass(model.Risk),
		Decision:    domain.DecisionKind(model.Decision),
		Outcome:     domain.AuditOutcome(model.Outcome),
		Reason:      model.Reason,
		PrevDigest:  model.PrevDigest,
		EntryDigest: model.EntryDigest,
		CreatedAt:   model.CreatedAt,
	}
}

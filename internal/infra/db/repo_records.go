package db

import (
	"context"
	"errors"
	"fmt"

	"asclepius/internal/domain"

	"gorm.io/gorm"
)

type RecordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) Create(ctx context.Context, record domain.RecordEntry) (domain.RecordEntry, error) {
	if r.db == nil {
		return domain.RecordEntry{}, errDBUnavailable
	}
	if record.ID == "" || record.PatientID == "" {
		return domain.RecordEntry{}, errors.New("record id and patient id are required")
	}
	model := recordModelFromDomain(record)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.RecordEntry{}, err
	}
	return recordFromModel(model), nil
}

func (r *RecordRepository) GetByID(ctx context.Context, id string) (*domain.RecordEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model RecordEntryModel
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	record := recordFromModel(model)
	return &record, nil
}

func (r *RecordRepository) Update(ctx context.Context, record domain.RecordEntry) (domain.RecordEntry, error) {
	if r.db == nil {
		return domain.RecordEntry{}, errDBUnavailable
	}
	result := r.db.WithContext(ctx).
		Model(&RecordEntryModel{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"kind":       record.Kind,
			"blob_ref":   record.BlobRef,
			"note":       record.Note,
			"updated_at": record.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return domain.RecordEntry{}, result.Error
	}
	if result.RowsAffected == 0 {
		return domain.RecordEntry{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, record.ID)
	}
	return record, nil
}

func (r *RecordRepository) Delete(ctx context.Context, id string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	result := r.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&RecordEntryModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *RecordRepository) ListByPatient(ctx context.Context, patientID string) ([]domain.RecordEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []RecordEntryModel
	if err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.RecordEntry, 0, len(models))
	for _, model := range models {
		out = append(out, recordFromModel(model))
	}
	return out, nil
}

func recordModelFromDomain(record domain.RecordEntry) RecordEntryModel {
	return RecordEntryModel{
		ID:        record.ID,
		PatientID: record.PatientID,
		Kind:      record.Kind,
		BlobRef:   record.BlobRef,
		Note:      record.Note,
		CreatedBy: record.CreatedBy,
		CreatedAt: record.CreatedAt.UTC(),
		UpdatedAt: record.UpdatedAt.UTC(),
	}
}

func recordFromModel(model RecordEntryModel) domain.RecordEntry {
	return domain.RecordEntry{
		ID:        model.ID,
		PatientID: model.PatientID,
		Kind:      model.Kind,
		BlobRef:   model.BlobRef,
		Note:      model.Note,
		CreatedBy: model.CreatedBy,
		CreatedAt: model.CreatedAt.UTC(),
		UpdatedAt: model.UpdatedAt.UTC(),
	}
}

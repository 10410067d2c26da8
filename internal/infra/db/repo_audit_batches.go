package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"asclepius/internal/domain"

	"gorm.io/gorm"
)

type AuditBatchRepository struct {
	db *gorm.DB
}

func NewAuditBatchRepository(db *gorm.DB) *AuditBatchRepository {
	return &AuditBatchRepository{db: db}
}

func (r *AuditBatchRepository) Create(ctx context.Context, batch domain.AuditBatch) (domain.AuditBatch, error) {
	if r.db == nil {
		return domain.AuditBatch{}, errDBUnavailable
	}
	if batch.ID == "" || batch.RootHash == "" {
		return domain.AuditBatch{}, errors.New("batch id and root hash are required")
	}
	model := AuditBatchModel{
		ID:            batch.ID,
		FirstSequence: batch.FirstSequence,
		LastSequence:  batch.LastSequence,
		EntryCount:    batch.EntryCount,
		RootHash:      batch.RootHash,
		CreatedAt:     batch.CreatedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.AuditBatch{}, err
	}
	return batch, nil
}

// MarkAnchored records the first anchor confirmation. A batch already carrying
// a transaction hash is left untouched.
func (r *AuditBatchRepository) MarkAnchored(ctx context.Context, batchID, txHash string, anchoredAt time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if txHash == "" {
		return errors.New("tx hash is required")
	}
	at := anchoredAt.UTC()
	result := r.db.WithContext(ctx).
		Model(&AuditBatchModel{}).
		Where("id = ? AND anchored_tx_hash IS NULL", batchID).
		Updates(map[string]any{
			"anchored_tx_hash": txHash,
			"anchored_at":      at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&AuditBatchModel{}).
			Where("id = ?", batchID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
		}
	}
	return nil
}

func (r *AuditBatchRepository) GetByID(ctx context.Context, id string) (*domain.AuditBatch, error) {
	return r.get(ctx, "id = ?", id)
}

func (r *AuditBatchRepository) GetByRoot(ctx context.Context, rootHash string) (*domain.AuditBatch, error) {
	return r.get(ctx, "root_hash = ?", rootHash)
}

func (r *AuditBatchRepository) LastBatchedSequence(ctx context.Context) (int64, error) {
	if r.db == nil {
		return 0, errDBUnavailable
	}
	var last int64
	if err := r.db.WithContext(ctx).
		Model(&AuditBatchModel{}).
		Select("COALESCE(MAX(last_sequence), 0)").
		Scan(&last).Error; err != nil {
		return 0, err
	}
	return last, nil
}

func (r *AuditBatchRepository) ListUnanchored(ctx context.Context, limit int) ([]domain.AuditBatch, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx).
		Where("anchored_tx_hash IS NULL").
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []AuditBatchModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return batchesFromModels(models), nil
}

func (r *AuditBatchRepository) List(ctx context.Context, limit int) ([]domain.AuditBatch, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []AuditBatchModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return batchesFromModels(models), nil
}

func (r *AuditBatchRepository) get(ctx context.Context, where string, arg any) (*domain.AuditBatch, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model AuditBatchModel
	if err := r.db.WithContext(ctx).
		Where(where, arg).
		Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: audit batch %v", domain.ErrNotFound, arg)
		}
		return nil, err
	}
	batch := batchFromModel(model)
	return &batch, nil
}

func batchesFromModels(models []AuditBatchModel) []domain.AuditBatch {
	out := make([]domain.AuditBatch, 0, len(models))
	for _, model := range models {
		out = append(out, batchFromModel(model))
	}
	return out
}

func batchFromModel(model AuditBatchModel) domain.AuditBatch {
	return domain.AuditBatch{
		ID:             model.ID,
		FirstSequence:  model.FirstSequence,
		LastSequence:   model.LastSequence,
		EntryCount:     model.EntryCount,
		RootHash:       model.RootHash,
		AnchoredTxHash: stringValue(model.AnchoredTxHash),
		AnchoredAt:     model.AnchoredAt,
		CreatedAt:      model.CreatedAt.UTC(),
	}
}

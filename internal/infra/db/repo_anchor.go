package db

import (
	"context"
	"errors"
	"time"

	"asclepius/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AnchorAttemptRepository struct {
	db *gorm.DB
}

func NewAnchorAttemptRepository(db *gorm.DB) *AnchorAttemptRepository {
	return &AnchorAttemptRepository{db: db}
}

func (r *AnchorAttemptRepository) Append(ctx context.Context, attempt domain.AnchorAttempt) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if attempt.BatchID == "" {
		return errors.New("batch_id is required")
	}
	if attempt.Provider == "" {
		return errors.New("provider is required")
	}
	if attempt.Status == "" {
		return errors.New("status is required")
	}
	if attempt.PayloadHash == "" {
		return errors.New("payload_hash is required")
	}

	model := AnchorAttemptModel{
		BatchID:                  attempt.BatchID,
		Provider:                 attempt.Provider,
		Status:                   attempt.Status,
		ErrorCode:                stringPtrIfNotEmpty(attempt.ErrorCode),
		PayloadHash:              attempt.PayloadHash,
		ProviderReceiptJSON:      copyBytes(attempt.ProviderReceiptJSON),
		ProviderReceiptTruncated: attempt.ProviderReceiptTruncated,
		ProviderReceiptSizeBytes: attempt.ProviderReceiptSizeBytes,
		CreatedAt:                time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *AnchorAttemptRepository) ListByBatch(ctx context.Context, batchID string) ([]domain.AnchorAttempt, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if batchID == "" {
		return nil, errors.New("batch_id is required")
	}
	var models []AnchorAttemptModel
	if err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AnchorAttempt, 0, len(models))
	for _, model := range models {
		out = append(out, anchorAttemptFromModel(model))
	}
	return out, nil
}

func anchorAttemptFromModel(model AnchorAttemptModel) domain.AnchorAttempt {
	return domain.AnchorAttempt{
		BatchID:                  model.BatchID,
		Provider:                 model.Provider,
		Status:                   model.Status,
		ErrorCode:                stringValue(model.ErrorCode),
		PayloadHash:              model.PayloadHash,
		ProviderReceiptJSON:      copyBytes(model.ProviderReceiptJSON),
		ProviderReceiptTruncated: model.ProviderReceiptTruncated,
		ProviderReceiptSizeBytes: model.ProviderReceiptSizeBytes,
		CreatedAt:                model.CreatedAt,
	}
}

type AnchorReceiptRepository struct {
	db *gorm.DB
}

func NewAnchorReceiptRepository(db *gorm.DB) *AnchorReceiptRepository {
	return &AnchorReceiptRepository{db: db}
}

// AppendAnchored stores a confirmed receipt. The (batch, provider) pair is
// unique; a duplicate confirmation is silently dropped so retries stay
// idempotent.
func (r *AnchorReceiptRepository) AppendAnchored(ctx context.Context, receipt domain.AnchorReceipt) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if receipt.BatchID == "" {
		return errors.New("batch_id is required")
	}
	if receipt.Provider == "" {
		return errors.New("provider is required")
	}
	if receipt.PayloadHash == "" {
		return errors.New("payload_hash is required")
	}
	if receipt.Status == "" {
		receipt.Status = domain.AnchorStatusAnchored
	} else if receipt.Status != domain.AnchorStatusAnchored {
		return errors.New("receipt status must be anchored")
	}

	model := AnchorReceiptModel{
		BatchID:                  receipt.BatchID,
		Provider:                 receipt.Provider,
		Status:                   receipt.Status,
		ErrorCode:                stringPtrIfNotEmpty(receipt.ErrorCode),
		PayloadHash:              receipt.PayloadHash,
		TxHash:                   stringPtrIfNotEmpty(receipt.TxHash),
		BlockNumber:              int64Ptr(receipt.BlockNumber),
		LedgerIndex:              int64Ptr(receipt.LedgerIndex),
		EntryURL:                 stringPtrIfNotEmpty(receipt.EntryURL),
		AnchoredAt:               timePtrIfNotZero(receipt.AnchoredAt),
		ProviderReceiptJSON:      copyBytes(receipt.ProviderReceiptJSON),
		ProviderReceiptTruncated: receipt.ProviderReceiptTruncated,
		ProviderReceiptSizeBytes: receipt.ProviderReceiptSizeBytes,
		ProviderReceiptSHA256:    receipt.ProviderReceiptSHA256,
		CreatedAt:                time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
}

func (r *AnchorReceiptRepository) ListByBatch(ctx context.Context, batchID string) ([]domain.AnchorReceipt, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if batchID == "" {
		return nil, errors.New("batch_id is required")
	}
	var models []AnchorReceiptModel
	if err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AnchorReceipt, 0, len(models))
	for _, model := range models {
		out = append(out, anchorReceiptFromModel(model))
	}
	return out, nil
}

func anchorReceiptFromModel(model AnchorReceiptModel) domain.AnchorReceipt {
	return domain.AnchorReceipt{
		BatchID:                  model.BatchID,
		Provider:                 model.Provider,
		Status:                   model.Status,
		ErrorCode:                stringValue(model.ErrorCode),
		PayloadHash:              model.PayloadHash,
		TxHash:                   stringValue(model.TxHash),
		BlockNumber:              int64Value(model.BlockNumber),
		LedgerIndex:              int64Value(model.LedgerIndex),
		EntryURL:                 stringValue(model.EntryURL),
		AnchoredAt:               timeValue(model.AnchoredAt),
		ProviderReceiptJSON:      copyBytes(model.ProviderReceiptJSON),
		ProviderReceiptTruncated: model.ProviderReceiptTruncated,
		ProviderReceiptSizeBytes: model.ProviderReceiptSizeBytes,
		ProviderReceiptSHA256:    model.ProviderReceiptSHA256,
	}
}

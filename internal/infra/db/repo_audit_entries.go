package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"asclepius/internal/domain"

	"gorm.io/gorm"
)

type AuditEntryRepository struct {
	db *gorm.DB
}

func NewAuditEntryRepository(db *gorm.DB) *AuditEntryRepository {
	return &AuditEntryRepository{db: db}
}

// Append assigns the next global sequence and links the hash chain inside one
// transaction. The tail row is locked FOR UPDATE, so concurrent appends
// serialize and the sequence stays gapless.
func (r *AuditEntryRepository) Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	if r.db == nil {
		return domain.AuditEntry{}, errDBUnavailable
	}
	if entry.Actor == "" || entry.Action == "" || entry.ResourceType == "" {
		return domain.AuditEntry{}, errors.New("actor, action and resource_type are required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Microsecond)
	if entry.Metadata == nil {
		entry.Metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("encode metadata: %w", err)
	}

	var out domain.AuditEntry
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, prevHash, err := nextChainSeq(ctx, tx)
		if err != nil {
			return err
		}
		entry.Sequence = seq
		entry.PreviousHash = prevHash

		hash, err := domain.HashEntry(entry)
		if err != nil {
			return err
		}
		entry.Hash = hash

		model := auditEntryModelFromDomain(entry, metadataJSON)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return domain.AuditEntry{}, err
	}
	return out, nil
}

func (r *AuditEntryRepository) ListRange(ctx context.Context, from, to int64) ([]domain.AuditEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []AuditEntryModel
	if err := r.db.WithContext(ctx).
		Where("sequence BETWEEN ? AND ?", from, to).
		Order("sequence ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(models))
	for _, model := range models {
		entry, err := auditEntryFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (r *AuditEntryRepository) GetBySequence(ctx context.Context, sequence int64) (*domain.AuditEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model AuditEntryModel
	if err := r.db.WithContext(ctx).
		Where("sequence = ?", sequence).
		Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: audit entry %d", domain.ErrNotFound, sequence)
		}
		return nil, err
	}
	entry, err := auditEntryFromModel(model)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *AuditEntryRepository) TailSequence(ctx context.Context) (int64, error) {
	if r.db == nil {
		return 0, errDBUnavailable
	}
	var tail AuditChainTailModel
	if err := r.db.WithContext(ctx).
		Where("id = 1").
		Take(&tail).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return tail.Seq, nil
}

func nextChainSeq(ctx context.Context, tx *gorm.DB) (int64, string, error) {
	if err := tx.WithContext(ctx).Exec(
		"INSERT INTO audit_chain_tail (id, seq) VALUES (1, 0) ON CONFLICT (id) DO NOTHING",
	).Error; err != nil {
		return 0, "", err
	}

	var currentSeq int64
	if err := tx.WithContext(ctx).Raw(
		"SELECT seq FROM audit_chain_tail WHERE id = 1 FOR UPDATE",
	).Scan(&currentSeq).Error; err != nil {
		return 0, "", err
	}
	nextSeq := currentSeq + 1
	if err := tx.WithContext(ctx).Exec(
		"UPDATE audit_chain_tail SET seq = ? WHERE id = 1",
		nextSeq,
	).Error; err != nil {
		return 0, "", err
	}

	prevHash := domain.GenesisHash
	if currentSeq > 0 {
		var prev AuditEntryModel
		if err := tx.WithContext(ctx).
			Where("sequence = ?", currentSeq).
			Take(&prev).Error; err != nil {
			return 0, "", err
		}
		prevHash = prev.EntryHash
	}
	if prevHash == "" {
		return 0, "", fmt.Errorf("missing previous hash before sequence %d", nextSeq)
	}
	return nextSeq, prevHash, nil
}

func auditEntryModelFromDomain(entry domain.AuditEntry, metadataJSON []byte) AuditEntryModel {
	return AuditEntryModel{
		Sequence:     entry.Sequence,
		Actor:        entry.Actor,
		Action:       string(entry.Action),
		ResourceType: string(entry.ResourceType),
		ResourceID:   entry.ResourceID,
		MetadataJSON: metadataJSON,
		PrevHash:     entry.PreviousHash,
		EntryHash:    entry.Hash,
		CreatedAt:    entry.Timestamp.UTC(),
	}
}

func auditEntryFromModel(model AuditEntryModel) (domain.AuditEntry, error) {
	metadata := map[string]string{}
	if len(model.MetadataJSON) > 0 {
		if err := json.Unmarshal(model.MetadataJSON, &metadata); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("decode metadata for sequence %d: %w", model.Sequence, err)
		}
	}
	return domain.AuditEntry{
		Sequence:     model.Sequence,
		Actor:        model.Actor,
		Action:       domain.AuditAction(model.Action),
		ResourceType: domain.ResourceType(model.ResourceType),
		ResourceID:   model.ResourceID,
		Timestamp:    model.CreatedAt.UTC(),
		Metadata:     metadata,
		PreviousHash: model.PrevHash,
		Hash:         model.EntryHash,
	}, nil
}

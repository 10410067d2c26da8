package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"asclepius/internal/domain"
	"asclepius/internal/obs"
)

const providerTimeout = 10 * time.Second

// Provider submits commitments to one external ledger. Anchor never returns
// an error; failures are encoded in the receipt so the caller can persist
// every outcome.
type Provider interface {
	ProviderName() string
	Anchor(ctx context.Context, payload Payload) domain.AnchorReceipt
	QueryRoot(ctx context.Context, rootHash string) (domain.AnchorStatus, error)
}

// Service fans a batch commitment out to the enabled providers and records
// every attempt. It implements domain.AnchorService.
type Service struct {
	providers map[string]Provider
	enabled   []string
	attempts  domain.AnchorAttemptRepository
	receipts  domain.AnchorReceiptRepository
	timeout   time.Duration
}

func NewService(providers []Provider, enabled []string, attempts domain.AnchorAttemptRepository, receipts domain.AnchorReceiptRepository) (*Service, error) {
	index := make(map[string]Provider, len(providers))
	for _, provider := range providers {
		if provider == nil {
			return nil, errors.New("provider is nil")
		}
		id := provider.ProviderName()
		if id == "" {
			return nil, errors.New("provider id is required")
		}
		if _, exists := index[id]; exists {
			return nil, errors.New("duplicate provider id: " + id)
		}
		index[id] = provider
	}
	return &Service{
		providers: index,
		enabled:   enabled,
		attempts:  attempts,
		receipts:  receipts,
	}, nil
}

// SetTimeout overrides the per-provider call timeout. Zero or negative keeps
// the default.
func (s *Service) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

func (s *Service) callTimeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return providerTimeout
}

func (s *Service) AnchorBatch(ctx context.Context, batch domain.AuditBatch) ([]domain.AnchorReceipt, error) {
	if s == nil {
		return nil, errors.New("anchor service is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := BuildPayload(batch)
	if err != nil {
		return nil, err
	}
	if len(s.enabled) == 0 {
		receipt := skippedReceipt(batch.ID, payload.HashHex)
		receipt = s.persistAttempt(ctx, receipt)
		return []domain.AnchorReceipt{receipt}, nil
	}

	receipts := make([]domain.AnchorReceipt, 0, len(s.enabled))
	for _, id := range s.enabled {
		provider, ok := s.providers[id]
		if !ok {
			receipt := failedConfigReceipt(batch.ID, payload.HashHex, id)
			receipt = s.persistAttempt(ctx, receipt)
			receipts = append(receipts, receipt)
			continue
		}
		providerCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
		receipt := provider.Anchor(providerCtx, payload)
		cancel()
		if receipt.Provider == "" {
			receipt.Provider = provider.ProviderName()
		}
		if receipt.Status == "" {
			receipt.Status = domain.AnchorStatusAnchored
		}
		receipt.BatchID = batch.ID
		receipt.PayloadHash = payload.HashHex
		if providerCtx.Err() == context.DeadlineExceeded {
			receipt.Status = domain.AnchorStatusFailed
			if receipt.ErrorCode == "" {
				receipt.ErrorCode = domain.AnchorErrorTimeout
			}
		}
		receipt = s.persistAttempt(ctx, receipt)
		if receipt.Status == domain.AnchorStatusAnchored {
			receipt = s.persistReceipt(ctx, receipt)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// QueryRoot asks each enabled provider in order and returns the first
// confirmed sighting. A root no provider knows is reported unanchored, not
// as an error; provider failures surface only when nothing else answered.
func (s *Service) QueryRoot(ctx context.Context, rootHash string) (domain.AnchorStatus, error) {
	if s == nil {
		return domain.AnchorStatus{}, errors.New("anchor service is nil")
	}
	if rootHash == "" {
		return domain.AnchorStatus{}, fmt.Errorf("%w: root hash is required", domain.ErrValidation)
	}
	var lastErr error
	for _, id := range s.enabled {
		provider, ok := s.providers[id]
		if !ok {
			continue
		}
		providerCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
		status, err := provider.QueryRoot(providerCtx, rootHash)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if status.Anchored {
			if status.Provider == "" {
				status.Provider = provider.ProviderName()
			}
			status.RootHash = rootHash
			return status, nil
		}
	}
	if lastErr != nil {
		return domain.AnchorStatus{}, fmt.Errorf("%w: %v", domain.ErrExternalService, lastErr)
	}
	return domain.AnchorStatus{RootHash: rootHash}, nil
}

func (s *Service) persistAttempt(ctx context.Context, receipt domain.AnchorReceipt) domain.AnchorReceipt {
	obs.ObserveAnchorAttempt(receipt.Provider, receipt.Status)
	if s.attempts == nil {
		return receipt
	}
	attempt := domain.AnchorAttempt{
		BatchID:                  receipt.BatchID,
		Provider:                 receipt.Provider,
		Status:                   receipt.Status,
		ErrorCode:                receipt.ErrorCode,
		PayloadHash:              receipt.PayloadHash,
		ProviderReceiptJSON:      cloneBytes(receipt.ProviderReceiptJSON),
		ProviderReceiptTruncated: receipt.ProviderReceiptTruncated,
		ProviderReceiptSizeBytes: receipt.ProviderReceiptSizeBytes,
	}
	if err := s.attempts.Append(ctx, attempt); err != nil {
		receipt.Status = domain.AnchorStatusFailed
		receipt.ErrorCode = domain.AnchorErrorPersistence
	}
	return receipt
}

func (s *Service) persistReceipt(ctx context.Context, receipt domain.AnchorReceipt) domain.AnchorReceipt {
	if s.receipts == nil {
		return receipt
	}
	if err := s.receipts.AppendAnchored(ctx, receipt); err != nil {
		receipt.Status = domain.AnchorStatusFailed
		receipt.ErrorCode = domain.AnchorErrorPersistence
	}
	return receipt
}

func failedConfigReceipt(batchID, payloadHash, provider string) domain.AnchorReceipt {
	return domain.AnchorReceipt{
		BatchID:     batchID,
		Provider:    provider,
		Status:      domain.AnchorStatusFailed,
		ErrorCode:   domain.AnchorErrorBadConfig,
		PayloadHash: payloadHash,
	}
}

func skippedReceipt(batchID, payloadHash string) domain.AnchorReceipt {
	return domain.AnchorReceipt{
		BatchID:     batchID,
		Provider:    "anchor",
		Status:      domain.AnchorStatusSkipped,
		PayloadHash: payloadHash,
	}
}

func cloneBytes(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

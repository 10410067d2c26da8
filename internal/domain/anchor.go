package domain

import (
	"context"
	"encoding/json"
	"time"
)

type AnchorService interface {
	// AnchorBatch submits a batch commitment to the configured external
	// ledger providers. Implementations must not fail batching flows on
	// network/provider errors; failures are reported in the receipts.
	AnchorBatch(ctx context.Context, batch AuditBatch) ([]AnchorReceipt, error)
	// QueryRoot asks the providers whether a root is anchored. Read-only.
	QueryRoot(ctx context.Context, rootHash string) (AnchorStatus, error)
}

// AnchorStatus is the result of a read-only root query against the ledger.
type AnchorStatus struct {
	Anchored    bool
	RootHash    string
	Provider    string
	TxHash      string
	BlockNumber *int64
	AnchoredAt  *time.Time
}

type AnchorAttempt struct {
	BatchID     string
	Provider    string
	Status      string
	ErrorCode   string
	PayloadHash string

	ProviderReceiptJSON      json.RawMessage
	ProviderReceiptTruncated bool
	ProviderReceiptSizeBytes int

	CreatedAt time.Time
}

type AnchorReceipt struct {
	BatchID     string
	Provider    string
	Status      string
	ErrorCode   string
	PayloadHash string

	TxHash      string
	BlockNumber int64
	LedgerIndex int64
	EntryURL    string
	AnchoredAt  time.Time

	ProviderReceiptJSON      json.RawMessage
	ProviderReceiptTruncated bool
	ProviderReceiptSizeBytes int
	ProviderReceiptSHA256    string
}

const (
	AnchorStatusAnchored = "anchored"
	AnchorStatusFailed   = "failed"
	AnchorStatusSkipped  = "skipped"
)

const (
	AnchorErrorNetwork        = "NETWORK"
	AnchorErrorRateLimit      = "RATE_LIMIT"
	AnchorErrorBadConfig      = "BAD_CONFIG"
	AnchorErrorProviderError  = "PROVIDER_ERROR"
	AnchorErrorProvider5xx    = "PROVIDER_5XX"
	AnchorErrorPersistence    = "PERSISTENCE"
	AnchorErrorTimeout        = "TIMEOUT"
	AnchorErrorNotImplemented = "NOT_IMPLEMENTED"
)

type AnchorAttemptRepository interface {
	Append(ctx context.Context, attempt AnchorAttempt) error
	ListByBatch(ctx context.Context, batchID string) ([]AnchorAttempt, error)
}

type AnchorReceiptRepository interface {
	AppendAnchored(ctx context.Context, receipt AnchorReceipt) error
	ListByBatch(ctx context.Context, batchID string) ([]AnchorReceipt, error)
}

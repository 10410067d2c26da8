package db

import "time"

type ConsentGrantModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	Grantor      string `gorm:"index;not null"`
	Grantee      string `gorm:"index;not null"`
	Permissions  string `gorm:"not null"`
	Scope        string
	Reason       string
	DurationDays int    `gorm:"not null"`
	State        string `gorm:"index;not null"`
	ExpiresAt    *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
	Version      int64     `gorm:"not null"`
}

func (ConsentGrantModel) TableName() string {
	return "consent_grants"
}

type AuditEntryModel struct {
	Sequence     int64  `gorm:"primaryKey;autoIncrement:false"`
	Actor        string `gorm:"index;not null"`
	Action       string `gorm:"index;not null"`
	ResourceType string `gorm:"not null"`
	ResourceID   string `gorm:"index"`
	MetadataJSON []byte `gorm:"type:jsonb;not null"`
	PrevHash     string `gorm:"not null"`
	EntryHash    string `gorm:"uniqueIndex;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (AuditEntryModel) TableName() string {
	return "audit_entries"
}

// AuditChainTailModel is a singleton row (id = 1) that serializes appends and
// tracks the chain tail.
type AuditChainTailModel struct {
	ID  int64 `gorm:"primaryKey;autoIncrement:false"`
	Seq int64 `gorm:"not null"`
}

func (AuditChainTailModel) TableName() string {
	return "audit_chain_tail"
}

type AuditBatchModel struct {
	ID             string `gorm:"primaryKey"`
	FirstSequence  int64  `gorm:"not null"`
	LastSequence   int64  `gorm:"index;not null"`
	EntryCount     int    `gorm:"not null"`
	RootHash       string `gorm:"uniqueIndex;not null"`
	AnchoredTxHash *string
	AnchoredAt     *time.Time
	CreatedAt      time.Time `gorm:"not null"`
}

func (AuditBatchModel) TableName() string {
	return "audit_batches"
}

type RecordEntryModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	PatientID string `gorm:"index;not null"`
	Kind      string `gorm:"not null"`
	BlobRef   string
	Note      string
	CreatedBy string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (RecordEntryModel) TableName() string {
	return "record_entries"
}

type AnchorAttemptModel struct {
	ID                       int64  `gorm:"primaryKey"`
	BatchID                  string `gorm:"index;not null"`
	Provider                 string `gorm:"not null"`
	Status                   string `gorm:"not null"`
	ErrorCode                *string
	PayloadHash              string    `gorm:"not null"`
	ProviderReceiptJSON      []byte    `gorm:"type:jsonb"`
	ProviderReceiptTruncated bool      `gorm:"not null"`
	ProviderReceiptSizeBytes int       `gorm:"not null"`
	CreatedAt                time.Time `gorm:"not null"`
}

func (AnchorAttemptModel) TableName() string {
	return "anchor_attempts"
}

type AnchorReceiptModel struct {
	ID                       int64  `gorm:"primaryKey"`
	BatchID                  string `gorm:"uniqueIndex:idx_receipt_batch_provider;not null"`
	Provider                 string `gorm:"uniqueIndex:idx_receipt_batch_provider;not null"`
	Status                   string `gorm:"not null"`
	ErrorCode                *string
	PayloadHash              string `gorm:"not null"`
	TxHash                   *string
	BlockNumber              *int64
	LedgerIndex              *int64
	EntryURL                 *string
	AnchoredAt               *time.Time
	ProviderReceiptJSON      []byte    `gorm:"type:jsonb"`
	ProviderReceiptTruncated bool      `gorm:"not null"`
	ProviderReceiptSizeBytes int       `gorm:"not null"`
	ProviderReceiptSHA256    string    `gorm:"not null"`
	CreatedAt                time.Time `gorm:"not null"`
}

func (AnchorReceiptModel) TableName() string {
	return "anchor_receipts"
}

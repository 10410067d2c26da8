package domain

import "time"

// RecordEntry is the metadata row for one stored medical record. The record
// body lives in external blob storage and is referenced opaquely; nothing in
// this service reads or decrypts it.
type RecordEntry struct {
	ID        string
	PatientID string
	Kind      string
	BlobRef   string
	Note      string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

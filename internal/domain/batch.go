package domain

import "time"

// AuditBatch is a Merkle-anchored grouping of chain entries, identified by an
// inclusive sequence range. The row is written before anchoring is attempted
// and mutated exactly once, when an anchor confirmation arrives.
type AuditBatch struct {
	ID            string
	FirstSequence int64
	LastSequence  int64
	EntryCount    int
	RootHash      string

	AnchoredTxHash string
	AnchoredAt     *time.Time

	CreatedAt time.Time
}

func (b AuditBatch) Anchored() bool {
	return b.AnchoredTxHash != "" && b.AnchoredAt != nil
}

func (b AuditBatch) Covers(sequence int64) bool {
	return sequence >= b.FirstSequence && sequence <= b.LastSequence
}

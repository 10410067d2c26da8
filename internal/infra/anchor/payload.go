package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"asclepius/internal/domain"
)

// Payload is the commitment submitted to external ledgers. CanonicalJSON is
// the exact byte sequence providers sign or publish; HashHex identifies the
// submission across attempts and receipts.
type Payload struct {
	BatchID       string
	RootHash      string
	FirstSequence int64
	LastSequence  int64
	EntryCount    int
	CanonicalJSON []byte
	HashHex       string
}

// anchorDocument field order is the canonical encoding; keep it sorted.
type anchorDocument struct {
	BatchID       string `json:"batch_id"`
	CreatedAt     string `json:"created_at"`
	EntryCount    int    `json:"entry_count"`
	FirstSequence int64  `json:"first_sequence"`
	LastSequence  int64  `json:"last_sequence"`
	RootHash      string `json:"root_hash"`
	V             string `json:"v"`
}

func BuildPayload(batch domain.AuditBatch) (Payload, error) {
	if batch.ID == "" {
		return Payload{}, errors.New("batch id is required")
	}
	if batch.RootHash == "" {
		return Payload{}, errors.New("batch root hash is required")
	}
	canonical, err := json.Marshal(anchorDocument{
		BatchID:       batch.ID,
		CreatedAt:     batch.CreatedAt.UTC().Format(time.RFC3339Nano),
		EntryCount:    batch.EntryCount,
		FirstSequence: batch.FirstSequence,
		LastSequence:  batch.LastSequence,
		RootHash:      batch.RootHash,
		V:             "asclepius_anchor_v1",
	})
	if err != nil {
		return Payload{}, err
	}
	sum := sha256.Sum256(canonical)
	return Payload{
		BatchID:       batch.ID,
		RootHash:      batch.RootHash,
		FirstSequence: batch.FirstSequence,
		LastSequence:  batch.LastSequence,
		EntryCount:    batch.EntryCount,
		CanonicalJSON: canonical,
		HashHex:       hex.EncodeToString(sum[:]),
	}, nil
}

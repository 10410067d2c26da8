// Package auditproof verifies exported audit chain segments and batch roots
// without any server dependency. It reimplements the canonical entry encoding
// and the batch tree rules on purpose: an auditor should not have to trust the
// code that produced the chain to check it.
package auditproof

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"
)

const (
	// ChainVersion is the value of the "v" field inside every hashed entry.
	ChainVersion = "audit_chain_v1"

	// GenesisHash links the first entry of the chain.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Entry mirrors the export format of GET /v1/audit/entries.
type Entry struct {
	Sequence     int64             `json:"seq"`
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PreviousHash string            `json:"prev_hash"`
	Hash         string            `json:"hash"`
}

// VerifyError reports the first entry at which a segment stops verifying.
type VerifyError struct {
	Sequence int64
	Reason   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit segment invalid at sequence %d: %s", e.Sequence, e.Reason)
}

// EntryHash recomputes an entry digest from its fields. The encoding is
// canonical JSON: keys sorted, metadata keys sorted, timestamp RFC3339Nano in
// UTC, no insignificant whitespace.
func EntryHash(entry Entry) (string, error) {
	if entry.Actor == "" || entry.Action == "" {
		return "", fmt.Errorf("entry %d: actor and action are required", entry.Sequence)
	}
	if entry.PreviousHash == "" {
		return "", fmt.Errorf("entry %d: previous hash is required", entry.Sequence)
	}
	if entry.Timestamp.IsZero() {
		return "", fmt.Errorf("entry %d: timestamp is required", entry.Sequence)
	}
	sum := sha256.Sum256(canonicalJSON(entry))
	return hex.EncodeToString(sum[:]), nil
}

// VerifySegment checks a contiguous export: gapless ascending sequences,
// intact previous-hash links and recomputable entry hashes. A segment opening
// at sequence 1 must link to the genesis hash; a mid-chain segment's first
// link is taken on trust, since the predecessor is outside the export.
// A nil return means the segment verifies; an empty segment verifies.
func VerifySegment(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	prevHash := entries[0].PreviousHash
	if entries[0].Sequence == 1 && prevHash != GenesisHash {
		return &VerifyError{Sequence: 1, Reason: "first entry does not link to genesis"}
	}
	expected := entries[0].Sequence
	for _, entry := range entries {
		if entry.Sequence != expected {
			return &VerifyError{Sequence: expected, Reason: "sequence gap"}
		}
		if entry.PreviousHash != prevHash {
			return &VerifyError{Sequence: entry.Sequence, Reason: "previous-hash link broken"}
		}
		recomputed, err := EntryHash(entry)
		if err != nil {
			return &VerifyError{Sequence: entry.Sequence, Reason: err.Error()}
		}
		if recomputed != entry.Hash {
			return &VerifyError{Sequence: entry.Sequence, Reason: "stored hash does not match recomputation"}
		}
		prevHash = entry.Hash
		expected++
	}
	return nil
}

// BatchRoot recomputes the merkle root over a verified segment, in chain
// order. Use it to compare an export against a published batch root.
func BatchRoot(entries []Entry) (string, error) {
	leaves := make([]string, len(entries))
	for i, entry := range entries {
		leaves[i] = entry.Hash
	}
	return RootHex(leaves)
}

func canonicalJSON(entry Entry) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeKV(buf, "action", entry.Action)
	buf.WriteByte(',')
	writeKV(buf, "actor", entry.Actor)
	buf.WriteByte(',')
	writeMetadata(buf, entry.Metadata)
	buf.WriteByte(',')
	writeKV(buf, "prev_hash", entry.PreviousHash)
	buf.WriteByte(',')
	writeKV(buf, "resource_id", entry.ResourceID)
	buf.WriteByte(',')
	writeKV(buf, "resource_type", entry.ResourceType)
	buf.WriteByte(',')
	writeString(buf, "seq")
	buf.WriteByte(':')
	buf.WriteString(strconv.FormatInt(entry.Sequence, 10))
	buf.WriteByte(',')
	writeKV(buf, "timestamp", entry.Timestamp.UTC().Format(time.RFC3339Nano))
	buf.WriteByte(',')
	writeKV(buf, "v", ChainVersion)
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeMetadata(buf *bytes.Buffer, metadata map[string]string) {
	writeString(buf, "metadata")
	buf.WriteByte(':')
	buf.WriteByte('{')
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKV(buf, key, metadata[key])
	}
	buf.WriteByte('}')
}

func writeKV(buf *bytes.Buffer, key, value string) {
	writeString(buf, key)
	buf.WriteByte(':')
	writeString(buf, value)
}

func writeString(buf *bytes.Buffer, value string) {
	buf.WriteByte('"')
	for _, r := range value {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				const hexDigits = "0123456789abcdef"
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

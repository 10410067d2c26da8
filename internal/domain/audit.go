package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"time"
)

const (
	AuditChainVersion = "audit_chain_v1"

	// GenesisHash is the previous-hash value of the first chain entry.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	// SystemActor attributes entries written by background jobs rather
	// than an authenticated principal.
	SystemActor = "system"
)

type AuditAction string

const (
	AuditActionConsentRequested AuditAction = "consent_requested"
	AuditActionConsentApproved  AuditAction = "consent_approved"
	AuditActionConsentDenied    AuditAction = "consent_denied"
	AuditActionConsentRevoked   AuditAction = "consent_revoked"
	AuditActionConsentExpired   AuditAction = "consent_expired"
	AuditActionRecordCreated    AuditAction = "record_created"
	AuditActionRecordRead       AuditAction = "record_read"
	AuditActionRecordUpdated    AuditAction = "record_updated"
	AuditActionRecordDeleted    AuditAction = "record_deleted"
	AuditActionRecordListed     AuditAction = "record_listed"
	AuditActionAccessDenied     AuditAction = "access_denied"
	AuditActionBatchAnchored    AuditAction = "batch_anchored"
)

type ResourceType string

const (
	ResourceConsent ResourceType = "consent"
	ResourceRecord  ResourceType = "record"
	ResourcePatient ResourceType = "patient"
	ResourceBatch   ResourceType = "audit_batch"
)

// AuditEntry is one immutable record on the global hash chain. Sequence
// numbers are gapless and globally unique; creation is the only state
// transition an entry ever has.
type AuditEntry struct {
	Sequence     int64
	Actor        string
	Action       AuditAction
	ResourceType ResourceType
	ResourceID   string
	Timestamp    time.Time
	Metadata     map[string]string
	PreviousHash string
	Hash         string
}

// HashEntry computes the entry digest: sha256 over the canonical JSON of the
// hashed fields, previous hash included. Any verifier must reproduce this
// encoding byte for byte.
func HashEntry(e AuditEntry) (string, error) {
	if e.Actor == "" || e.Action == "" {
		return "", errors.New("audit entry missing actor or action")
	}
	if e.PreviousHash == "" {
		return "", errors.New("audit entry missing previous hash")
	}
	if e.Timestamp.IsZero() {
		return "", errors.New("audit entry missing timestamp")
	}
	sum := sha256.Sum256(canonicalEntryJSON(e))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalEntryJSON(e AuditEntry) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeEntryKV(buf, "action", string(e.Action), false)
	writeEntryKV(buf, "actor", e.Actor, false)
	writeEntryMetadata(buf, e.Metadata)
	writeEntryKV(buf, "prev_hash", e.PreviousHash, false)
	writeEntryKV(buf, "resource_id", e.ResourceID, false)
	writeEntryKV(buf, "resource_type", string(e.ResourceType), false)
	writeEntryKVNumber(buf, "seq", e.Sequence, false)
	writeEntryKV(buf, "timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano), false)
	writeEntryKV(buf, "v", AuditChainVersion, true)
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeEntryMetadata(buf *bytes.Buffer, metadata map[string]string) {
	writeEntryJSONString(buf, "metadata")
	buf.WriteByte(':')
	buf.WriteByte('{')
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		writeEntryKV(buf, key, metadata[key], i == len(keys)-1)
	}
	buf.WriteByte('}')
	buf.WriteByte(',')
}

func writeEntryKV(buf *bytes.Buffer, key, value string, last bool) {
	writeEntryJSONString(buf, key)
	buf.WriteByte(':')
	writeEntryJSONString(buf, value)
	if !last {
		buf.WriteByte(',')
	}
}

func writeEntryKVNumber(buf *bytes.Buffer, key string, value int64, last bool) {
	writeEntryJSONString(buf, key)
	buf.WriteByte(':')
	buf.WriteString(strconv.FormatInt(value, 10))
	if !last {
		buf.WriteByte(',')
	}
}

func writeEntryJSONString(buf *bytes.Buffer, value string) {
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
				buf.WriteString(`\u00`)
				buf.WriteByte(entryHexLower[r>>4])
				buf.WriteByte(entryHexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

var entryHexLower = []byte("0123456789abcdef")

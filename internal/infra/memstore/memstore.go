// Package memstore provides in-memory repositories so the daemon and the CLI
// can run without postgres. Appends take the store mutex, which makes the
// audit sequence gapless without any row locking.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"asclepius/internal/domain"
)

// Store bundles every repository over one shared mutex.
type Store struct {
	Consents *ConsentRepo
	Entries  *AuditRepo
	Batches  *BatchRepo
	Records  *RecordRepo
	Attempts *AnchorAttemptRepo
	Receipts *AnchorReceiptRepo
}

func New() *Store {
	return &Store{
		Consents: &ConsentRepo{grants: map[string]domain.ConsentGrant{}},
		Entries:  &AuditRepo{},
		Batches:  &BatchRepo{byID: map[string]domain.AuditBatch{}},
		Records:  &RecordRepo{records: map[string]domain.RecordEntry{}},
		Attempts: &AnchorAttemptRepo{},
		Receipts: &AnchorReceiptRepo{},
	}
}

type ConsentRepo struct {
	mu     sync.Mutex
	grants map[string]domain.ConsentGrant
}

func (r *ConsentRepo) Create(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grants[grant.ID]; ok {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grant %s already exists", domain.ErrConflict, grant.ID)
	}
	r.grants[grant.ID] = cloneGrant(grant)
	return grant, nil
}

func (r *ConsentRepo) GetByID(ctx context.Context, id string) (*domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant, ok := r.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: consent grant %s", domain.ErrNotFound, id)
	}
	out := cloneGrant(grant)
	return &out, nil
}

func (r *ConsentRepo) UpdateState(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.grants[grant.ID]
	if !ok {
		return domain.ConsentGrant{}, fmt.Errorf("%w: consent grant %s", domain.ErrNotFound, grant.ID)
	}
	if stored.Version != grant.Version {
		return domain.ConsentGrant{}, fmt.Errorf("%w: consent grant %s was modified concurrently", domain.ErrConflict, grant.ID)
	}
	grant.Version++
	r.grants[grant.ID] = cloneGrant(grant)
	return grant, nil
}

func (r *ConsentRepo) ListByGrantor(ctx context.Context, grantor string) ([]domain.ConsentGrant, error) {
	return r.list(func(g domain.ConsentGrant) bool { return g.Grantor == grantor })
}

func (r *ConsentRepo) ListByGrantee(ctx context.Context, grantee string) ([]domain.ConsentGrant, error) {
	return r.list(func(g domain.ConsentGrant) bool { return g.Grantee == grantee })
}

func (r *ConsentRepo) ListByPair(ctx context.Context, grantor, grantee string) ([]domain.ConsentGrant, error) {
	return r.list(func(g domain.ConsentGrant) bool { return g.Grantor == grantor && g.Grantee == grantee })
}

func (r *ConsentRepo) FindApproved(ctx context.Context, grantor, grantee string) (*domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, grant := range r.grants {
		if grant.Grantor == grantor && grant.Grantee == grantee && grant.State == domain.ConsentStateApproved {
			out := cloneGrant(grant)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: no approved grant from %s to %s", domain.ErrNotFound, grantor, grantee)
}

func (r *ConsentRepo) ListApprovedExpiring(ctx context.Context, before time.Time, limit int) ([]domain.ConsentGrant, error) {
	grants, err := r.list(func(g domain.ConsentGrant) bool {
		return g.State == domain.ConsentStateApproved && g.ExpiresAt != nil && !g.ExpiresAt.After(before)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(grants) > limit {
		grants = grants[:limit]
	}
	return grants, nil
}

func (r *ConsentRepo) list(match func(domain.ConsentGrant) bool) ([]domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConsentGrant
	for _, grant := range r.grants {
		if match(grant) {
			out = append(out, cloneGrant(grant))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type AuditRepo struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// Append assigns the next sequence, links the previous hash, and computes the
// entry hash under the store lock. It is the only writer onto the chain.
func (r *AuditRepo) Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.Sequence = int64(len(r.entries)) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Microsecond)
	entry.PreviousHash = domain.GenesisHash
	if len(r.entries) > 0 {
		entry.PreviousHash = r.entries[len(r.entries)-1].Hash
	}
	hash, err := domain.HashEntry(entry)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	entry.Hash = hash
	r.entries = append(r.entries, cloneEntry(entry))
	return entry, nil
}

func (r *AuditRepo) ListRange(ctx context.Context, from, to int64) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if from < 1 {
		from = 1
	}
	var out []domain.AuditEntry
	for _, entry := range r.entries {
		if entry.Sequence >= from && entry.Sequence <= to {
			out = append(out, cloneEntry(entry))
		}
	}
	return out, nil
}

func (r *AuditRepo) GetBySequence(ctx context.Context, sequence int64) (*domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sequence >= 1 && sequence <= int64(len(r.entries)) {
		out := cloneEntry(r.entries[sequence-1])
		return &out, nil
	}
	return nil, fmt.Errorf("%w: audit entry %d", domain.ErrNotFound, sequence)
}

func (r *AuditRepo) TailSequence(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.entries)), nil
}

type BatchRepo struct {
	mu    sync.Mutex
	byID  map[string]domain.AuditBatch
	order []string
}

func (r *BatchRepo) Create(ctx context.Context, batch domain.AuditBatch) (domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[batch.ID]; ok {
		return domain.AuditBatch{}, fmt.Errorf("%w: batch %s already exists", domain.ErrConflict, batch.ID)
	}
	r.byID[batch.ID] = batch
	r.order = append(r.order, batch.ID)
	return batch, nil
}

func (r *BatchRepo) MarkAnchored(ctx context.Context, batchID, txHash string, anchoredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.byID[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	if batch.Anchored() {
		return nil
	}
	at := anchoredAt.UTC()
	batch.AnchoredTxHash = txHash
	batch.AnchoredAt = &at
	r.byID[batchID] = batch
	return nil
}

func (r *BatchRepo) GetByID(ctx context.Context, id string) (*domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	return &batch, nil
}

func (r *BatchRepo) GetByRoot(ctx context.Context, rootHash string) (*domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if batch := r.byID[id]; batch.RootHash == rootHash {
			return &batch, nil
		}
	}
	return nil, fmt.Errorf("%w: batch with root %s", domain.ErrNotFound, rootHash)
}

func (r *BatchRepo) LastBatchedSequence(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last int64
	for _, batch := range r.byID {
		if batch.LastSequence > last {
			last = batch.LastSequence
		}
	}
	return last, nil
}

func (r *BatchRepo) ListUnanchored(ctx context.Context, limit int) ([]domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditBatch
	for _, id := range r.order {
		batch := r.byID[id]
		if batch.Anchored() {
			continue
		}
		out = append(out, batch)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *BatchRepo) List(ctx context.Context, limit int) ([]domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditBatch
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.byID[r.order[i]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type RecordRepo struct {
	mu      sync.Mutex
	records map[string]domain.RecordEntry
}

func (r *RecordRepo) Create(ctx context.Context, record domain.RecordEntry) (domain.RecordEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.ID]; ok {
		return domain.RecordEntry{}, fmt.Errorf("%w: record %s already exists", domain.ErrConflict, record.ID)
	}
	r.records[record.ID] = record
	return record, nil
}

func (r *RecordRepo) GetByID(ctx context.Context, id string) (*domain.RecordEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
	}
	return &record, nil
}

func (r *RecordRepo) Update(ctx context.Context, record domain.RecordEntry) (domain.RecordEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.ID]; !ok {
		return domain.RecordEntry{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, record.ID)
	}
	r.records[record.ID] = record
	return record, nil
}

func (r *RecordRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
	}
	delete(r.records, id)
	return nil
}

func (r *RecordRepo) ListByPatient(ctx context.Context, patientID string) ([]domain.RecordEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RecordEntry
	for _, record := range r.records {
		if record.PatientID == patientID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type AnchorAttemptRepo struct {
	mu       sync.Mutex
	attempts []domain.AnchorAttempt
}

func (r *AnchorAttemptRepo) Append(ctx context.Context, attempt domain.AnchorAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *AnchorAttemptRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.AnchorAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AnchorAttempt
	for _, attempt := range r.attempts {
		if attempt.BatchID == batchID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

type AnchorReceiptRepo struct {
	mu       sync.Mutex
	receipts []domain.AnchorReceipt
}

// AppendAnchored keeps the first receipt per batch and provider; duplicates
// from anchor retries are dropped.
func (r *AnchorReceiptRepo) AppendAnchored(ctx context.Context, receipt domain.AnchorReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stored := range r.receipts {
		if stored.BatchID == receipt.BatchID && stored.Provider == receipt.Provider {
			return nil
		}
	}
	r.receipts = append(r.receipts, receipt)
	return nil
}

func (r *AnchorReceiptRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.AnchorReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AnchorReceipt
	for _, receipt := range r.receipts {
		if receipt.BatchID == batchID {
			out = append(out, receipt)
		}
	}
	return out, nil
}

func cloneGrant(grant domain.ConsentGrant) domain.ConsentGrant {
	out := grant
	out.Permissions = append(domain.PermissionSet(nil), grant.Permissions...)
	if grant.ExpiresAt != nil {
		at := *grant.ExpiresAt
		out.ExpiresAt = &at
	}
	return out
}

func cloneEntry(entry domain.AuditEntry) domain.AuditEntry {
	out := entry
	if entry.Metadata != nil {
		out.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

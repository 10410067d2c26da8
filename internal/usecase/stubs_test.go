package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"asclepius/internal/domain"
)

// Shared in-memory fakes for the usecase tests. The audit fake keeps a real
// hash chain so verification tests run against honest data.

type memConsentRepo struct {
	mu     sync.Mutex
	grants map[string]domain.ConsentGrant
	err    error
}

func newMemConsentRepo() *memConsentRepo {
	return &memConsentRepo{grants: map[string]domain.ConsentGrant{}}
}

func (r *memConsentRepo) Create(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.ConsentGrant{}, r.err
	}
	if _, ok := r.grants[grant.ID]; ok {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grant %s exists", domain.ErrConflict, grant.ID)
	}
	r.grants[grant.ID] = grant
	return grant, nil
}

func (r *memConsentRepo) GetByID(ctx context.Context, id string) (*domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	grant, ok := r.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: grant %s", domain.ErrNotFound, id)
	}
	return &grant, nil
}

func (r *memConsentRepo) UpdateState(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.ConsentGrant{}, r.err
	}
	stored, ok := r.grants[grant.ID]
	if !ok {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grant %s", domain.ErrNotFound, grant.ID)
	}
	if stored.Version != grant.Version {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grant %s version changed", domain.ErrConflict, grant.ID)
	}
	grant.Version++
	r.grants[grant.ID] = grant
	return grant, nil
}

func (r *memConsentRepo) ListByGrantor(ctx context.Context, grantor string) ([]domain.ConsentGrant, error) {
	return r.scan(func(g domain.ConsentGrant) bool { return g.Grantor == grantor })
}

func (r *memConsentRepo) ListByGrantee(ctx context.Context, grantee string) ([]domain.ConsentGrant, error) {
	return r.scan(func(g domain.ConsentGrant) bool { return g.Grantee == grantee })
}

func (r *memConsentRepo) ListByPair(ctx context.Context, grantor, grantee string) ([]domain.ConsentGrant, error) {
	return r.scan(func(g domain.ConsentGrant) bool { return g.Grantor == grantor && g.Grantee == grantee })
}

func (r *memConsentRepo) FindApproved(ctx context.Context, grantor, grantee string) (*domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, grant := range r.grants {
		if grant.Grantor == grantor && grant.Grantee == grantee && grant.State == domain.ConsentStateApproved {
			grant := grant
			return &grant, nil
		}
	}
	return nil, fmt.Errorf("%w: no approved grant", domain.ErrNotFound)
}

func (r *memConsentRepo) ListApprovedExpiring(ctx context.Context, before time.Time, limit int) ([]domain.ConsentGrant, error) {
	grants, err := r.scan(func(g domain.ConsentGrant) bool {
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

func (r *memConsentRepo) scan(match func(domain.ConsentGrant) bool) ([]domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.ConsentGrant
	for _, grant := range r.grants {
		if match(grant) {
			out = append(out, grant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memAuditRepo struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func newMemAuditRepo() *memAuditRepo {
	return &memAuditRepo{}
}

func (r *memAuditRepo) Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.AuditEntry{}, r.err
	}
	entry.Sequence = int64(len(r.entries)) + 1
	entry.PreviousHash = domain.GenesisHash
	if len(r.entries) > 0 {
		entry.PreviousHash = r.entries[len(r.entries)-1].Hash
	}
	hash, err := domain.HashEntry(entry)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	entry.Hash = hash
	r.entries = append(r.entries, entry)
	return entry, nil
}

func (r *memAuditRepo) ListRange(ctx context.Context, from, to int64) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.AuditEntry
	for _, entry := range r.entries {
		if entry.Sequence >= from && entry.Sequence <= to {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memAuditRepo) GetBySequence(ctx context.Context, sequence int64) (*domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, entry := range r.entries {
		if entry.Sequence == sequence {
			entry := entry
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("%w: audit entry %d", domain.ErrNotFound, sequence)
}

func (r *memAuditRepo) TailSequence(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	return int64(len(r.entries)), nil
}

// tamper rewrites a stored entry in place, bypassing the append path.
func (r *memAuditRepo) tamper(sequence int64, mutate func(*domain.AuditEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].Sequence == sequence {
			mutate(&r.entries[i])
			return
		}
	}
}

func (r *memAuditRepo) last() domain.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return domain.AuditEntry{}
	}
	return r.entries[len(r.entries)-1]
}

type memBatchRepo struct {
	mu      sync.Mutex
	batches map[string]domain.AuditBatch
	order   []string
	err     error
}

func newMemBatchRepo() *memBatchRepo {
	return &memBatchRepo{batches: map[string]domain.AuditBatch{}}
}

func (r *memBatchRepo) Create(ctx context.Context, batch domain.AuditBatch) (domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.AuditBatch{}, r.err
	}
	if _, ok := r.batches[batch.ID]; ok {
		return domain.AuditBatch{}, fmt.Errorf("%w: batch %s exists", domain.ErrConflict, batch.ID)
	}
	r.batches[batch.ID] = batch
	r.order = append(r.order, batch.ID)
	return batch, nil
}

func (r *memBatchRepo) MarkAnchored(ctx context.Context, batchID, txHash string, anchoredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	batch, ok := r.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	if batch.Anchored() {
		return nil
	}
	batch.AnchoredTxHash = txHash
	at := anchoredAt
	batch.AnchoredAt = &at
	r.batches[batchID] = batch
	return nil
}

func (r *memBatchRepo) GetByID(ctx context.Context, id string) (*domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	batch, ok := r.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	return &batch, nil
}

func (r *memBatchRepo) GetByRoot(ctx context.Context, rootHash string) (*domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, id := range r.order {
		batch := r.batches[id]
		if batch.RootHash == rootHash {
			return &batch, nil
		}
	}
	return nil, fmt.Errorf("%w: batch with root %s", domain.ErrNotFound, rootHash)
}

func (r *memBatchRepo) LastBatchedSequence(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	var last int64
	for _, batch := range r.batches {
		if batch.LastSequence > last {
			last = batch.LastSequence
		}
	}
	return last, nil
}

func (r *memBatchRepo) ListUnanchored(ctx context.Context, limit int) ([]domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.AuditBatch
	for _, id := range r.order {
		batch := r.batches[id]
		if !batch.Anchored() {
			out = append(out, batch)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memBatchRepo) List(ctx context.Context, limit int) ([]domain.AuditBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.AuditBatch
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.batches[r.order[i]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type memRecordRepo struct {
	mu      sync.Mutex
	records map[string]domain.RecordEntry
	err     error
}

func newMemRecordRepo() *memRecordRepo {
	return &memRecordRepo{records: map[string]domain.RecordEntry{}}
}

func (r *memRecordRepo) Create(ctx context.Context, record domain.RecordEntry) (domain.RecordEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.RecordEntry{}, r.err
	}
	r.records[record.ID] = record
	return record, nil
}

func (r *memRecordRepo) GetByID(ctx context.Context, id string) (*domain.RecordEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	record, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
	}
	return &record, nil
}

func (r *memRecordRepo) Update(ctx context.Context, record domain.RecordEntry) (domain.RecordEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.RecordEntry{}, r.err
	}
	if _, ok := r.records[record.ID]; !ok {
		return domain.RecordEntry{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, record.ID)
	}
	r.records[record.ID] = record
	return record, nil
}

func (r *memRecordRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
	}
	delete(r.records, id)
	return nil
}

func (r *memRecordRepo) ListByPatient(ctx context.Context, patientID string) ([]domain.RecordEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.RecordEntry
	for _, record := range r.records {
		if record.PatientID == patientID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func fixedClock(at time.Time) Clock {
	return func() time.Time { return at }
}

package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"asclepius/internal/domain"
	"asclepius/internal/infra/merkle"
)

const (
	defaultBatchMaxEntries = 512
	defaultBackoffBase     = 30 * time.Second
	defaultBackoffMax      = 10 * time.Minute
	defaultRootCacheTTL    = time.Hour
)

// AuditBatcher periodically rolls new chain entries into merkle batches and
// submits their roots for anchoring. A batch is created only after its window
// re-verifies; on an integrity failure the batcher halts for the lifetime of
// the process so a corrupted range is never anchored.
type AuditBatcher struct {
	Entries     AuditEntryRepository
	Batches     AuditBatchRepository
	Anchor      domain.AnchorService
	Audit       *AuditRecorder
	Cache       AnchorStatusCache
	CacheTTL    time.Duration
	Clock       Clock
	NewID       func() string
	Log         *zap.Logger
	MaxEntries  int64
	MinEntries  int64
	BackoffBase time.Duration
	BackoffMax  time.Duration

	mu          sync.Mutex
	halted      bool
	haltedAtSeq int64
	retryAfter  map[string]retrySchedule
}

// retrySchedule tracks per-batch anchor failures so each unanchored batch
// backs off exponentially instead of hammering providers every cycle.
type retrySchedule struct {
	failures int
	notUntil time.Time
}

// Run drives the batcher until ctx is cancelled. One pass runs immediately so
// a short-lived process still batches. The interval tick flushes any non-empty
// window; with MinEntries above one, a faster poll additionally rolls a batch
// as soon as that many entries are pending.
func (b *AuditBatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	flush := time.NewTicker(interval)
	defer flush.Stop()

	var poll <-chan time.Time
	if b.MinEntries > 1 {
		every := interval / 4
		if every < time.Second {
			every = time.Second
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		poll = ticker.C
	}

	b.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			b.pass(ctx)
		case <-poll:
			if b.thresholdReached(ctx) {
				b.pass(ctx)
			}
		}
	}
}

func (b *AuditBatcher) pass(ctx context.Context) {
	if _, err := b.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.log().Error("audit batch pass failed", zap.Error(err))
	}
}

func (b *AuditBatcher) thresholdReached(ctx context.Context) bool {
	tail, err := b.Entries.TailSequence(ctx)
	if err != nil {
		return false
	}
	last, err := b.Batches.LastBatchedSequence(ctx)
	if err != nil {
		return false
	}
	return tail-last >= b.MinEntries
}

// RunOnce retries unanchored batches, then rolls at most MaxEntries new
// entries into one batch. It returns the created batch, or nil when the chain
// tail had nothing new.
func (b *AuditBatcher) RunOnce(ctx context.Context) (*domain.AuditBatch, error) {
	if b.Entries == nil || b.Batches == nil {
		return nil, errors.New("audit batcher requires entry and batch repositories")
	}
	if halted, at := b.Halted(); halted {
		return nil, integrityFailure(at, "batching halted")
	}

	b.retryUnanchored(ctx)

	tail, err := b.Entries.TailSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tail sequence: %w", err)
	}
	last, err := b.Batches.LastBatchedSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last batched sequence: %w", err)
	}
	if tail <= last {
		return nil, nil
	}

	from := last + 1
	to := tail
	maxEntries := b.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultBatchMaxEntries
	}
	if to-from+1 > maxEntries {
		to = from + maxEntries - 1
	}

	ok, firstBad, err := VerifyChain(ctx, b.Entries, from, to)
	if err != nil && !errors.Is(err, domain.ErrIntegrity) {
		return nil, err
	}
	if !ok {
		b.halt(firstBad)
		b.log().Error("audit chain failed verification, batching halted",
			zap.Int64("first_bad_sequence", firstBad))
		return nil, err
	}

	entries, err := b.Entries.ListRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load batch window [%d, %d]: %w", from, to, err)
	}
	leaves := make([]string, len(entries))
	for i, entry := range entries {
		leaves[i] = entry.Hash
	}
	root, err := merkle.RootHex(leaves)
	if err != nil {
		return nil, fmt.Errorf("compute batch root: %w", err)
	}

	batch := domain.AuditBatch{
		ID:            b.newID(),
		FirstSequence: from,
		LastSequence:  to,
		EntryCount:    int(to - from + 1),
		RootHash:      root,
		CreatedAt:     b.now(),
	}
	created, err := b.Batches.Create(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	b.log().Info("audit batch created",
		zap.String("batch_id", created.ID),
		zap.Int64("first_sequence", created.FirstSequence),
		zap.Int64("last_sequence", created.LastSequence),
		zap.String("root_hash", created.RootHash))

	if err := b.anchorBatch(ctx, created); err != nil {
		b.log().Warn("batch left unanchored, will retry",
			zap.String("batch_id", created.ID), zap.Error(err))
	}
	return &created, nil
}

// Halted reports whether an integrity failure stopped batching, and at which
// sequence. Only a restart after manual repair clears it.
func (b *AuditBatcher) Halted() (bool, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted, b.haltedAtSeq
}

func (b *AuditBatcher) halt(sequence int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.halted {
		b.halted = true
		b.haltedAtSeq = sequence
	}
}

func (b *AuditBatcher) retryUnanchored(ctx context.Context) {
	pending, err := b.Batches.ListUnanchored(ctx, 8)
	if err != nil {
		b.log().Warn("list unanchored batches failed", zap.Error(err))
		return
	}
	now := b.now()
	for _, batch := range pending {
		if !b.retryDue(batch.ID, now) {
			continue
		}
		if err := b.anchorBatch(ctx, batch); err != nil {
			b.log().Warn("anchor retry failed",
				zap.String("batch_id", batch.ID), zap.Error(err))
		}
	}
}

// VerifyRoot asks the configured ledger providers whether a root has been
// anchored. It never touches batch rows; anchored results are cached because
// they cannot change afterwards.
func (b *AuditBatcher) VerifyRoot(ctx context.Context, rootHash string) (domain.AnchorStatus, error) {
	if rootHash == "" {
		return domain.AnchorStatus{}, fmt.Errorf("%w: root hash required", domain.ErrValidation)
	}
	if b.Cache != nil {
		if cached, ok, err := b.Cache.Get(ctx, rootHash); err == nil && ok && cached != nil {
			return *cached, nil
		}
	}
	if b.Anchor == nil {
		return domain.AnchorStatus{RootHash: rootHash}, nil
	}
	status, err := b.Anchor.QueryRoot(ctx, rootHash)
	if err != nil {
		return domain.AnchorStatus{}, err
	}
	if status.Anchored && b.Cache != nil {
		ttl := b.CacheTTL
		if ttl <= 0 {
			ttl = defaultRootCacheTTL
		}
		if err := b.Cache.Put(ctx, rootHash, status, ttl); err != nil {
			b.log().Warn("cache anchored root failed",
				zap.String("root_hash", rootHash), zap.Error(err))
		}
	}
	return status, nil
}

func (b *AuditBatcher) retryDue(batchID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	schedule, ok := b.retryAfter[batchID]
	return !ok || !now.Before(schedule.notUntil)
}

func (b *AuditBatcher) recordAnchorFailure(batchID string) {
	base := b.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := b.BackoffMax
	if max <= 0 {
		max = defaultBackoffMax
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retryAfter == nil {
		b.retryAfter = make(map[string]retrySchedule)
	}
	schedule := b.retryAfter[batchID]
	schedule.failures++
	delay := base
	for i := 1; i < schedule.failures && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	schedule.notUntil = b.now().Add(delay)
	b.retryAfter[batchID] = schedule
}

func (b *AuditBatcher) clearAnchorFailures(batchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.retryAfter, batchID)
}

func (b *AuditBatcher) anchorBatch(ctx context.Context, batch domain.AuditBatch) error {
	if b.Anchor == nil {
		return nil
	}
	receipts, err := b.Anchor.AnchorBatch(ctx, batch)
	if err != nil {
		b.recordAnchorFailure(batch.ID)
		return fmt.Errorf("anchor batch %s: %w", batch.ID, err)
	}
	for _, receipt := range receipts {
		if receipt.Status != domain.AnchorStatusAnchored || receipt.TxHash == "" {
			continue
		}
		anchoredAt := receipt.AnchoredAt
		if anchoredAt.IsZero() {
			anchoredAt = b.now()
		}
		if err := b.Batches.MarkAnchored(ctx, batch.ID, receipt.TxHash, anchoredAt); err != nil {
			return fmt.Errorf("mark batch %s anchored: %w", batch.ID, err)
		}
		b.clearAnchorFailures(batch.ID)
		b.log().Info("audit batch anchored",
			zap.String("batch_id", batch.ID),
			zap.String("provider", receipt.Provider),
			zap.String("tx_hash", receipt.TxHash))
		if b.Audit != nil {
			metadata := map[string]string{
				"root_hash": batch.RootHash,
				"provider":  receipt.Provider,
				"tx_hash":   receipt.TxHash,
			}
			if _, err := b.Audit.Record(ctx, domain.SystemActor, domain.AuditActionBatchAnchored, domain.ResourceBatch, batch.ID, metadata); err != nil {
				return fmt.Errorf("audit batch anchor: %w", err)
			}
		}
		return nil
	}
	b.recordAnchorFailure(batch.ID)
	return fmt.Errorf("%w: no provider anchored batch %s", domain.ErrExternalService, batch.ID)
}

func (b *AuditBatcher) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return fmt.Sprintf("batch-%d", b.now().UnixNano())
}

// NewBatchIDGenerator returns a ULID source for batch ids. Monotonic entropy
// keeps ids minted within the same millisecond sortable; the mutex makes the
// source safe for concurrent use.
func NewBatchIDGenerator() func() string {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Now(), entropy).String()
	}
}

func (b *AuditBatcher) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now().UTC()
}

func (b *AuditBatcher) log() *zap.Logger {
	if b.Log != nil {
		return b.Log
	}
	return zap.NewNop()
}

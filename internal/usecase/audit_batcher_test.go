package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"asclepius/internal/domain"
	"asclepius/internal/infra/merkle"
)

type stubAnchorService struct {
	mu      sync.Mutex
	calls   []string
	queries int
	receipt func(batch domain.AuditBatch) ([]domain.AnchorReceipt, error)
	status  func(rootHash string) (domain.AnchorStatus, error)
}

func (s *stubAnchorService) AnchorBatch(ctx context.Context, batch domain.AuditBatch) ([]domain.AnchorReceipt, error) {
	s.mu.Lock()
	s.calls = append(s.calls, batch.ID)
	s.mu.Unlock()
	if s.receipt == nil {
		return nil, nil
	}
	return s.receipt(batch)
}

func (s *stubAnchorService) QueryRoot(ctx context.Context, rootHash string) (domain.AnchorStatus, error) {
	s.mu.Lock()
	s.queries++
	s.mu.Unlock()
	if s.status == nil {
		return domain.AnchorStatus{RootHash: rootHash}, nil
	}
	return s.status(rootHash)
}

func (s *stubAnchorService) anchorCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type stubStatusCache struct {
	entries map[string]domain.AnchorStatus
	puts    int
}

func (c *stubStatusCache) Get(ctx context.Context, rootHash string) (*domain.AnchorStatus, bool, error) {
	if c.entries == nil {
		return nil, false, nil
	}
	status, ok := c.entries[rootHash]
	if !ok {
		return nil, false, nil
	}
	return &status, true, nil
}

func (c *stubStatusCache) Put(ctx context.Context, rootHash string, status domain.AnchorStatus, ttl time.Duration) error {
	if c.entries == nil {
		c.entries = make(map[string]domain.AnchorStatus)
	}
	c.entries[rootHash] = status
	c.puts++
	return nil
}

func anchoredReceipt(batch domain.AuditBatch, txHash string) []domain.AnchorReceipt {
	return []domain.AnchorReceipt{{
		BatchID:    batch.ID,
		Provider:   "ledgerhttp",
		Status:     domain.AnchorStatusAnchored,
		TxHash:     txHash,
		AnchoredAt: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
	}}
}

func newTestBatcher(audits *memAuditRepo, batches *memBatchRepo, anchor domain.AnchorService) *AuditBatcher {
	ids := 0
	return &AuditBatcher{
		Entries: audits,
		Batches: batches,
		Anchor:  anchor,
		Clock:   fixedClock(time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC)),
		NewID: func() string {
			ids++
			return fmt.Sprintf("batch-%02d", ids)
		},
	}
}

func TestRunOnceBatchesNewEntries(t *testing.T) {
	audits, _ := seedChain(t, 5)
	batches := newMemBatchRepo()
	batcher := newTestBatcher(audits, batches, nil)
	ctx := context.Background()

	batch, err := batcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if batch == nil {
		t.Fatal("expected a batch over the new entries")
	}
	if batch.FirstSequence != 1 || batch.LastSequence != 5 || batch.EntryCount != 5 {
		t.Fatalf("batch window = [%d, %d] count %d, want [1, 5] count 5", batch.FirstSequence, batch.LastSequence, batch.EntryCount)
	}

	entries, err := audits.ListRange(ctx, 1, 5)
	if err != nil {
		t.Fatalf("ListRange: %v", err)
	}
	leaves := make([]string, len(entries))
	for i, entry := range entries {
		leaves[i] = entry.Hash
	}
	wantRoot, err := merkle.RootHex(leaves)
	if err != nil {
		t.Fatalf("RootHex: %v", err)
	}
	if batch.RootHash != wantRoot {
		t.Fatalf("root = %s, want %s", batch.RootHash, wantRoot)
	}

	again, err := batcher.RunOnce(ctx)
	if err != nil || again != nil {
		t.Fatalf("second pass = (%v, %v), want nothing new to batch", again, err)
	}
}

func TestRunOnceRespectsMaxEntries(t *testing.T) {
	audits, _ := seedChain(t, 5)
	batches := newMemBatchRepo()
	batcher := newTestBatcher(audits, batches, nil)
	batcher.MaxEntries = 2
	ctx := context.Background()

	windows := [][2]int64{{1, 2}, {3, 4}, {5, 5}}
	for _, want := range windows {
		batch, err := batcher.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if batch == nil || batch.FirstSequence != want[0] || batch.LastSequence != want[1] {
			t.Fatalf("batch = %+v, want window [%d, %d]", batch, want[0], want[1])
		}
	}
	if batch, err := batcher.RunOnce(ctx); err != nil || batch != nil {
		t.Fatalf("caught-up pass = (%v, %v), want no batch", batch, err)
	}
}

func TestRunOnceAnchorsBatchAndAuditsIt(t *testing.T) {
	audits, _ := seedChain(t, 3)
	batches := newMemBatchRepo()
	anchor := &stubAnchorService{
		receipt: func(batch domain.AuditBatch) ([]domain.AnchorReceipt, error) {
			return anchoredReceipt(batch, "0xfeed"), nil
		},
	}
	batcher := newTestBatcher(audits, batches, anchor)
	batcher.Audit = NewAuditRecorder(audits, fixedClock(time.Date(2025, 3, 10, 9, 20, 0, 0, time.UTC)))
	ctx := context.Background()

	batch, err := batcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	stored, err := batches.GetByID(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !stored.Anchored() || stored.AnchoredTxHash != "0xfeed" {
		t.Fatalf("stored batch = %+v, want anchored with tx 0xfeed", stored)
	}

	entry := audits.last()
	if entry.Action != domain.AuditActionBatchAnchored || entry.Actor != domain.SystemActor {
		t.Fatalf("audit entry = %s by %s, want batch_anchored by system", entry.Action, entry.Actor)
	}
	if entry.Metadata["tx_hash"] != "0xfeed" || entry.Metadata["root_hash"] != batch.RootHash {
		t.Fatalf("audit metadata = %v, want tx and root recorded", entry.Metadata)
	}

	// The anchor event itself joined the chain and becomes the next window.
	next, err := batcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if next == nil || next.FirstSequence != 4 || next.LastSequence != 4 {
		t.Fatalf("next batch = %+v, want window [4, 4]", next)
	}
}

func TestRunOnceRetriesUnanchoredBeforeBatching(t *testing.T) {
	audits, _ := seedChain(t, 4)
	batches := newMemBatchRepo()
	failing := true
	anchor := &stubAnchorService{
		receipt: func(batch domain.AuditBatch) ([]domain.AnchorReceipt, error) {
			if failing {
				return []domain.AnchorReceipt{{
					BatchID:   batch.ID,
					Provider:  "ledgerhttp",
					Status:    domain.AnchorStatusFailed,
					ErrorCode: "NETWORK",
				}}, nil
			}
			return anchoredReceipt(batch, "0xbeef"), nil
		},
	}
	batcher := newTestBatcher(audits, batches, anchor)
	now := time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC)
	batcher.Clock = func() time.Time { return now }
	ctx := context.Background()

	batch, err := batcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stored, _ := batches.GetByID(ctx, batch.ID); stored.Anchored() {
		t.Fatal("batch must stay unanchored while the provider fails")
	}

	failing = false
	now = now.Add(time.Minute)
	if _, err := batcher.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce retry pass: %v", err)
	}
	stored, err := batches.GetByID(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !stored.Anchored() || stored.AnchoredTxHash != "0xbeef" {
		t.Fatalf("stored batch = %+v, want anchored on retry", stored)
	}
}

func TestAnchorRetryBacksOff(t *testing.T) {
	audits, _ := seedChain(t, 3)
	batches := newMemBatchRepo()
	anchor := &stubAnchorService{
		receipt: func(batch domain.AuditBatch) ([]domain.AnchorReceipt, error) {
			return []domain.AnchorReceipt{{
				BatchID:   batch.ID,
				Provider:  "ledgerhttp",
				Status:    domain.AnchorStatusFailed,
				ErrorCode: "NETWORK",
			}}, nil
		},
	}
	batcher := newTestBatcher(audits, batches, anchor)
	now := time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC)
	batcher.Clock = func() time.Time { return now }
	batcher.BackoffBase = time.Minute
	ctx := context.Background()

	if _, err := batcher.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := len(anchor.anchorCalls()); got != 1 {
		t.Fatalf("anchor calls = %d, want 1", got)
	}

	// Within the backoff window the pending batch is skipped.
	now = now.Add(30 * time.Second)
	if _, err := batcher.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := len(anchor.anchorCalls()); got != 1 {
		t.Fatalf("anchor calls = %d, want retry suppressed inside backoff", got)
	}

	now = now.Add(time.Minute)
	if _, err := batcher.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := len(anchor.anchorCalls()); got != 2 {
		t.Fatalf("anchor calls = %d, want retry after backoff", got)
	}

	// Second failure doubles the delay.
	now = now.Add(90 * time.Second)
	if _, err := batcher.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := len(anchor.anchorCalls()); got != 2 {
		t.Fatalf("anchor calls = %d, want doubled backoff to hold", got)
	}
}

func TestVerifyRootCachesAnchoredStatus(t *testing.T) {
	anchoredAt := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	anchor := &stubAnchorService{
		status: func(rootHash string) (domain.AnchorStatus, error) {
			return domain.AnchorStatus{
				Anchored:   true,
				RootHash:   rootHash,
				Provider:   "tonledger",
				TxHash:     "0xfeed",
				AnchoredAt: &anchoredAt,
			}, nil
		},
	}
	cache := &stubStatusCache{}
	batcher := newTestBatcher(newMemAuditRepo(), newMemBatchRepo(), anchor)
	batcher.Cache = cache
	ctx := context.Background()

	first, err := batcher.VerifyRoot(ctx, "ab12")
	if err != nil {
		t.Fatalf("VerifyRoot: %v", err)
	}
	if !first.Anchored || first.TxHash != "0xfeed" {
		t.Fatalf("status = %+v, want anchored with tx", first)
	}
	if cache.puts != 1 {
		t.Fatalf("cache puts = %d, want anchored status cached", cache.puts)
	}

	second, err := batcher.VerifyRoot(ctx, "ab12")
	if err != nil {
		t.Fatalf("VerifyRoot cached: %v", err)
	}
	if second.TxHash != first.TxHash || anchor.queries != 1 {
		t.Fatalf("queries = %d, want cache to absorb the second lookup", anchor.queries)
	}
}

func TestVerifyRootSkipsCacheForUnanchored(t *testing.T) {
	anchor := &stubAnchorService{}
	cache := &stubStatusCache{}
	batcher := newTestBatcher(newMemAuditRepo(), newMemBatchRepo(), anchor)
	batcher.Cache = cache
	ctx := context.Background()

	status, err := batcher.VerifyRoot(ctx, "cd34")
	if err != nil {
		t.Fatalf("VerifyRoot: %v", err)
	}
	if status.Anchored {
		t.Fatal("expected unanchored status")
	}
	if cache.puts != 0 {
		t.Fatalf("cache puts = %d, unanchored statuses must not be cached", cache.puts)
	}

	if _, err := batcher.VerifyRoot(ctx, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty root, got %v", err)
	}
}

func TestRunOnceHaltsOnIntegrityFailure(t *testing.T) {
	audits, _ := seedChain(t, 5)
	batches := newMemBatchRepo()
	batcher := newTestBatcher(audits, batches, nil)
	audits.tamper(3, func(e *domain.AuditEntry) {
		e.Metadata["n"] = "forged"
	})
	ctx := context.Background()

	if _, err := batcher.RunOnce(ctx); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if all, _ := batches.List(ctx, 0); len(all) != 0 {
		t.Fatalf("batches = %d, corrupted window must not be batched", len(all))
	}
	halted, at := batcher.Halted()
	if !halted || at != 3 {
		t.Fatalf("halted = (%v, %d), want halt at sequence 3", halted, at)
	}
	if _, err := batcher.RunOnce(ctx); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("halted batcher must keep refusing, got %v", err)
	}
}

func TestThresholdReachedCountsPendingEntries(t *testing.T) {
	audits, _ := seedChain(t, 3)
	batches := newMemBatchRepo()
	batcher := newTestBatcher(audits, batches, nil)
	batcher.MinEntries = 5
	ctx := context.Background()

	if batcher.thresholdReached(ctx) {
		t.Fatalf("3 pending entries must not reach a minimum of 5")
	}

	batcher.MinEntries = 3
	if !batcher.thresholdReached(ctx) {
		t.Fatalf("3 pending entries should reach a minimum of 3")
	}

	if _, err := batcher.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if batcher.thresholdReached(ctx) {
		t.Fatalf("nothing pending after batching, threshold must not fire")
	}
}

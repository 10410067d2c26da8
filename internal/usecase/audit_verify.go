package usecase

import (
	"context"
	"fmt"

	"asclepius/internal/domain"
)

// VerifyChain recomputes every hash in [from, to] and checks the previous-hash
// links, including the link into the entry just before the window. It returns
// ok=false with the first bad sequence and an error wrapping
// domain.ErrIntegrity on any mismatch or gap; repository failures come back
// with firstBad=0.
func VerifyChain(ctx context.Context, repo AuditEntryRepository, from, to int64) (bool, int64, error) {
	if repo == nil {
		return false, 0, fmt.Errorf("audit repository required")
	}
	if from < 1 || to < from {
		return false, 0, fmt.Errorf("%w: invalid sequence range [%d, %d]", domain.ErrValidation, from, to)
	}

	prevHash := domain.GenesisHash
	if from > 1 {
		prev, err := repo.GetBySequence(ctx, from-1)
		if err != nil {
			return false, 0, fmt.Errorf("load predecessor %d: %w", from-1, err)
		}
		prevHash = prev.Hash
	}

	entries, err := repo.ListRange(ctx, from, to)
	if err != nil {
		return false, 0, fmt.Errorf("load range [%d, %d]: %w", from, to, err)
	}

	expected := from
	for _, entry := range entries {
		if entry.Sequence != expected {
			return false, expected, integrityFailure(expected, "sequence gap")
		}
		if entry.PreviousHash != prevHash {
			return false, entry.Sequence, integrityFailure(entry.Sequence, "previous-hash link broken")
		}
		recomputed, err := domain.HashEntry(entry)
		if err != nil {
			return false, entry.Sequence, integrityFailure(entry.Sequence, "entry not hashable")
		}
		if recomputed != entry.Hash {
			return false, entry.Sequence, integrityFailure(entry.Sequence, "stored hash mismatch")
		}
		prevHash = entry.Hash
		expected++
	}
	if expected != to+1 {
		return false, expected, integrityFailure(expected, "sequence gap")
	}
	return true, 0, nil
}

// VerifyTail verifies the whole chain up to the current tail. An empty chain
// verifies trivially.
func VerifyTail(ctx context.Context, repo AuditEntryRepository) (bool, int64, error) {
	if repo == nil {
		return false, 0, fmt.Errorf("audit repository required")
	}
	tail, err := repo.TailSequence(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("load tail sequence: %w", err)
	}
	if tail == 0 {
		return true, 0, nil
	}
	return VerifyChain(ctx, repo, 1, tail)
}

func integrityFailure(sequence int64, reason string) error {
	return fmt.Errorf("%w: %s at sequence %d", domain.ErrIntegrity, reason, sequence)
}

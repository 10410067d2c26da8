package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"asclepius/internal/domain"
)

const defaultSweepBatchSize = 200

// ConsentSweeper persists the Expired label on approved grants whose expiry
// has passed. Permission checks never depend on it; the sweep only makes
// reporting queries cheap. Losing a race against a concurrent revoke is fine,
// the row is skipped and picked up next run if still relevant.
type ConsentSweeper struct {
	Repo      ConsentRepository
	Audit     *AuditRecorder
	Clock     Clock
	Log       *zap.Logger
	BatchSize int
}

func (s *ConsentSweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.Repo == nil {
		return 0, errors.New("consent repository required")
	}
	limit := s.BatchSize
	if limit <= 0 {
		limit = defaultSweepBatchSize
	}
	now := s.now()
	grants, err := s.Repo.ListApprovedExpiring(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expiring grants: %w", err)
	}

	var swept int
	var errs error
	for _, grant := range grants {
		grant.State = domain.ConsentStateExpired
		grant.UpdatedAt = now
		updated, err := s.Repo.UpdateState(ctx, grant)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire grant %s: %w", grant.ID, err))
			continue
		}
		swept++
		if s.Audit != nil {
			if err := s.Audit.RecordConsentTransition(ctx, domain.SystemActor, domain.AuditActionConsentExpired, updated); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("audit expiry of grant %s: %w", grant.ID, err))
			}
		}
	}
	if swept > 0 {
		s.log().Info("expired consent grants swept", zap.Int("count", swept))
	}
	return swept, errs
}

func (s *ConsentSweeper) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func (s *ConsentSweeper) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

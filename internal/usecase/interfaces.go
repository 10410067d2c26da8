package usecase

import (
	"context"
	"time"

	"asclepius/internal/domain"
)

type Clock func() time.Time

// ConsentRepository is the persistence contract for consent grants. Grants
// are append-and-transition only; nothing is ever deleted.
type ConsentRepository interface {
	Create(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error)
	GetByID(ctx context.Context, id string) (*domain.ConsentGrant, error)
	// UpdateState persists a state transition. The grant's Version field is
	// the optimistic-concurrency token: the update applies only when the
	// stored version still matches, otherwise domain.ErrConflict.
	UpdateState(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error)
	ListByGrantor(ctx context.Context, grantor string) ([]domain.ConsentGrant, error)
	ListByGrantee(ctx context.Context, grantee string) ([]domain.ConsentGrant, error)
	ListByPair(ctx context.Context, grantor, grantee string) ([]domain.ConsentGrant, error)
	// FindApproved returns the single grant in Approved state for the pair,
	// expired or not; callers apply the expiry predicate.
	FindApproved(ctx context.Context, grantor, grantee string) (*domain.ConsentGrant, error)
	// ListApprovedExpiring returns Approved grants whose expiry has passed,
	// for the reporting sweep.
	ListApprovedExpiring(ctx context.Context, before time.Time, limit int) ([]domain.ConsentGrant, error)
}

// AuditEntryRepository owns the chain tail. Append is the only write and must
// assign sequence and previous hash inside a single serialization point.
type AuditEntryRepository interface {
	Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error)
	ListRange(ctx context.Context, from, to int64) ([]domain.AuditEntry, error)
	GetBySequence(ctx context.Context, sequence int64) (*domain.AuditEntry, error)
	TailSequence(ctx context.Context) (int64, error)
}

type AuditBatchRepository interface {
	Create(ctx context.Context, batch domain.AuditBatch) (domain.AuditBatch, error)
	// MarkAnchored records the anchoring result; it applies at most once and
	// never overwrites an earlier confirmation.
	MarkAnchored(ctx context.Context, batchID, txHash string, anchoredAt time.Time) error
	GetByID(ctx context.Context, id string) (*domain.AuditBatch, error)
	GetByRoot(ctx context.Context, rootHash string) (*domain.AuditBatch, error)
	// LastBatchedSequence is the upper bound of the newest batch, 0 when no
	// batch exists yet.
	LastBatchedSequence(ctx context.Context) (int64, error)
	ListUnanchored(ctx context.Context, limit int) ([]domain.AuditBatch, error)
	List(ctx context.Context, limit int) ([]domain.AuditBatch, error)
}

type RecordRepository interface {
	Create(ctx context.Context, record domain.RecordEntry) (domain.RecordEntry, error)
	GetByID(ctx context.Context, id string) (*domain.RecordEntry, error)
	Update(ctx context.Context, record domain.RecordEntry) (domain.RecordEntry, error)
	Delete(ctx context.Context, id string) error
	ListByPatient(ctx context.Context, patientID string) ([]domain.RecordEntry, error)
}

// PolicyEngine is the optional guardrail policy hook consulted by the access
// gate after consent; it may veto but never grant.
type PolicyEngine interface {
	Evaluate(ctx context.Context, input domain.AccessPolicyInput) (domain.PolicyResult, error)
}

// AnchorStatusCache stores ledger query results keyed by root hash. Only
// anchored statuses should be cached; an anchored root is immutable.
type AnchorStatusCache interface {
	Get(ctx context.Context, rootHash string) (*domain.AnchorStatus, bool, error)
	Put(ctx context.Context, rootHash string, status domain.AnchorStatus, ttl time.Duration) error
}

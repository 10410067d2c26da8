package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"asclepius/internal/domain"
)

// ConsentEngine owns the consent grant lifecycle. Every successful transition
// is written to the audit chain before the call returns; an audit failure
// fails the call even though the transition itself is already persisted, so
// callers re-read rather than retry blindly.
type ConsentEngine struct {
	Repo  ConsentRepository
	Audit *AuditRecorder
	Clock Clock
}

func NewConsentEngine(repo ConsentRepository, audit *AuditRecorder, clock Clock) *ConsentEngine {
	return &ConsentEngine{
		Repo:  repo,
		Audit: audit,
		Clock: clock,
	}
}

type RequestConsentParams struct {
	Grantor      string
	Grantee      string
	Permissions  []string
	Scope        string
	Reason       string
	DurationDays int
}

func (e *ConsentEngine) RequestConsent(ctx context.Context, params RequestConsentParams) (domain.ConsentGrant, error) {
	grantor := strings.TrimSpace(params.Grantor)
	grantee := strings.TrimSpace(params.Grantee)
	if grantor == "" || grantee == "" {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grantor and grantee required", domain.ErrValidation)
	}
	if grantor == grantee {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grantor and grantee must differ", domain.ErrValidation)
	}
	if params.DurationDays < 0 {
		return domain.ConsentGrant{}, fmt.Errorf("%w: duration days must not be negative", domain.ErrValidation)
	}
	permissions, err := domain.NewPermissionSet(params.Permissions)
	if err != nil {
		return domain.ConsentGrant{}, err
	}

	now := e.now()
	existing, err := e.Repo.ListByPair(ctx, grantor, grantee)
	if err != nil {
		return domain.ConsentGrant{}, fmt.Errorf("list grants for pair: %w", err)
	}
	for _, grant := range existing {
		switch {
		case grant.State == domain.ConsentStateRequested:
			return domain.ConsentGrant{}, fmt.Errorf("%w: a pending request already exists for this pair", domain.ErrConflict)
		case grant.ActiveAt(now):
			return domain.ConsentGrant{}, fmt.Errorf("%w: an active grant already exists for this pair", domain.ErrConflict)
		}
	}

	grant := domain.ConsentGrant{
		ID:           uuid.NewString(),
		Grantor:      grantor,
		Grantee:      grantee,
		Permissions:  permissions,
		Scope:        strings.TrimSpace(params.Scope),
		Reason:       strings.TrimSpace(params.Reason),
		DurationDays: params.DurationDays,
		State:        domain.ConsentStateRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	created, err := e.Repo.Create(ctx, grant)
	if err != nil {
		return domain.ConsentGrant{}, fmt.Errorf("create grant: %w", err)
	}
	if err := e.Audit.RecordConsentTransition(ctx, grantee, domain.AuditActionConsentRequested, created); err != nil {
		return created, fmt.Errorf("audit consent request: %w", err)
	}
	return created, nil
}

// ApproveConsent moves a pending grant to Approved. Only the grantor may
// approve; any other precondition failure is a conflict, not a permission
// error.
func (e *ConsentEngine) ApproveConsent(ctx context.Context, grantID, approver string) (domain.ConsentGrant, error) {
	grant, err := e.loadForTransition(ctx, grantID)
	if err != nil {
		return domain.ConsentGrant{}, err
	}
	if approver == "" || approver != grant.Grantor {
		return domain.ConsentGrant{}, fmt.Errorf("%w: only the grantor may approve", domain.ErrConflict)
	}
	if grant.State != domain.ConsentStateRequested {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grant is %s, not requested", domain.ErrConflict, grant.State)
	}

	now := e.now()
	grant.State = domain.ConsentStateApproved
	grant.UpdatedAt = now
	if grant.DurationDays > 0 {
		expiresAt := now.AddDate(0, 0, grant.DurationDays)
		grant.ExpiresAt = &expiresAt
	}
	updated, err := e.Repo.UpdateState(ctx, *grant)
	if err != nil {
		return domain.ConsentGrant{}, fmt.Errorf("approve grant: %w", err)
	}
	if err := e.Audit.RecordConsentTransition(ctx, approver, domain.AuditActionConsentApproved, updated); err != nil {
		return updated, fmt.Errorf("audit consent approval: %w", err)
	}
	return updated, nil
}

func (e *ConsentEngine) DenyConsent(ctx context.Context, grantID, approver string) (domain.ConsentGrant, error) {
	grant, err := e.loadForTransition(ctx, grantID)
	if err != nil {
		return domain.ConsentGrant{}, err
	}
	if approver == "" || approver != grant.Grantor {
		return domain.ConsentGrant{}, fmt.Errorf("%w: only the grantor may deny", domain.ErrConflict)
	}
	if grant.State != domain.ConsentStateRequested {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grant is %s, not requested", domain.ErrConflict, grant.State)
	}

	grant.State = domain.ConsentStateDenied
	grant.UpdatedAt = e.now()
	updated, err := e.Repo.UpdateState(ctx, *grant)
	if err != nil {
		return domain.ConsentGrant{}, fmt.Errorf("deny grant: %w", err)
	}
	if err := e.Audit.RecordConsentTransition(ctx, approver, domain.AuditActionConsentDenied, updated); err != nil {
		return updated, fmt.Errorf("audit consent denial: %w", err)
	}
	return updated, nil
}

// RevokeConsent takes effect immediately: the next permission check sees the
// revocation. A grant whose expiry has already passed cannot be revoked.
func (e *ConsentEngine) RevokeConsent(ctx context.Context, grantID, actor string) (domain.ConsentGrant, error) {
	grant, err := e.loadForTransition(ctx, grantID)
	if err != nil {
		return domain.ConsentGrant{}, err
	}
	if actor == "" || actor != grant.Grantor {
		return domain.ConsentGrant{}, fmt.Errorf("%w: only the grantor may revoke", domain.ErrConflict)
	}
	now := e.now()
	if grant.EffectiveState(now) != domain.ConsentStateApproved {
		return domain.ConsentGrant{}, fmt.Errorf("%w: grant is %s, not approved", domain.ErrConflict, grant.EffectiveState(now))
	}

	grant.State = domain.ConsentStateRevoked
	grant.UpdatedAt = now
	updated, err := e.Repo.UpdateState(ctx, *grant)
	if err != nil {
		return domain.ConsentGrant{}, fmt.Errorf("revoke grant: %w", err)
	}
	if err := e.Audit.RecordConsentTransition(ctx, actor, domain.AuditActionConsentRevoked, updated); err != nil {
		return updated, fmt.Errorf("audit consent revocation: %w", err)
	}
	return updated, nil
}

// CheckPermission answers whether actor may exercise perm against patient's
// data right now. Self-access is always allowed. Repository failures deny:
// the caller gets the error and must not fall through to an allow.
func (e *ConsentEngine) CheckPermission(ctx context.Context, patientID, actorID string, perm domain.Permission) (bool, error) {
	if patientID == "" || actorID == "" {
		return false, fmt.Errorf("%w: patient and actor required", domain.ErrValidation)
	}
	if _, err := domain.ParsePermission(string(perm)); err != nil {
		return false, err
	}
	if patientID == actorID {
		return true, nil
	}
	grant, err := e.Repo.FindApproved(ctx, patientID, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find approved grant: %w", err)
	}
	return grant.Allows(perm, e.now()), nil
}

// ListGrantsByGrantor returns every grant the patient has issued, with expiry
// applied to the reported state. Stored rows are not touched.
func (e *ConsentEngine) ListGrantsByGrantor(ctx context.Context, grantor string) ([]domain.ConsentGrant, error) {
	if grantor == "" {
		return nil, fmt.Errorf("%w: grantor required", domain.ErrValidation)
	}
	grants, err := e.Repo.ListByGrantor(ctx, grantor)
	if err != nil {
		return nil, fmt.Errorf("list grants by grantor: %w", err)
	}
	now := e.now()
	for i := range grants {
		grants[i].State = grants[i].EffectiveState(now)
	}
	return grants, nil
}

// ListActiveGrantsForActor returns the grants under which actor can currently
// reach other patients' data.
func (e *ConsentEngine) ListActiveGrantsForActor(ctx context.Context, actorID string) ([]domain.ConsentGrant, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor required", domain.ErrValidation)
	}
	grants, err := e.Repo.ListByGrantee(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list grants by grantee: %w", err)
	}
	now := e.now()
	active := make([]domain.ConsentGrant, 0, len(grants))
	for _, grant := range grants {
		if grant.ActiveAt(now) {
			active = append(active, grant)
		}
	}
	return active, nil
}

func (e *ConsentEngine) GetGrant(ctx context.Context, grantID string) (domain.ConsentGrant, error) {
	grant, err := e.loadForTransition(ctx, grantID)
	if err != nil {
		return domain.ConsentGrant{}, err
	}
	grant.State = grant.EffectiveState(e.now())
	return *grant, nil
}

func (e *ConsentEngine) loadForTransition(ctx context.Context, grantID string) (*domain.ConsentGrant, error) {
	if grantID == "" {
		return nil, fmt.Errorf("%w: grant id required", domain.ErrValidation)
	}
	grant, err := e.Repo.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (e *ConsentEngine) now() time.Time {
	if e != nil && e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

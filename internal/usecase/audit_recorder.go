package usecase

import (
	"context"
	"errors"
	"strconv"
	"time"

	"asclepius/internal/domain"
)

// AuditRecorder is the single write path onto the hash chain. The repository
// serializes appends; the recorder validates, stamps the clock, and shapes
// the uniform metadata the gate and engine emit.
type AuditRecorder struct {
	Repo  AuditEntryRepository
	Clock Clock
}

func NewAuditRecorder(repo AuditEntryRepository, clock Clock) *AuditRecorder {
	return &AuditRecorder{
		Repo:  repo,
		Clock: clock,
	}
}

func (r *AuditRecorder) Record(ctx context.Context, actor string, action domain.AuditAction, resourceType domain.ResourceType, resourceID string, metadata map[string]string) (domain.AuditEntry, error) {
	if r == nil || r.Repo == nil {
		return domain.AuditEntry{}, errors.New("audit repository required")
	}
	if actor == "" || action == "" || resourceType == "" {
		return domain.AuditEntry{}, errors.New("audit entry missing required fields")
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	entry := domain.AuditEntry{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		// Postgres stores microsecond precision; truncate up front so the
		// hash computed at append time survives a round trip.
		Timestamp: r.now().UTC().Truncate(time.Microsecond),
		Metadata:  metadata,
	}
	return r.Repo.Append(ctx, entry)
}

func (r *AuditRecorder) RecordConsentTransition(ctx context.Context, actor string, action domain.AuditAction, grant domain.ConsentGrant) error {
	metadata := map[string]string{
		"grantor":     grant.Grantor,
		"grantee":     grant.Grantee,
		"permissions": grant.Permissions.Encode(),
		"state":       string(grant.State),
	}
	if grant.ExpiresAt != nil {
		metadata["expires_at"] = grant.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := r.Record(ctx, actor, action, domain.ResourceConsent, grant.ID, metadata)
	return err
}

func (r *AuditRecorder) RecordAccessAllowed(ctx context.Context, actor, patient string, action domain.AuditAction, resourceType domain.ResourceType, resourceID string, permission domain.Permission, selfAccess bool) error {
	metadata := map[string]string{
		"patient":     patient,
		"permission":  string(permission),
		"decision":    "allow",
		"self_access": strconv.FormatBool(selfAccess),
	}
	_, err := r.Record(ctx, actor, action, resourceType, resourceID, metadata)
	return err
}

func (r *AuditRecorder) RecordAccessDenied(ctx context.Context, actor, patient string, resourceType domain.ResourceType, resourceID string, permission domain.Permission, reason string) error {
	metadata := map[string]string{
		"patient":    patient,
		"permission": string(permission),
		"decision":   "deny",
		"reason":     reason,
	}
	_, err := r.Record(ctx, actor, domain.AuditActionAccessDenied, resourceType, resourceID, metadata)
	return err
}

func (r *AuditRecorder) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

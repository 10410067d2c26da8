package usecase

import (
	"context"
	"fmt"

	"asclepius/internal/domain"
	"asclepius/internal/obs"
)

const denyReasonNoConsent = "no_active_consent"

// GateRequest describes one attempt to touch patient data. Patient defaults
// to the actor when empty, which makes plain "my own records" calls work
// without the caller repeating itself.
type GateRequest struct {
	Actor        string
	Patient      string
	Permission   domain.Permission
	Action       domain.AuditAction
	ResourceType domain.ResourceType
	ResourceID   string
}

type GateDecision struct {
	Allowed    bool
	SelfAccess bool
	Permission domain.Permission
	Reasons    []string
}

// AccessGate is the single choke point in front of record operations:
// identity, consent, then the optional guardrail policy. Denials are written
// to the audit chain before the decision returns; allowed operations are
// audited by the caller once they actually succeed, via RecordAllowed.
type AccessGate struct {
	Consents *ConsentEngine
	Policy   PolicyEngine
	Audit    *AuditRecorder
}

func NewAccessGate(consents *ConsentEngine, policy PolicyEngine, audit *AuditRecorder) *AccessGate {
	return &AccessGate{
		Consents: consents,
		Policy:   policy,
		Audit:    audit,
	}
}

func (g *AccessGate) Authorize(ctx context.Context, req GateRequest) (GateDecision, error) {
	if req.Actor == "" {
		return GateDecision{}, fmt.Errorf("%w: actor identity required", domain.ErrUnauthenticated)
	}
	if req.Patient == "" {
		req.Patient = req.Actor
	}
	perm, err := domain.ParsePermission(string(req.Permission))
	if err != nil {
		return GateDecision{}, err
	}

	if req.Actor == req.Patient {
		obs.ObserveAccessDecision(string(perm), true)
		return GateDecision{Allowed: true, SelfAccess: true, Permission: perm}, nil
	}

	allowed, err := g.Consents.CheckPermission(ctx, req.Patient, req.Actor, perm)
	if err != nil {
		return GateDecision{}, fmt.Errorf("consent check: %w", err)
	}
	if !allowed {
		return g.deny(ctx, req, perm, []string{denyReasonNoConsent})
	}

	if g.Policy != nil {
		result, err := g.Policy.Evaluate(ctx, domain.AccessPolicyInput{
			Actor:        req.Actor,
			Patient:      req.Patient,
			Permission:   string(perm),
			Action:       string(req.Action),
			ResourceType: string(req.ResourceType),
			SelfAccess:   false,
		})
		if err != nil {
			return GateDecision{}, fmt.Errorf("policy evaluation: %w", err)
		}
		if !result.Allow {
			reasons := make([]string, 0, len(result.Deny))
			for _, deny := range result.Deny {
				reasons = append(reasons, deny.Code)
			}
			if len(reasons) == 0 {
				reasons = []string{"policy_denied"}
			}
			return g.deny(ctx, req, perm, reasons)
		}
	}

	obs.ObserveAccessDecision(string(perm), true)
	return GateDecision{Allowed: true, Permission: perm}, nil
}

// RecordAllowed writes the operation's own audit entry. Call it after the
// gated operation succeeded, not before.
func (g *AccessGate) RecordAllowed(ctx context.Context, req GateRequest, decision GateDecision, resourceID string) error {
	if g.Audit == nil {
		return nil
	}
	if resourceID == "" {
		resourceID = req.ResourceID
	}
	patient := req.Patient
	if patient == "" {
		patient = req.Actor
	}
	return g.Audit.RecordAccessAllowed(ctx, req.Actor, patient, req.Action, req.ResourceType, resourceID, decision.Permission, decision.SelfAccess)
}

func (g *AccessGate) deny(ctx context.Context, req GateRequest, perm domain.Permission, reasons []string) (GateDecision, error) {
	if g.Audit != nil {
		reason := reasons[0]
		if len(reasons) > 1 {
			reason = fmt.Sprintf("%s(+%d)", reasons[0], len(reasons)-1)
		}
		if err := g.Audit.RecordAccessDenied(ctx, req.Actor, req.Patient, req.ResourceType, req.ResourceID, perm, reason); err != nil {
			return GateDecision{}, fmt.Errorf("audit denial: %w", err)
		}
	}
	obs.ObserveAccessDecision(string(perm), false)
	return GateDecision{Allowed: false, Permission: perm, Reasons: reasons}, nil
}

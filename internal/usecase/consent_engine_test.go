package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"asclepius/internal/domain"
)

func newTestEngine(at time.Time) (*ConsentEngine, *memConsentRepo, *memAuditRepo) {
	consents := newMemConsentRepo()
	audits := newMemAuditRepo()
	engine := NewConsentEngine(consents, NewAuditRecorder(audits, fixedClock(at)), fixedClock(at))
	return engine, consents, audits
}

func mustRequest(t *testing.T, engine *ConsentEngine, grantor, grantee string, days int) domain.ConsentGrant {
	t.Helper()
	grant, err := engine.RequestConsent(context.Background(), RequestConsentParams{
		Grantor:      grantor,
		Grantee:      grantee,
		Permissions:  []string{"read", "write"},
		Scope:        "cardiology",
		DurationDays: days,
	})
	if err != nil {
		t.Fatalf("RequestConsent: %v", err)
	}
	return grant
}

func TestRequestConsentValidation(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	cases := []struct {
		name   string
		params RequestConsentParams
	}{
		{"missing grantor", RequestConsentParams{Grantee: "dr-b", Permissions: []string{"read"}}},
		{"missing grantee", RequestConsentParams{Grantor: "pat-a", Permissions: []string{"read"}}},
		{"self grant", RequestConsentParams{Grantor: "pat-a", Grantee: "pat-a", Permissions: []string{"read"}}},
		{"no permissions", RequestConsentParams{Grantor: "pat-a", Grantee: "dr-b"}},
		{"unknown permission", RequestConsentParams{Grantor: "pat-a", Grantee: "dr-b", Permissions: []string{"admin"}}},
		{"negative duration", RequestConsentParams{Grantor: "pat-a", Grantee: "dr-b", Permissions: []string{"read"}, DurationDays: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.RequestConsent(context.Background(), tc.params); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRequestConsentCreatesPendingGrant(t *testing.T) {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	engine, _, audits := newTestEngine(base)

	grant := mustRequest(t, engine, "pat-a", "dr-b", 7)
	if grant.ID == "" {
		t.Fatal("expected generated grant id")
	}
	if grant.State != domain.ConsentStateRequested {
		t.Fatalf("state = %s, want requested", grant.State)
	}
	if grant.Version != 1 {
		t.Fatalf("version = %d, want 1", grant.Version)
	}
	if grant.ExpiresAt != nil {
		t.Fatal("expiry must not be set before approval")
	}
	if got := grant.Permissions.Encode(); got != "read,write" {
		t.Fatalf("permissions = %q, want read,write", got)
	}

	entry := audits.last()
	if entry.Action != domain.AuditActionConsentRequested {
		t.Fatalf("audit action = %s, want consent_requested", entry.Action)
	}
	if entry.Actor != "dr-b" {
		t.Fatalf("audit actor = %s, want requesting grantee", entry.Actor)
	}
	if entry.ResourceID != grant.ID {
		t.Fatalf("audit resource = %s, want %s", entry.ResourceID, grant.ID)
	}
}

func TestRequestConsentRejectsDuplicates(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	mustRequest(t, engine, "pat-a", "dr-b", 7)

	_, err := engine.RequestConsent(context.Background(), RequestConsentParams{
		Grantor: "pat-a", Grantee: "dr-b", Permissions: []string{"read"},
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate pending request: expected conflict, got %v", err)
	}
}

func TestRequestConsentRejectsWhileActiveGrantExists(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	grant := mustRequest(t, engine, "pat-a", "dr-b", 0)
	if _, err := engine.ApproveConsent(context.Background(), grant.ID, "pat-a"); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}

	_, err := engine.RequestConsent(context.Background(), RequestConsentParams{
		Grantor: "pat-a", Grantee: "dr-b", Permissions: []string{"read"},
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict while grant active, got %v", err)
	}
}

func TestRequestConsentAllowedAfterDenial(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	grant := mustRequest(t, engine, "pat-a", "dr-b", 0)
	if _, err := engine.DenyConsent(context.Background(), grant.ID, "pat-a"); err != nil {
		t.Fatalf("DenyConsent: %v", err)
	}
	if _, err := engine.RequestConsent(context.Background(), RequestConsentParams{
		Grantor: "pat-a", Grantee: "dr-b", Permissions: []string{"read"},
	}); err != nil {
		t.Fatalf("expected fresh request after denial, got %v", err)
	}
}

func TestApproveConsentSetsExpiry(t *testing.T) {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	engine, _, audits := newTestEngine(base)
	grant := mustRequest(t, engine, "pat-a", "dr-b", 7)

	approved, err := engine.ApproveConsent(context.Background(), grant.ID, "pat-a")
	if err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}
	if approved.State != domain.ConsentStateApproved {
		t.Fatalf("state = %s, want approved", approved.State)
	}
	if approved.ExpiresAt == nil || !approved.ExpiresAt.Equal(base.AddDate(0, 0, 7)) {
		t.Fatalf("expiry = %v, want %v", approved.ExpiresAt, base.AddDate(0, 0, 7))
	}
	if approved.Version != 2 {
		t.Fatalf("version = %d, want 2 after transition", approved.Version)
	}
	if entry := audits.last(); entry.Action != domain.AuditActionConsentApproved || entry.Actor != "pat-a" {
		t.Fatalf("audit entry = %s by %s, want consent_approved by pat-a", entry.Action, entry.Actor)
	}
}

func TestApproveConsentIndefiniteWithoutDuration(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	grant := mustRequest(t, engine, "pat-a", "dr-b", 0)
	approved, err := engine.ApproveConsent(context.Background(), grant.ID, "pat-a")
	if err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}
	if approved.ExpiresAt != nil {
		t.Fatalf("expiry = %v, want none for zero duration", approved.ExpiresAt)
	}
}

func TestApproveConsentWrongApprover(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	grant := mustRequest(t, engine, "pat-a", "dr-b", 7)

	for _, approver := range []string{"dr-b", "someone-else", ""} {
		if _, err := engine.ApproveConsent(context.Background(), grant.ID, approver); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("approver %q: expected conflict, got %v", approver, err)
		}
	}
	if _, err := engine.ApproveConsent(context.Background(), "missing", "pat-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing grant: expected not found, got %v", err)
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())

	denied := mustRequest(t, engine, "pat-a", "dr-b", 0)
	if _, err := engine.DenyConsent(context.Background(), denied.ID, "pat-a"); err != nil {
		t.Fatalf("DenyConsent: %v", err)
	}
	if _, err := engine.ApproveConsent(context.Background(), denied.ID, "pat-a"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("approve denied grant: expected conflict, got %v", err)
	}
	if _, err := engine.RevokeConsent(context.Background(), denied.ID, "pat-a"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("revoke denied grant: expected conflict, got %v", err)
	}

	revoked := mustRequest(t, engine, "pat-c", "dr-b", 0)
	if _, err := engine.ApproveConsent(context.Background(), revoked.ID, "pat-c"); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}
	if _, err := engine.RevokeConsent(context.Background(), revoked.ID, "pat-c"); err != nil {
		t.Fatalf("RevokeConsent: %v", err)
	}
	if _, err := engine.RevokeConsent(context.Background(), revoked.ID, "pat-c"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("double revoke: expected conflict, got %v", err)
	}
}

func TestRevokeConsentStopsAccessImmediately(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	ctx := context.Background()
	grant := mustRequest(t, engine, "pat-a", "dr-b", 30)
	if _, err := engine.ApproveConsent(ctx, grant.ID, "pat-a"); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}

	allowed, err := engine.CheckPermission(ctx, "pat-a", "dr-b", domain.PermissionRead)
	if err != nil || !allowed {
		t.Fatalf("CheckPermission before revoke = (%v, %v), want allow", allowed, err)
	}
	if _, err := engine.RevokeConsent(ctx, grant.ID, "pat-a"); err != nil {
		t.Fatalf("RevokeConsent: %v", err)
	}
	allowed, err = engine.CheckPermission(ctx, "pat-a", "dr-b", domain.PermissionRead)
	if err != nil || allowed {
		t.Fatalf("CheckPermission after revoke = (%v, %v), want deny", allowed, err)
	}
}

func TestCheckPermissionSelfAccess(t *testing.T) {
	engine, consents, _ := newTestEngine(time.Now())
	consents.err = errors.New("database down")

	allowed, err := engine.CheckPermission(context.Background(), "pat-a", "pat-a", domain.PermissionWrite)
	if err != nil || !allowed {
		t.Fatalf("self access = (%v, %v), want allow without store lookup", allowed, err)
	}
	if _, err := engine.CheckPermission(context.Background(), "pat-a", "dr-b", domain.PermissionRead); err == nil {
		t.Fatal("expected store failure to surface, permission checks fail closed")
	}
}

func TestCheckPermissionGrantedSubset(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	ctx := context.Background()
	grant := mustRequest(t, engine, "pat-a", "dr-b", 0)
	if _, err := engine.ApproveConsent(ctx, grant.ID, "pat-a"); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}

	for _, tc := range []struct {
		perm domain.Permission
		want bool
	}{
		{domain.PermissionRead, true},
		{domain.PermissionWrite, true},
		{domain.PermissionShare, false},
	} {
		allowed, err := engine.CheckPermission(ctx, "pat-a", "dr-b", tc.perm)
		if err != nil {
			t.Fatalf("CheckPermission(%s): %v", tc.perm, err)
		}
		if allowed != tc.want {
			t.Fatalf("CheckPermission(%s) = %v, want %v", tc.perm, allowed, tc.want)
		}
	}
}

func TestCheckPermissionExpiresLazily(t *testing.T) {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	current := base
	clock := Clock(func() time.Time { return current })

	consents := newMemConsentRepo()
	audits := newMemAuditRepo()
	engine := NewConsentEngine(consents, NewAuditRecorder(audits, clock), clock)
	ctx := context.Background()

	grant := mustRequest(t, engine, "pat-a", "dr-b", 7)
	if _, err := engine.ApproveConsent(ctx, grant.ID, "pat-a"); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}

	current = base.AddDate(0, 0, 6)
	if allowed, err := engine.CheckPermission(ctx, "pat-a", "dr-b", domain.PermissionRead); err != nil || !allowed {
		t.Fatalf("day 6 = (%v, %v), want allow", allowed, err)
	}

	current = base.AddDate(0, 0, 8)
	if allowed, err := engine.CheckPermission(ctx, "pat-a", "dr-b", domain.PermissionRead); err != nil || allowed {
		t.Fatalf("day 8 = (%v, %v), want deny", allowed, err)
	}

	stored, err := consents.GetByID(ctx, grant.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.State != domain.ConsentStateApproved {
		t.Fatalf("stored state = %s, expiry must not rewrite the row", stored.State)
	}
}

func TestListGrantsByGrantorReportsDerivedState(t *testing.T) {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	current := base
	clock := Clock(func() time.Time { return current })
	consents := newMemConsentRepo()
	engine := NewConsentEngine(consents, NewAuditRecorder(newMemAuditRepo(), clock), clock)
	ctx := context.Background()

	grant := mustRequest(t, engine, "pat-a", "dr-b", 7)
	if _, err := engine.ApproveConsent(ctx, grant.ID, "pat-a"); err != nil {
		t.Fatalf("ApproveConsent: %v", err)
	}

	current = base.AddDate(0, 0, 10)
	grants, err := engine.ListGrantsByGrantor(ctx, "pat-a")
	if err != nil {
		t.Fatalf("ListGrantsByGrantor: %v", err)
	}
	if len(grants) != 1 || grants[0].State != domain.ConsentStateExpired {
		t.Fatalf("grants = %+v, want one grant reported expired", grants)
	}

	active, err := engine.ListActiveGrantsForActor(ctx, "dr-b")
	if err != nil {
		t.Fatalf("ListActiveGrantsForActor: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active grants = %d, want none after expiry", len(active))
	}
}

func TestConcurrentApproveAndDenySingleWinner(t *testing.T) {
	engine, _, _ := newTestEngine(time.Now())
	grant := mustRequest(t, engine, "pat-a", "dr-b", 7)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := engine.ApproveConsent(context.Background(), grant.ID, "pat-a")
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := engine.DenyConsent(context.Background(), grant.ID, "pat-a")
		results <- err
	}()
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d; exactly one transition must win", wins, conflicts)
	}
}

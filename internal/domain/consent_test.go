package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNewPermissionSetNormalizes(t *testing.T) {
	set, err := NewPermissionSet([]string{"WRITE", "read", "write", " read "})
	if err != nil {
		t.Fatalf("NewPermissionSet: %v", err)
	}
	if set.Encode() != "read,write" {
		t.Fatalf("unexpected encoding %q", set.Encode())
	}
	if !set.Has(PermissionRead) || !set.Has(PermissionWrite) || set.Has(PermissionShare) {
		t.Fatalf("unexpected membership: %v", set)
	}
}

func TestNewPermissionSetRejectsInvalid(t *testing.T) {
	if _, err := NewPermissionSet(nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty set: expected validation error, got %v", err)
	}
	if _, err := NewPermissionSet([]string{"admin"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown permission: expected validation error, got %v", err)
	}
}

func TestEffectiveStateLazyExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(7 * 24 * time.Hour)
	grant := ConsentGrant{
		State:     ConsentStateApproved,
		ExpiresAt: &expiry,
	}

	if got := grant.EffectiveState(now.Add(6 * 24 * time.Hour)); got != ConsentStateApproved {
		t.Fatalf("day 6: expected approved, got %s", got)
	}
	if got := grant.EffectiveState(now.Add(8 * 24 * time.Hour)); got != ConsentStateExpired {
		t.Fatalf("day 8: expected expired, got %s", got)
	}
	// The stored state is untouched; only the derived view changes.
	if grant.State != ConsentStateApproved {
		t.Fatalf("stored state mutated to %s", grant.State)
	}
}

func TestAllows(t *testing.T) {
	now := time.Now().UTC()
	grant := ConsentGrant{
		State:       ConsentStateApproved,
		Permissions: PermissionSet{PermissionRead},
	}
	if !grant.Allows(PermissionRead, now) {
		t.Fatal("read should be allowed on approved grant without expiry")
	}
	if grant.Allows(PermissionWrite, now) {
		t.Fatal("write is not in the permission set")
	}

	past := now.Add(-time.Minute)
	grant.ExpiresAt = &past
	if grant.Allows(PermissionRead, now) {
		t.Fatal("expired grant must not allow access")
	}

	for _, state := range []ConsentState{ConsentStateRequested, ConsentStateDenied, ConsentStateRevoked} {
		inert := ConsentGrant{State: state, Permissions: PermissionSet{PermissionRead}}
		if inert.Allows(PermissionRead, now) {
			t.Fatalf("state %s must be inert for permission checks", state)
		}
	}
}

package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionShare Permission = "share"
)

func ParsePermission(value string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(value))) {
	case PermissionRead:
		return PermissionRead, nil
	case PermissionWrite:
		return PermissionWrite, nil
	case PermissionShare:
		return PermissionShare, nil
	}
	return "", fmt.Errorf("%w: unknown permission %q", ErrValidation, value)
}

// PermissionSet is a normalized set of permissions: unique, sorted,
// order-irrelevant for equality.
type PermissionSet []Permission

func NewPermissionSet(values []string) (PermissionSet, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: permissions must not be empty", ErrValidation)
	}
	seen := make(map[Permission]bool, len(values))
	out := make(PermissionSet, 0, len(values))
	for _, value := range values {
		perm, err := ParsePermission(value)
		if err != nil {
			return nil, err
		}
		if seen[perm] {
			continue
		}
		seen[perm] = true
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s PermissionSet) Has(perm Permission) bool {
	for _, p := range s {
		if p == perm {
			return true
		}
	}
	return false
}

func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for _, p := range s {
		out = append(out, string(p))
	}
	return out
}

// Encode renders the set as a sorted comma-joined string for storage.
func (s PermissionSet) Encode() string {
	return strings.Join(s.Strings(), ",")
}

func DecodePermissionSet(encoded string) (PermissionSet, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, fmt.Errorf("%w: permissions must not be empty", ErrValidation)
	}
	return NewPermissionSet(strings.Split(encoded, ","))
}

type ConsentState string

const (
	ConsentStateRequested ConsentState = "requested"
	ConsentStateApproved  ConsentState = "approved"
	ConsentStateDenied    ConsentState = "denied"
	ConsentStateRevoked   ConsentState = "revoked"
	ConsentStateExpired   ConsentState = "expired"
)

// ConsentGrant is a grantor's authorization for a grantee. Grants are created
// in Requested state, mutate only through the defined transitions, and are
// never physically deleted.
type ConsentGrant struct {
	ID           string
	Grantor      string
	Grantee      string
	Permissions  PermissionSet
	Scope        string
	State        ConsentState
	Reason       string
	DurationDays int
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Version is the optimistic-concurrency token; state transitions compare
	// it on update so exactly one of two racing writers wins.
	Version int64
}

// EffectiveState derives the state as of now. An Approved grant whose expiry
// has passed reports Expired without a persisted write (lazy expiry); a stale
// stored Approved label never implies access.
func (g ConsentGrant) EffectiveState(now time.Time) ConsentState {
	if g.State == ConsentStateApproved && g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return ConsentStateExpired
	}
	return g.State
}

// ActiveAt reports whether the grant currently authorizes anything: Approved
// and not past its expiry.
func (g ConsentGrant) ActiveAt(now time.Time) bool {
	return g.EffectiveState(now) == ConsentStateApproved
}

// Allows reports whether the grant authorizes perm at now.
func (g ConsentGrant) Allows(perm Permission, now time.Time) bool {
	return g.ActiveAt(now) && g.Permissions.Has(perm)
}

func (s ConsentState) Terminal() bool {
	return s == ConsentStateDenied || s == ConsentStateRevoked || s == ConsentStateExpired
}

package domain

import "context"

// Principal is a verified actor identity. Identity verification happens
// upstream; the core only ever sees the opaque actor identifier.
type Principal struct {
	ActorID   string
	RawClaims map[string]any
}

type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (Principal, error)
}

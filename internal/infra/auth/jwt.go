package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"asclepius/internal/domain"
)

const defaultTokenTTL = time.Hour

// Authenticator verifies HS256 bearer tokens and resolves them to a
// Principal. The subject claim is the actor identifier; nothing else about
// the caller crosses into the core.
type Authenticator struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
	now       func() time.Time
}

func NewAuthenticator(secret, issuer string, clockSkew time.Duration) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &Authenticator{
		secret:    []byte(secret),
		issuer:    strings.TrimSpace(issuer),
		clockSkew: clockSkew,
		now:       time.Now,
	}, nil
}

func (a *Authenticator) Authenticate(_ context.Context, bearerToken string) (domain.Principal, error) {
	if a == nil {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	tokenString := strings.TrimSpace(bearerToken)
	if tokenString == "" {
		return domain.Principal{}, domain.ErrUnauthenticated
	}

	claims := jwt.MapClaims{}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc, options...)
	if err != nil || !token.Valid {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	return domain.Principal{ActorID: subject, RawClaims: claims}, nil
}

// IssueToken mints a token for an actor. The daemon uses it in dev mode and
// the test suite uses it to exercise the middleware; production deployments
// mint tokens in the identity service instead.
func (a *Authenticator) IssueToken(actorID string, ttl time.Duration) (string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", errors.New("actor id is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   actorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, errors.New("unexpected signing method")
	}
	return a.secret, nil
}

var _ domain.Authenticator = (*Authenticator)(nil)

package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints credentials. Production credentials come from the REST layer
// that shares CREDENTIAL_SECRET; the gateway uses Issuer for its dev CLI and
// tests.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an Issuer signing with secret.
func NewIssuer(secret string) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: secret must not be empty")
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the issuer clock.
func (i *Issuer) WithClock(clock func() time.Time) {
	if clock != nil {
		i.now = clock
	}
}

// Issue returns a credential for identity valid for ttl, with a fresh nonce.
func (i *Issuer) Issue(identity string, ttl time.Duration) (string, Claims, error) {
	now := i.now()
	claims := Claims{
		Identity:  identity,
		IssuedAt:  time.Unix(now.Unix(), 0),
		ExpiresAt: time.Unix(now.Add(ttl).Unix(), 0),
		Nonce:     uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(SigningMethod, jwt.RegisteredClaims{
		Subject:   claims.Identity,
		IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		ID:        claims.Nonce,
	}).SignedString(i.secret)
	return token, claims, err
}

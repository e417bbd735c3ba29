// Package auth validates the signed, time-limited, single-use credentials that
// clients present during the gateway handshake.
//
// A credential is an HS256 JWT. The registered claims carry the identity (sub),
// issue and expiry times (iat, exp) and a nonce (jti). Each nonce can be
// redeemed once; redeemed nonces are kept in a Ledger until they are older
// than the replay horizon and their credential has expired.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed indicates the credential could not be parsed.
	ErrMalformed = errors.New("auth: malformed credential")
	// ErrSignature indicates the signature did not verify.
	ErrSignature = errors.New("auth: invalid signature")
	// ErrExpired indicates now is past the credential expiry.
	ErrExpired = errors.New("auth: credential expired")
	// ErrNotYetValid indicates the credential was issued in the future.
	ErrNotYetValid = errors.New("auth: credential not yet valid")
	// ErrIdentityMismatch indicates the asserted identity differs from the signed one.
	ErrIdentityMismatch = errors.New("auth: identity mismatch")
	// ErrReplayed indicates the credential nonce was already redeemed.
	ErrReplayed = errors.New("auth: credential already used")
)

// SigningMethod is the only accepted credential algorithm.
var SigningMethod = jwt.SigningMethodHS256

// Claims is the validated content of a credential.
type Claims struct {
	Identity  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Nonce     string
}

// Validator verifies credentials and redeems their nonces.
type Validator struct {
	secret  []byte
	leeway  time.Duration
	horizon time.Duration
	ledger  Ledger
	parser  *jwt.Parser
	now     func() time.Time
}

// NewValidator constructs a Validator. horizon is the minimum time a redeemed
// nonce is remembered.
func NewValidator(secret string, leeway, horizon time.Duration, ledger Ledger) (*Validator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: secret must not be empty")
	}
	if ledger == nil {
		return nil, errors.New("auth: ledger must not be nil")
	}
	if leeway < 0 {
		leeway = 0
	}
	v := &Validator{secret: []byte(secret), leeway: leeway, horizon: horizon, ledger: ledger, now: time.Now}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{SigningMethod.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v, nil
}

// WithClock overrides the validator clock for deterministic tests.
func (v *Validator) WithClock(clock func() time.Time) {
	if clock != nil {
		v.now = clock
	}
}

// Validate checks the credential and, only if every check passes, redeems its
// nonce. assertedIdentity is the identity the client claims alongside the
// credential; it must equal the signed subject.
func (v *Validator) Validate(ctx context.Context, credential, assertedIdentity string) (Claims, error) {
	claims, err := v.verify(credential)
	if err != nil {
		return Claims{}, err
	}
	if assertedIdentity != claims.Identity {
		return Claims{}, ErrIdentityMismatch
	}

	retain := claims.ExpiresAt.Add(v.leeway)
	if min := v.now().Add(v.horizon); retain.Before(min) {
		retain = min
	}
	fresh, err := v.ledger.Consume(ctx, claims.Nonce, retain)
	if err != nil {
		return Claims{}, fmt.Errorf("auth: redeem nonce: %w", err)
	}
	if !fresh {
		return Claims{}, ErrReplayed
	}
	return claims, nil
}

// verify checks structure, signature and time bounds without touching the
// ledger.
func (v *Validator) verify(credential string) (Claims, error) {
	var rc jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(strings.TrimSpace(credential), &rc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}
	if strings.TrimSpace(rc.Subject) == "" || rc.ID == "" || rc.IssuedAt == nil {
		return Claims{}, ErrMalformed
	}
	return Claims{
		Identity:  rc.Subject,
		IssuedAt:  rc.IssuedAt.Time,
		ExpiresAt: rc.ExpiresAt.Time,
		Nonce:     rc.ID,
	}, nil
}

// classify maps jwt parse errors onto the package sentinels. Time errors are
// checked first since the library joins every failed claim check.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// Reason maps a validation error to the AUTH_FAILURE reason sent to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrReplayed):
		return "replayed"
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrSignature):
		return "invalid_credential"
	default:
		return "unavailable"
	}
}

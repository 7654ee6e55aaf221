// Package workerauth issues and validates the short-lived bearer tokens that
// gate the worker-facing registration, heartbeat, and event-channel upgrade
// endpoints. It reuses the teacher's JWT library for the same structural
// problem — a signed, expiring credential — but signs with a single shared
// secret (HS256) rather than per-user RSA keys, since there are no
// multi-tenant user sessions in this system.
package workerauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer mints and validates worker bearer tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// New creates an Issuer. An empty secret disables validation entirely
// (development only) — Validate then always returns true.
func New(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

type workerClaims struct {
	jwt.RegisteredClaims
	WorkerID string `json:"worker_id"`
}

// Mint issues a token scoped to workerID, valid for the issuer's ttl.
func (i *Issuer) Mint(workerID string) (string, error) {
	if len(i.secret) == 0 {
		return "", nil
	}
	claims := workerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "fabric-coordinator",
		},
		WorkerID: workerID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// Validate reports whether token is well-formed, unexpired, and signed with
// the issuer's secret. An Issuer with an empty secret accepts every token.
func (i *Issuer) Validate(token string) bool {
	if len(i.secret) == 0 {
		return true
	}
	if token == "" {
		return false
	}
	parsed, err := jwt.ParseWithClaims(token, &workerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("workerauth: unexpected signing method")
		}
		return i.secret, nil
	})
	return err == nil && parsed.Valid
}

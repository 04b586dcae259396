// Package auth issues and checks per-document access tokens for the
// websocket endpoint.
package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const issuer = "settings-ui"

// Claims grant access to a single document URI.
type Claims struct {
	Doc string `json:"doc"`
	gojwt.RegisteredClaims
}

type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens signs with secret. A zero ttl issues tokens that do not expire.
func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(doc string) (string, error) {
	now := t.now()
	claims := Claims{
		Doc: doc,
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(t.ttl))
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of token and that it was issued
// for doc.
func (t *Tokens) Verify(token, doc string) (*Claims, error) {
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(issuer),
		gojwt.WithTimeFunc(t.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Doc != doc {
		return nil, fmt.Errorf("%w: issued for %q", ErrInvalidToken, claims.Doc)
	}
	return claims, nil
}

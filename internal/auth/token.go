// Package auth verifies the bearer tokens issued by the platform's identity
// service and turns them into ledger actors.
package auth

import (
	"errors"
	"strings"
	"time"

	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/types"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Actor maps the token subject and role onto the actor recorded in the
// ledger audit trail.
func (c Claims) Actor() ledger.Actor {
	if strings.EqualFold(c.Role, RoleAdmin) {
		return ledger.Actor{Type: types.ActorAdmin, ID: c.Subject}
	}
	return ledger.Actor{Type: types.ActorUser, ID: c.Subject}
}

type Verifier struct {
	issuer string
	secret []byte
}

func NewVerifier(issuer, secret string) *Verifier {
	return &Verifier{issuer: issuer, secret: []byte(secret)}
}

func (v *Verifier) Parse(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, errors.Join(ErrInvalidToken, errors.New("missing subject"))
	}
	return *claims, nil
}

// Sign issues a token for subject. The engine only verifies tokens; Sign
// serves operators and tests that need one.
func (v *Verifier) Sign(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

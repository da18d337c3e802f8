package auth

import (
	"testing"
	"time"

	"lv-marginbook/internal/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierRoundTrip(t *testing.T) {
	v := NewVerifier("marginbook", "secret")
	tok, err := v.Sign("user-1", "", time.Minute)
	require.NoError(t, err)

	claims, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, types.ActorUser, claims.Actor().Type)

	tok, err = v.Sign("ops-1", "admin", time.Minute)
	require.NoError(t, err)
	claims, err = v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, types.ActorAdmin, claims.Actor().Type)
	assert.Equal(t, "ops-1", claims.Actor().ID)
}

func TestVerifierRejects(t *testing.T) {
	v := NewVerifier("marginbook", "secret")

	other, err := NewVerifier("someone-else", "secret").Sign("user-1", "", time.Minute)
	require.NoError(t, err)
	wrongKey, err := NewVerifier("marginbook", "other").Sign("user-1", "", time.Minute)
	require.NoError(t, err)
	expired, err := v.Sign("user-1", "", -time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Sign("", "", time.Minute)
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: "marginbook", Subject: "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"issuer":     other,
		"key":        wrongKey,
		"expired":    expired,
		"no subject": noSubject,
		"alg none":   unsigned,
		"garbage":    "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

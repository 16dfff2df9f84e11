package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kiranshivaraju/apimeter/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimsFor(email string, exp time.Time) auth.Claims {
	return auth.Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestSigner_RoundTrip(t *testing.T) {
	s, err := auth.NewSigner("secret", "HS256")
	require.NoError(t, err)

	signed, err := s.Sign(claimsFor("ada@example.com", time.Now().Add(time.Minute)))
	require.NoError(t, err)

	claims, err := s.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", claims.Subject)
	assert.Equal(t, "u1", claims.UserID)
}

func TestSigner_Expired(t *testing.T) {
	s, err := auth.NewSigner("secret", "HS256")
	require.NoError(t, err)

	signed, err := s.Sign(claimsFor("ada@example.com", time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	_, err = s.Verify(signed)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}

func TestSigner_WrongSecret(t *testing.T) {
	a, _ := auth.NewSigner("secret-a", "HS256")
	b, _ := auth.NewSigner("secret-b", "HS256")

	signed, err := a.Sign(claimsFor("ada@example.com", time.Now().Add(time.Minute)))
	require.NoError(t, err)

	_, err = b.Verify(signed)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestSigner_RejectsOtherAlgorithm(t *testing.T) {
	hs512, _ := auth.NewSigner("secret", "HS512")
	hs256, _ := auth.NewSigner("secret", "HS256")

	signed, err := hs512.Sign(claimsFor("ada@example.com", time.Now().Add(time.Minute)))
	require.NoError(t, err)

	_, err = hs256.Verify(signed)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestSigner_MissingExpiry(t *testing.T) {
	s, _ := auth.NewSigner("secret", "HS256")

	signed, err := s.Sign(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ada@example.com"}})
	require.NoError(t, err)

	_, err = s.Verify(signed)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestSigner_Garbage(t *testing.T) {
	s, _ := auth.NewSigner("secret", "HS256")
	_, err := s.Verify("not-a-jwt")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestNewSigner_Invalid(t *testing.T) {
	_, err := auth.NewSigner("", "HS256")
	assert.Error(t, err)

	_, err = auth.NewSigner("secret", "RS256")
	assert.Error(t, err)

	_, err = auth.NewSigner("secret", "none")
	assert.Error(t, err)
}

func TestPassword(t *testing.T) {
	hash, err := auth.HashPassword("hunter2", 4)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, auth.VerifyPassword(hash, "hunter2"))
	assert.False(t, auth.VerifyPassword(hash, "hunter3"))
}

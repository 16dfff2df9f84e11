package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by a bearer credential. Subject holds
// the user's email and ID the token record id.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Signer signs and verifies HMAC JWTs with a single shared secret.
type Signer struct {
	key    []byte
	method jwt.SigningMethod
}

// NewSigner returns a Signer for the HMAC algorithm alg (HS256, HS384 or HS512).
func NewSigner(secret, alg string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("empty signing secret")
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	return &Signer{key: []byte(secret), method: method}, nil
}

func (s *Signer) Sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of signed. Expired credentials
// yield ErrExpiredToken; every other failure yields ErrInvalidToken.
func (s *Signer) Verify(signed string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(signed, claims,
		func(t *jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

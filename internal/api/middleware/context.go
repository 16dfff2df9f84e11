package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/apimeter/internal/auth"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

type contextKey string

const (
	credentialKey contextKey = "credential"
	claimsKey     contextKey = "claims"
	tokenKey      contextKey = "token"
	userKey       contextKey = "user"
)

func setCredential(ctx context.Context, raw string) context.Context {
	return context.WithValue(ctx, credentialKey, raw)
}

func getCredential(r *http.Request) (string, bool) {
	raw, ok := r.Context().Value(credentialKey).(string)
	return raw, ok && raw != ""
}

func setClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// GetClaims returns the claims verified by Authenticate.
func GetClaims(r *http.Request) (*auth.Claims, bool) {
	c, ok := r.Context().Value(claimsKey).(*auth.Claims)
	return c, ok
}

func setToken(ctx context.Context, t *models.Token) context.Context {
	return context.WithValue(ctx, tokenKey, t)
}

// GetToken returns the token record matched by Authenticate.
func GetToken(r *http.Request) (*models.Token, bool) {
	t, ok := r.Context().Value(tokenKey).(*models.Token)
	return t, ok
}

func SetUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser returns the identity resolved by Identify.
func GetUser(r *http.Request) (*models.User, bool) {
	u, ok := r.Context().Value(userKey).(*models.User)
	return u, ok && u != nil
}

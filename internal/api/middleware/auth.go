package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/apimeter/internal/api/response"
	"github.com/kiranshivaraju/apimeter/internal/auth"
	"github.com/kiranshivaraju/apimeter/internal/metrics"
	"github.com/kiranshivaraju/apimeter/internal/store"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

// Rejection codes written by the bearer token gate.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeTokenNotFound    = "TOKEN_NOT_FOUND"
	CodeTokenRevoked     = "TOKEN_REVOKED"
	CodeInvalidToken     = "INVALID_TOKEN"
)

// credentialLogPrefix is how much of a bearer credential may appear in logs.
const credentialLogPrefix = 10

// TokenVerifier checks a credential's signature and expiry.
type TokenVerifier interface {
	Verify(signed string) (*auth.Claims, error)
}

// IdentityResolver maps a credential to the user it names.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, signed string) (*models.User, error)
}

// Auth provides the bearer token gate, identity resolution and the admin check.
type Auth struct {
	tokens   store.TokenStore
	verifier TokenVerifier
	identity IdentityResolver
	metrics  *metrics.Metrics
}

// NewAuth creates a new Auth middleware.
func NewAuth(tokens store.TokenStore, verifier TokenVerifier, identity IdentityResolver, m *metrics.Metrics) *Auth {
	return &Auth{tokens: tokens, verifier: verifier, identity: identity, metrics: m}
}

// Authenticate admits a request only when its bearer credential is a stored,
// active token and carries a valid signature and expiry. The store check
// runs first so that revocation takes effect before the signature expires.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			a.reject(w, "not_authenticated", CodeNotAuthenticated, "Not authenticated")
			return
		}

		token, err := a.tokens.GetTokenByValue(r.Context(), raw)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("token lookup failed", "error", err, "credential", redact(raw))
				a.reject(w, "store_error", CodeTokenNotFound, "Token not found")
				return
			}
			a.reject(w, "token_not_found", CodeTokenNotFound, "Token not found")
			return
		}

		if !token.IsActive {
			a.reject(w, "token_revoked", CodeTokenRevoked, "Token is invalid or revoked")
			return
		}

		claims, err := a.verifier.Verify(raw)
		if err != nil {
			a.reject(w, "invalid_token", CodeInvalidToken, "Token is invalid")
			return
		}

		ctx := setCredential(r.Context(), raw)
		ctx = setToken(ctx, token)
		ctx = setClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) reject(w http.ResponseWriter, reason, code, detail string) {
	a.metrics.AuthRejected(reason)
	response.Unauthorized(w, code, detail)
}

// Identify resolves the user behind the bearer credential and stores it in
// the request context.
func (a *Auth) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := getCredential(r)
		if !ok {
			raw = extractBearerToken(r)
		}
		if raw == "" {
			response.Unauthorized(w, CodeNotAuthenticated, "Not authenticated")
			return
		}

		user, err := a.identity.ResolveIdentity(r.Context(), raw)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) ||
				errors.Is(err, auth.ErrUserNotFound) {
				response.Unauthorized(w, CodeInvalidToken, "Could not validate credentials")
				return
			}
			slog.Error("identity lookup failed", "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to resolve identity", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetUser(r.Context(), user)))
	})
}

// RequireAdmin rejects callers whose resolved identity is not an admin.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUser(r)
		if !ok {
			response.Unauthorized(w, CodeNotAuthenticated, "Not authenticated")
			return
		}
		if !user.IsAdmin {
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Not authorized to access this endpoint", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func redact(raw string) string {
	if len(raw) <= credentialLogPrefix {
		return raw
	}
	return raw[:credentialLogPrefix] + "..."
}

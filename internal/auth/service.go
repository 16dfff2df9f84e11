// Package auth registers users, checks credentials, issues bearer tokens and
// resolves the identity behind a presented token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/apimeter/internal/cache"
	"github.com/kiranshivaraju/apimeter/internal/store"
	"github.com/kiranshivaraju/apimeter/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// Options tune a Service. Zero values fall back to the defaults.
type Options struct {
	TokenTTL         time.Duration
	IdentityCacheTTL time.Duration
	BcryptCost       int
}

const (
	defaultTokenTTL         = 30 * time.Minute
	defaultIdentityCacheTTL = 5 * time.Minute
)

// RegisterInput is the data needed to create a user.
type RegisterInput struct {
	Email    string
	Username string
	Password string
}

type Service struct {
	users  store.UserStore
	tokens store.TokenStore
	signer *Signer
	cache  cache.Cache

	tokenTTL   time.Duration
	cacheTTL   time.Duration
	bcryptCost int
	now        func() time.Time

	// dummyHash is compared against when the email is unknown so that both
	// login failure paths run bcrypt.
	dummyHash string
}

func NewService(users store.UserStore, tokens store.TokenStore, signer *Signer, c cache.Cache, opts Options) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.IdentityCacheTTL <= 0 {
		opts.IdentityCacheTTL = defaultIdentityCacheTTL
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if c == nil {
		c = cache.NopCache{}
	}
	dummy, _ := HashPassword(uuid.NewString(), opts.BcryptCost)
	return &Service{
		users:      users,
		tokens:     tokens,
		signer:     signer,
		cache:      c,
		tokenTTL:   opts.TokenTTL,
		cacheTTL:   opts.IdentityCacheTTL,
		bcryptCost: opts.BcryptCost,
		now:        time.Now,
		dummyHash:  dummy,
	}
}

// Register creates a user. The first user ever created becomes admin; the
// count and the insert are separate store calls, so two simultaneous first
// registrations may both see an empty store.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.UserPublic, error) {
	_, err := s.users.GetUserByEmail(ctx, in.Email)
	if err == nil {
		return nil, ErrDuplicateEmail
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up email: %w", err)
	}

	hash, err := HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	count, err := s.users.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	user := &models.User{
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: hash,
		IsAdmin:      count == 0,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	slog.Info("user registered", "user_id", user.ID, "is_admin", user.IsAdmin)
	return user.Public(), nil
}

// Authenticate checks an email/password pair. Unknown email and wrong
// password both yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		VerifyPassword(s.dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// IssueToken signs a bearer credential for user and persists the matching
// token record. The returned string is the record's token value.
func (s *Service) IssueToken(ctx context.Context, user *models.User) (string, error) {
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.tokenTTL)
	id := uuid.NewString()

	signed, err := s.signer.Sign(Claims{
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	if err != nil {
		return "", err
	}

	token := &models.Token{
		ID:          id,
		UserID:      user.ID,
		Token:       signed,
		IsActive:    true,
		CreatedAt:   now,
		ExpiresAt:   exp,
		Description: models.DefaultTokenDescription,
	}
	if err := s.tokens.CreateToken(ctx, token); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return signed, nil
}

// Login authenticates and issues a token in one step.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return "", err
	}
	return s.IssueToken(ctx, user)
}

// ResolveIdentity verifies signed and returns the user named by its subject.
func (s *Service) ResolveIdentity(ctx context.Context, signed string) (*models.User, error) {
	claims, err := s.signer.Verify(signed)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return s.userByEmail(ctx, claims.Subject)
}

// userByEmail reads through the identity cache. Users are never updated, so
// a cached entry only expires by TTL. The password hash is not cached.
func (s *Service) userByEmail(ctx context.Context, email string) (*models.User, error) {
	key := cache.UserKey(email)

	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("identity cache read failed", "error", err)
	} else if ok {
		var u models.User
		if err := json.Unmarshal(data, &u); err == nil && u.ID != "" {
			return &u, nil
		}
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}

	if data, err := json.Marshal(user); err == nil {
		if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
			slog.Warn("identity cache write failed", "error", err)
		}
	}
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]*models.UserPublic, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]*models.UserPublic, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out, nil
}

func (s *Service) ListTokens(ctx context.Context, userID string) ([]*models.Token, error) {
	tokens, err := s.tokens.ListTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// GetToken returns the token only when userID owns it.
func (s *Service) GetToken(ctx context.Context, userID, tokenID string) (*models.Token, error) {
	token, err := s.tokens.GetToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if token.UserID != userID {
		return nil, ErrTokenNotFound
	}
	return token, nil
}

// RevokeToken deactivates a token owned by userID. Revoking an already
// revoked token succeeds.
func (s *Service) RevokeToken(ctx context.Context, userID, tokenID string) error {
	if _, err := s.GetToken(ctx, userID, tokenID); err != nil {
		return err
	}
	if err := s.tokens.DeactivateToken(ctx, tokenID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("revoke token: %w", err)
	}
	slog.Info("token revoked", "user_id", userID, "token_id", tokenID)
	return nil
}

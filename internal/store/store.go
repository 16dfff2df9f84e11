package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/apimeter/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrDecode is returned when a stored document is missing a required field
// or carries a value of the wrong type.
var ErrDecode = errors.New("malformed stored document")

// UserStore persists user credentials.
type UserStore interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
}

// TokenStore persists bearer tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, token *models.Token) error
	GetTokenByValue(ctx context.Context, value string) (*models.Token, error)
	GetToken(ctx context.Context, id string) (*models.Token, error)
	ListTokens(ctx context.Context, userID string) ([]*models.Token, error)
	DeactivateToken(ctx context.Context, id string) error
	UpdateTokenLastUsed(ctx context.Context, id string, at time.Time) error
}

// UsageStore persists usage records and answers the cost aggregations.
type UsageStore interface {
	CreateUsage(ctx context.Context, usage *models.Usage) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]*models.Usage, error)
	CostsByEndpoint(ctx context.Context, userID string, pricePerCall float64) ([]models.EndpointCost, error)
	TotalCost(ctx context.Context, userID string, pricePerCall float64) (float64, error)
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	UserStore
	TokenStore
	UsageStore
}

// UsageFilter selects usage records for one user. The time range applies
// only when both Start and End are set; both bounds are inclusive.
type UsageFilter struct {
	UserID string
	Start  *time.Time
	End    *time.Time
}

// HasRange reports whether the filter restricts by timestamp.
func (f UsageFilter) HasRange() bool {
	return f.Start != nil && f.End != nil
}

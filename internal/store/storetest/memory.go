// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/apimeter/internal/store"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

// Memory is a store.Store held in process memory. The exported error fields
// make the matching operation fail when set.
type Memory struct {
	mu     sync.Mutex
	users  []*models.User
	tokens []*models.Token
	usage  []*models.Usage
	nextID int

	PingErr            error
	GetTokenByValueErr error
	UpdateLastUsedErr  error
	CreateUsageErr     error
	GetUserErr         error
}

var _ store.Store = (*Memory)(nil)

// New returns an empty Memory store.
func New() *Memory {
	return &Memory{}
}

func (m *Memory) Ping(context.Context) error {
	return m.PingErr
}

func (m *Memory) CountUsers(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

func (m *Memory) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return store.ErrDuplicateKey
		}
	}
	m.nextID++
	user.ID = strconv.Itoa(m.nextID)
	cp := *user
	m.users = append(m.users, &cp)
	return nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) ListUsers(context.Context) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CreateToken(_ context.Context, token *models.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	cp := *token
	m.tokens = append(m.tokens, &cp)
	return nil
}

func (m *Memory) GetTokenByValue(_ context.Context, value string) (*models.Token, error) {
	if m.GetTokenByValueErr != nil {
		return nil, m.GetTokenByValueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Token == value {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) GetToken(_ context.Context, id string) (*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.findToken(id); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *Memory) ListTokens(_ context.Context, userID string) ([]*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Token{}
	for _, t := range m.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DeactivateToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findToken(id)
	if t == nil {
		return store.ErrNotFound
	}
	t.IsActive = false
	return nil
}

func (m *Memory) UpdateTokenLastUsed(_ context.Context, id string, at time.Time) error {
	if m.UpdateLastUsedErr != nil {
		return m.UpdateLastUsedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.findToken(id); t != nil {
		t.LastUsed = &at
	}
	return nil
}

func (m *Memory) findToken(id string) *models.Token {
	for _, t := range m.tokens {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *Memory) CreateUsage(_ context.Context, usage *models.Usage) error {
	if m.CreateUsageErr != nil {
		return m.CreateUsageErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	usage.ID = strconv.Itoa(m.nextID)
	cp := *usage
	m.usage = append(m.usage, &cp)
	return nil
}

func (m *Memory) ListUsage(_ context.Context, filter store.UsageFilter) ([]*models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Usage{}
	for _, u := range m.usage {
		if u.UserID != filter.UserID {
			continue
		}
		if filter.HasRange() && (u.Timestamp.Before(*filter.Start) || u.Timestamp.After(*filter.End)) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CostsByEndpoint(_ context.Context, userID string, pricePerCall float64) ([]models.EndpointCost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type acc struct {
		calls int64
		rt    float64
	}
	groups := map[string]*acc{}
	for _, u := range m.usage {
		if u.UserID != userID {
			continue
		}
		a, ok := groups[u.Endpoint]
		if !ok {
			a = &acc{}
			groups[u.Endpoint] = a
		}
		a.calls++
		a.rt += u.ResponseTime
	}
	out := make([]models.EndpointCost, 0, len(groups))
	for ep, a := range groups {
		out = append(out, models.EndpointCost{
			Endpoint:        ep,
			CallCount:       a.calls,
			AvgResponseTime: a.rt / float64(a.calls),
			TotalCost:       pricePerCall * float64(a.calls),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (m *Memory) TotalCost(_ context.Context, userID string, pricePerCall float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, u := range m.usage {
		if u.UserID == userID {
			total += pricePerCall
		}
	}
	return total, nil
}

// Usage returns a copy of every stored usage record.
func (m *Memory) Usage() []models.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Usage, 0, len(m.usage))
	for _, u := range m.usage {
		out = append(out, *u)
	}
	return out
}

// AddUsage stores a record as is, bypassing CreateUsageErr.
func (m *Memory) AddUsage(u models.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	u.ID = strconv.Itoa(m.nextID)
	m.usage = append(m.usage, &u)
}
